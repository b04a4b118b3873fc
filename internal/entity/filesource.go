package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type FileSourceConfig struct {
	Path     string
	Interval time.Duration
}

// FileSource polls a JSON document and copies its entities into a Store.
//
// The document is an object keyed by entity id. Each value is a number, a
// string, null (unavailable) or {"state": ..., "attributes": {...}}.
type FileSource struct {
	cfg   FileSourceConfig
	store *Store

	started atomic.Bool
	closed  atomic.Bool

	mu           sync.RWMutex
	state        string
	lastErr      string
	lastSeen     time.Time
	lastModTime  time.Time
	lastFileSize int64

	reads   atomic.Uint64
	skips   atomic.Uint64
	errors  atomic.Uint64
	updates atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type FileSourceSnapshot struct {
	Path        string `json:"path"`
	Interval    string `json:"interval"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`

	Reads   uint64 `json:"reads"`
	Skips   uint64 `json:"skips"`
	Errors  uint64 `json:"errors"`
	Updates uint64 `json:"updates"`
}

func NewFileSource(cfg FileSourceConfig, store *Store) (*FileSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file source path is required")
	}
	if store == nil {
		return nil, fmt.Errorf("file source store is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &FileSource{cfg: cfg, store: store, state: "stopped", done: make(chan struct{})}, nil
}

func (p *FileSource) Start(ctx context.Context) error {
	if p.closed.Load() {
		return fmt.Errorf("file source is closed")
	}
	if p.started.Swap(true) {
		return fmt.Errorf("file source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.setState("polling", "")

	go func() {
		defer close(p.done)
		p.run(runCtx)
	}()
	return nil
}

func (p *FileSource) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.started.Load() {
		<-p.done
	}
}

func (p *FileSource) Snapshot() FileSourceSnapshot {
	p.mu.RLock()
	out := FileSourceSnapshot{
		Path:      p.cfg.Path,
		Interval:  p.cfg.Interval.String(),
		State:     p.state,
		LastError: p.lastErr,
	}
	if !p.lastSeen.IsZero() {
		out.LastSeenUTC = p.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	p.mu.RUnlock()

	out.Reads = p.reads.Load()
	out.Skips = p.skips.Load()
	out.Errors = p.errors.Load()
	out.Updates = p.updates.Load()
	return out
}

func (p *FileSource) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-ctx.Done():
			p.setState("stopped", "")
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *FileSource) poll() {
	st, err := os.Stat(p.cfg.Path)
	if err != nil {
		p.errors.Add(1)
		p.setState("error", err.Error())
		return
	}

	p.mu.RLock()
	prevMod := p.lastModTime
	prevSize := p.lastFileSize
	p.mu.RUnlock()

	// Unchanged since the last successful read.
	if !prevMod.IsZero() && st.ModTime().Equal(prevMod) && st.Size() == prevSize {
		p.skips.Add(1)
		return
	}

	b, err := os.ReadFile(p.cfg.Path)
	p.reads.Add(1)
	if err != nil {
		p.errors.Add(1)
		p.setState("error", err.Error())
		return
	}
	if err := p.apply(b); err != nil {
		p.errors.Add(1)
		p.setState("error", err.Error())
		return
	}

	p.mu.Lock()
	p.lastSeen = time.Now().UTC()
	p.lastModTime = st.ModTime()
	p.lastFileSize = st.Size()
	p.mu.Unlock()

	p.updates.Add(1)
	p.setState("polling", "")
}

type fileEntity struct {
	State      json.RawMessage `json:"state"`
	Attributes map[string]any  `json:"attributes"`
}

// apply parses the whole document before touching the store so a bad file
// changes nothing.
func (p *FileSource) apply(b []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("json parse: %w", err)
	}

	type update struct {
		value string
		attrs map[string]any
	}
	updates := make(map[string]update, len(doc))
	for id, raw := range doc {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			var fe fileEntity
			if err := json.Unmarshal(raw, &fe); err != nil {
				return fmt.Errorf("entity %s: %w", id, err)
			}
			v, err := scalarText(fe.State)
			if err != nil {
				return fmt.Errorf("entity %s: %w", id, err)
			}
			updates[id] = update{value: v, attrs: fe.Attributes}
			continue
		}
		v, err := scalarText(raw)
		if err != nil {
			return fmt.Errorf("entity %s: %w", id, err)
		}
		updates[id] = update{value: v}
	}

	for id, u := range updates {
		p.store.Set(id, u.value, u.attrs)
	}
	return nil
}

func scalarText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "unavailable", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case float64:
		return formatFloat(x), nil
	case string:
		return x, nil
	case bool:
		if x {
			return "on", nil
		}
		return "off", nil
	default:
		return "", fmt.Errorf("unsupported state %s", string(raw))
	}
}

func (p *FileSource) setState(state, lastErr string) {
	p.mu.Lock()
	p.state = state
	if lastErr != "" {
		p.lastErr = lastErr
	}
	p.mu.Unlock()
}
