package entity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pidctl/internal/controller"
)

// Attribute keys that carry actuator bounds.
const (
	AttrMin  = "min"
	AttrMax  = "max"
	AttrStep = "step"
)

// State is the current value of one entity. Value is kept as text, the way a
// home-automation host reports it; "unknown" and "unavailable" are legal.
type State struct {
	Value      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"last_updated"`
}

// Device receives writes made to an attached entity.
type Device interface {
	Write(ctx context.Context, v float64) error
}

type entry struct {
	state State
	dev   Device
}

// Store is an in-memory entity registry. It is the sample source and the
// actuator sink for every controller in the process.
type Store struct {
	now func() time.Time

	mu       sync.RWMutex
	entities map[string]*entry
}

func NewStore() *Store {
	return &Store{now: time.Now, entities: make(map[string]*entry)}
}

// Set creates or updates id. A nil attrs keeps the existing attributes.
func (s *Store) Set(id, value string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[id]
	if e == nil {
		e = &entry{}
		s.entities[id] = e
	}
	e.state.Value = value
	if attrs != nil {
		e.state.Attributes = cloneAttrs(attrs)
	}
	e.state.UpdatedAt = s.now().UTC()
}

func (s *Store) SetFloat(id string, v float64) {
	s.Set(id, formatFloat(v), nil)
}

// Attach binds dev to id so that WriteValue reaches hardware. The entity is
// created if missing.
func (s *Store) Attach(id string, dev Device, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[id]
	if e == nil {
		e = &entry{state: State{Value: "unknown", UpdatedAt: s.now().UTC()}}
		s.entities[id] = e
	}
	e.dev = dev
	if attrs != nil {
		e.state.Attributes = cloneAttrs(attrs)
	}
}

func (s *Store) Get(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entities[id]
	if e == nil {
		return State{}, false
	}
	st := e.state
	st.Attributes = cloneAttrs(st.Attributes)
	return st, true
}

func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok
}

// IDs returns the entity ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ReadValue returns the numeric state of id.
func (s *Store) ReadValue(_ context.Context, id string) (float64, error) {
	st, ok := s.Get(id)
	if !ok {
		return 0, controller.ErrNotFound
	}
	return ParseValue(st.Value)
}

// ParseValue converts an entity state string to a finite number.
func ParseValue(raw string) (float64, error) {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "", "unknown", "unavailable", "none":
		return 0, controller.ErrUnavailable
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", controller.ErrNotNumeric, raw)
	}
	return f, nil
}

// Bounds reports the min/max/step attributes of id. Both min and max must be
// present and numeric.
func (s *Store) Bounds(_ context.Context, id string) (controller.Bounds, bool) {
	st, ok := s.Get(id)
	if !ok {
		return controller.Bounds{}, false
	}
	return boundsOf(st.Attributes)
}

func boundsOf(attrs map[string]any) (controller.Bounds, bool) {
	lo, okLo := toFloat(attrs[AttrMin])
	hi, okHi := toFloat(attrs[AttrMax])
	if !okLo || !okHi || lo > hi {
		return controller.Bounds{}, false
	}
	step, _ := toFloat(attrs[AttrStep])
	return controller.Bounds{Min: lo, Max: hi, Step: step}, true
}

// WriteValue sets id to v, passing it to an attached device first. The state
// is left unchanged when the write is refused.
func (s *Store) WriteValue(ctx context.Context, id string, v float64) error {
	s.mu.RLock()
	e := s.entities[id]
	var (
		dev   Device
		attrs map[string]any
	)
	if e != nil {
		dev = e.dev
		attrs = e.state.Attributes
	}
	s.mu.RUnlock()

	if e == nil {
		return fmt.Errorf("%w: %s", controller.ErrNotFound, id)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s: value %v is not finite", controller.ErrRejected, id, v)
	}
	if b, ok := boundsOf(attrs); ok && !b.Contains(v) {
		return fmt.Errorf("%w: %s: %g outside [%g, %g]", controller.ErrRejected, id, v, b.Min, b.Max)
	}
	if dev != nil {
		if err := dev.Write(ctx, v); err != nil {
			return fmt.Errorf("%w: %s: %w", controller.ErrRejected, id, err)
		}
	}

	s.mu.Lock()
	if cur := s.entities[id]; cur != nil {
		cur.state.Value = formatFloat(v)
		cur.state.UpdatedAt = s.now().UTC()
	}
	s.mu.Unlock()
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func cloneAttrs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
