package web

import (
	"sync/atomic"
	"time"
)

// Status carries process-level facts for /api/status.
type Status struct {
	startUnixNano  atomic.Int64
	reloads        atomic.Uint64
	lastReloadNano atomic.Int64
	lastReloadErr  atomic.Value // string
	configPath     atomic.Value // string
}

func NewStatus(configPath string) *Status {
	s := &Status{}
	s.startUnixNano.Store(time.Now().UTC().UnixNano())
	s.lastReloadErr.Store("")
	s.configPath.Store(configPath)
	return s
}

// MarkReload records the outcome of a configuration reload.
func (s *Status) MarkReload(nowUTC time.Time, err error) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.lastReloadNano.Store(nowUTC.UnixNano())
	if err != nil {
		s.lastReloadErr.Store(err.Error())
		return
	}
	s.reloads.Add(1)
	s.lastReloadErr.Store("")
}

type StatusSnapshot struct {
	Service         string `json:"service"`
	NowUTC          string `json:"now_utc"`
	UptimeSec       int64  `json:"uptime_sec"`
	ConfigPath      string `json:"config_path,omitempty"`
	Controllers     int    `json:"controllers"`
	Enabled         int    `json:"enabled"`
	Entities        int    `json:"entities"`
	Reloads         uint64 `json:"reloads"`
	LastReloadUTC   string `json:"last_reload_utc,omitempty"`
	LastReloadError string `json:"last_reload_error,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, s.startUnixNano.Load()).UTC()
	snap := StatusSnapshot{
		Service:         "pidctl",
		NowUTC:          nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:       int64(nowUTC.Sub(start).Seconds()),
		ConfigPath:      s.configPath.Load().(string),
		Reloads:         s.reloads.Load(),
		LastReloadError: s.lastReloadErr.Load().(string),
	}
	if n := s.lastReloadNano.Load(); n != 0 {
		snap.LastReloadUTC = time.Unix(0, n).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
