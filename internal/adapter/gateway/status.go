package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the body of GET /api/v1/status.
type Status struct {
	Version       string          `json:"version,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Connections   int             `json:"connections"`
	Methods       []string        `json:"methods"`
	Backplane     BackplaneStatus `json:"backplane"`
}

// BackplaneStatus describes the relay this process is attached to.
type BackplaneStatus struct {
	Kind     string `json:"kind"`
	OriginID string `json:"origin_id,omitempty"`
	Degraded bool   `json:"degraded"`
}

// scaleout is satisfied by backplanes that relay across processes.
type scaleout interface {
	OriginID() string
	Degraded() bool
}

// Status snapshots the server state.
func (s *Server) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	st := Status{
		Version:     s.opts.Version,
		Connections: s.dispatcher.Count(),
		Methods:     s.dispatcher.Registry().Names(),
		Backplane:   BackplaneStatus{Kind: s.opts.BackplaneKind},
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if st.Backplane.Kind == "" {
		st.Backplane.Kind = "local"
	}
	if so, ok := s.opts.Backplane.(scaleout); ok {
		st.Backplane.OriginID = so.OriginID()
		st.Backplane.Degraded = so.Degraded()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Debug("status encode failed", "error", err)
	}
}
