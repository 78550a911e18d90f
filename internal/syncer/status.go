package syncer

import (
	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/control"
	"github.com/clusterd/cfgsync/internal/transport"
)

// ConfigStatus is the local state of one config file
type ConfigStatus struct {
	Name        string `json:"name"`
	Version     int64  `json:"version"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Status is a snapshot of the syncer
type Status struct {
	NodeID       string           `json:"node_id"`
	Nodes        []transport.Node `json:"nodes"`
	Allowed      bool             `json:"allowed"`
	Paused       bool             `json:"paused"`
	Control      control.State    `json:"control"`
	Configs      []ConfigStatus   `json:"configs"`
	PendingPeers int              `json:"pending_peers"`
	LastCycle    *CycleReport     `json:"last_cycle,omitempty"`
}

// Status returns the current syncer state
func (s *Syncer) Status() Status {
	status := Status{
		NodeID:       s.nodeID,
		Nodes:        append([]transport.Node{}, s.nodes...),
		Allowed:      s.control.IsAllowed(),
		Paused:       s.control.IsPaused(),
		Control:      s.control.State(),
		Configs:      make([]ConfigStatus, 0, len(artifact.AllKinds())),
		PendingPeers: s.PendingPeers(),
	}

	s.fileMu.Lock()
	for _, kind := range artifact.AllKinds() {
		cs := ConfigStatus{Name: kind.Name()}
		a, err := s.storage.Load(kind)
		if err != nil {
			cs.Error = err.Error()
		} else {
			cs.Version = a.Version()
			cs.Fingerprint = a.Fingerprint()
		}
		status.Configs = append(status.Configs, cs)
	}
	s.fileMu.Unlock()

	s.mu.Lock()
	if s.last != nil {
		last := *s.last
		status.LastCycle = &last
	}
	s.mu.Unlock()

	return status
}
