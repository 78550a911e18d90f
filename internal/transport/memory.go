package transport

import (
	"context"
	"sync"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// Peer is the receiving side of a node
type Peer interface {
	LocalConfigs(kinds []artifact.Kind) (map[artifact.Kind]*artifact.Artifact, error)
	ReceivePush(a *artifact.Artifact) (PushResult, error)
}

// MemoryTransport connects in-process peers
type MemoryTransport struct {
	mu    sync.RWMutex
	peers map[string]Peer
	down  map[string]bool
}

// NewMemoryTransport creates an empty in-process network
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		peers: make(map[string]Peer),
		down:  make(map[string]bool),
	}
}

// Register makes p reachable as id
func (t *MemoryTransport) Register(id string, p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = p
}

// SetDown marks id unreachable or reachable again
func (t *MemoryTransport) SetDown(id string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

func (t *MemoryTransport) lookup(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok || t.down[id] {
		return nil, false
	}
	return p, true
}

// Fetch collects copies of kinds from reachable peers
func (t *MemoryTransport) Fetch(ctx context.Context, nodes []Node, kinds []artifact.Kind) (map[string]map[artifact.Kind]*artifact.Artifact, error) {
	want := wanted(kinds)
	reports := make(map[string]map[artifact.Kind]*artifact.Artifact, len(nodes))
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		p, ok := t.lookup(node.ID)
		if !ok {
			continue
		}
		configs, err := p.LocalConfigs(kinds)
		if err != nil {
			continue
		}
		report := make(map[artifact.Kind]*artifact.Artifact, len(configs))
		for kind, a := range configs {
			if want[kind] {
				report[kind] = a.Clone()
			}
		}
		reports[node.ID] = report
	}
	return reports, nil
}

// Push delivers a to every reachable peer
func (t *MemoryTransport) Push(ctx context.Context, nodes []Node, a *artifact.Artifact) (map[string]PushResult, error) {
	results := make(map[string]PushResult, len(nodes))
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		p, ok := t.lookup(node.ID)
		if !ok {
			results[node.ID] = PushError
			continue
		}
		result, err := p.ReceivePush(a.Clone())
		if err != nil {
			result = PushError
		}
		results[node.ID] = result
	}
	return results, nil
}

// StaticPeer serves a fixed set of artifacts and accepts newer pushes
type StaticPeer struct {
	mu        sync.Mutex
	artifacts map[artifact.Kind]*artifact.Artifact
	received  []*artifact.Artifact
}

// NewStaticPeer creates a peer holding artifacts
func NewStaticPeer(artifacts ...*artifact.Artifact) *StaticPeer {
	p := &StaticPeer{artifacts: make(map[artifact.Kind]*artifact.Artifact)}
	for _, a := range artifacts {
		p.artifacts[a.Kind()] = a
	}
	return p
}

// LocalConfigs returns the held artifacts
func (p *StaticPeer) LocalConfigs(kinds []artifact.Kind) (map[artifact.Kind]*artifact.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	configs := make(map[artifact.Kind]*artifact.Artifact, len(kinds))
	for _, kind := range kinds {
		if a, ok := p.artifacts[kind]; ok {
			configs[kind] = a.Clone()
		}
	}
	return configs, nil
}

// ReceivePush records a and keeps it when it is newer than the held copy
func (p *StaticPeer) ReceivePush(a *artifact.Artifact) (PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.received = append(p.received, a)
	if cur, ok := p.artifacts[a.Kind()]; ok && a.Version() <= cur.Version() {
		return PushRejected, nil
	}
	p.artifacts[a.Kind()] = a
	return PushAccepted, nil
}

// Received returns every pushed artifact in arrival order
func (p *StaticPeer) Received() []*artifact.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*artifact.Artifact(nil), p.received...)
}

// Get returns the held artifact of kind
func (p *StaticPeer) Get(kind artifact.Kind) *artifact.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.artifacts[kind]
}
