package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/peers"
)

// QueuePeers buffers freshly authenticated peers for the next cycle and
// triggers it
func (s *Syncer) QueuePeers(fresh []artifact.PeerRecord) error {
	for _, rec := range fresh {
		if rec.Name == "" {
			return peers.ErrUnnamedPeer
		}
	}

	s.mu.Lock()
	s.fresh = append(s.fresh, fresh...)
	s.mu.Unlock()

	s.Trigger()
	return nil
}

func (s *Syncer) drainFresh() []artifact.PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := s.fresh
	s.fresh = nil
	return fresh
}

// requeueFresh puts back peers whose registration failed, ahead of any
// queued since
func (s *Syncer) requeueFresh(fresh []artifact.PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fresh = append(append([]artifact.PeerRecord(nil), fresh...), s.fresh...)
}

// PendingPeers returns how many queued peers wait for the next cycle
func (s *Syncer) PendingPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fresh)
}

// AddPeers registers fresh peers right away: the registries of all reachable
// nodes are merged with the local one and the fresh records, the result is
// saved as a new revision and pushed to every node.
func (s *Syncer) AddPeers(ctx context.Context, fresh []artifact.PeerRecord) (*artifact.Artifact, error) {
	for _, rec := range fresh {
		if rec.Name == "" {
			return nil, peers.ErrUnnamedPeer
		}
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	kinds := []artifact.Kind{artifact.KnownHosts}
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	reports, err := s.transport.Fetch(fetchCtx, s.nodes, kinds)
	cancel()
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("failed to fetch known hosts: %w", err)
	}

	candidates := make([]*artifact.Artifact, 0, len(reports))
	for _, configs := range reports {
		if a, ok := configs[artifact.KnownHosts]; ok {
			candidates = append(candidates, a)
		}
	}

	local, err := s.loadRegistry()
	if err != nil {
		return nil, err
	}

	updated, err := s.registerLocked(local, candidates, fresh)
	if err != nil {
		return nil, err
	}

	results, err := s.transport.Push(ctx, s.nodes, updated)
	if err != nil {
		return updated, fmt.Errorf("failed to push known hosts: %w", err)
	}
	logPushResults(updated, results)
	return updated, nil
}

func (s *Syncer) loadRegistry() (*artifact.Artifact, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	local, err := s.storage.Load(artifact.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return local, nil
}

// registerLocked merges fresh peers into a new registry revision one above
// every input and saves it. The caller holds cycleMu.
func (s *Syncer) registerLocked(local *artifact.Artifact, candidates []*artifact.Artifact, fresh []artifact.PeerRecord) (*artifact.Artifact, error) {
	merged, err := s.mergeRegistry(local, candidates, fresh)
	if err != nil {
		return nil, err
	}
	if err := merged.SetVersion(merged.Version() + 1); err != nil {
		return nil, fmt.Errorf("failed to bump known hosts version: %w", err)
	}
	if err := s.save(merged); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fresh))
	for _, rec := range fresh {
		names = append(names, rec.Name)
	}
	log.Info().
		Strs("peers", names).
		Int64("version", merged.Version()).
		Msg("registered peers")
	return merged, nil
}
