// Package peers merges divergent copies of the known-peers registry.
//
// Unlike the other artifacts the registry is not replaced wholesale: each peer
// name is resolved on its own, so a peer learned by any single node is never
// lost to a newer file that simply does not mention it.
package peers

import (
	"errors"
	"fmt"

	"github.com/clusterd/cfgsync/internal/artifact"
)

var (
	// ErrWrongKind is returned when a non registry artifact is passed in
	ErrWrongKind = errors.New("artifact is not a known-hosts registry")
	// ErrUnnamedPeer is returned for a fresh peer record without a name
	ErrUnnamedPeer = errors.New("peer record has no name")
)

type source struct {
	from   *artifact.Artifact
	record artifact.PeerRecord
}

// Merge combines the local registry, candidate registries fetched from other
// nodes and freshly authenticated peers.
//
// Each name takes its record from the highest version registry that lists
// it; registries at the same version are ordered by fingerprint. Fresh peers
// then replace their entries unconditionally. The result carries the highest
// version seen in the inputs; fresh peers do not bump it.
func Merge(local *artifact.Artifact, candidates []*artifact.Artifact, fresh []artifact.PeerRecord) (*artifact.Artifact, error) {
	if local == nil {
		local = artifact.Empty(artifact.KnownHosts)
	}

	pool := make([]*artifact.Artifact, 0, len(candidates)+1)
	pool = append(pool, local)
	pool = append(pool, candidates...)

	var target int64
	for _, a := range pool {
		if a == nil {
			return nil, fmt.Errorf("%w: nil candidate", ErrWrongKind)
		}
		if a.Kind() != artifact.KnownHosts {
			return nil, fmt.Errorf("%w: %s", ErrWrongKind, a.Kind())
		}
		if a.Version() > target {
			target = a.Version()
		}
	}

	best := make(map[string]source)
	for _, a := range pool {
		records, err := a.Peers()
		if err != nil {
			// an unreadable registry still votes with its version, not its peers
			continue
		}
		for name, rec := range records {
			cur, ok := best[name]
			if !ok || a.Compare(cur.from) > 0 {
				best[name] = source{from: a, record: rec}
			}
		}
	}

	merged := make(map[string]artifact.PeerRecord, len(best)+len(fresh))
	for name, src := range best {
		merged[name] = src.record
	}
	for _, rec := range fresh {
		if rec.Name == "" {
			return nil, ErrUnnamedPeer
		}
		merged[rec.Name] = rec
	}

	return artifact.NewRegistry(target, merged)
}
