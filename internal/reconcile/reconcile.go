package reconcile

import (
	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/consensus"
)

// Decision is the outcome of reconciling one artifact kind. At most one of
// Pull and Push is set.
type Decision struct {
	// Pull is the cluster consensus that must overwrite the local copy
	Pull *artifact.Artifact
	// Push is the local copy that must be distributed to peers
	Push *artifact.Artifact
}

// InSync reports whether nothing needs to move
func (d Decision) InSync() bool {
	return d.Pull == nil && d.Push == nil
}

// Reconcile compares the local artifact against what peers reported.
//
// At equal versions the peers' plurality wins over the local copy even when
// the local fingerprint sorts greater. A node only pushes when it is strictly
// ahead of everything it can observe.
func Reconcile(local *artifact.Artifact, peers []*artifact.Artifact) Decision {
	winner, err := consensus.Select(peers)
	if err != nil {
		return Decision{}
	}

	switch {
	case winner.Version() > local.Version():
		return Decision{Pull: winner}
	case winner.Version() < local.Version():
		return Decision{Push: local}
	case winner.Equal(local):
		return Decision{}
	default:
		return Decision{Pull: winner}
	}
}

// Result groups the decisions of one sync cycle across kinds
type Result struct {
	Pull []*artifact.Artifact
	Push []*artifact.Artifact
}

// Plan reconciles every local artifact against the reports of all nodes.
// Reports are keyed by node id; a node missing a kind simply does not vote
// on it. Output follows artifact.AllKinds order.
func Plan(local map[artifact.Kind]*artifact.Artifact, reports map[string]map[artifact.Kind]*artifact.Artifact) Result {
	var result Result

	for _, kind := range artifact.AllKinds() {
		mine, ok := local[kind]
		if !ok {
			continue
		}

		var peers []*artifact.Artifact
		for _, configs := range reports {
			if a, ok := configs[kind]; ok && a != nil && a.Kind() == kind {
				peers = append(peers, a)
			}
		}

		decision := Reconcile(mine, peers)
		if decision.Pull != nil {
			result.Pull = append(result.Pull, decision.Pull)
		}
		if decision.Push != nil {
			result.Push = append(result.Push, decision.Push)
		}
	}

	return result
}
