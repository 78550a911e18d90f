// Package consensus picks the artifact a set of independent node reports
// should converge on.
//
// The choice is a plurality vote among the reports at the newest version.
// Vote ties go to the greatest fingerprint, so every node evaluating the same
// reports reaches the same answer without a coordination round.
package consensus

import (
	"errors"
	"sort"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// ErrNoInstances is returned when Select is called with nothing to choose from
var ErrNoInstances = errors.New("no artifact instances to select from")

// Candidate is one distinct content at the leading version and its vote count
type Candidate struct {
	Artifact *artifact.Artifact
	Votes    int
}

// Tally groups the instances at the maximum version by fingerprint. The
// result is ordered winner first.
func Tally(instances []*artifact.Artifact) []Candidate {
	if len(instances) == 0 {
		return nil
	}

	maxVersion := instances[0].Version()
	for _, a := range instances[1:] {
		if a.Version() > maxVersion {
			maxVersion = a.Version()
		}
	}

	byFingerprint := make(map[string]*Candidate)
	for _, a := range instances {
		if a.Version() != maxVersion {
			continue
		}
		if c, ok := byFingerprint[a.Fingerprint()]; ok {
			c.Votes++
			continue
		}
		byFingerprint[a.Fingerprint()] = &Candidate{Artifact: a, Votes: 1}
	}

	candidates := make([]Candidate, 0, len(byFingerprint))
	for _, c := range byFingerprint {
		candidates = append(candidates, *c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Votes != candidates[j].Votes {
			return candidates[i].Votes > candidates[j].Votes
		}
		return candidates[i].Artifact.Compare(candidates[j].Artifact) > 0
	})

	return candidates
}

// Select returns the instance the cluster should converge on
func Select(instances []*artifact.Artifact) (*artifact.Artifact, error) {
	candidates := Tally(instances)
	if len(candidates) == 0 {
		return nil, ErrNoInstances
	}
	return candidates[0].Artifact, nil
}
