package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// Restore brings back an earlier content of kind. The content becomes a new
// revision above the local one so that every node takes it over, and is
// pushed right away.
func (s *Syncer) Restore(ctx context.Context, kind artifact.Kind, text string) (*artifact.Artifact, error) {
	restored, err := artifact.New(kind, text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s backup: %w", kind, err)
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.fileMu.Lock()
	local, err := s.storage.Load(kind)
	s.fileMu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("kind", kind.Name()).Msg("local config unreadable, restoring over it")
		local = artifact.Empty(kind)
	}

	version := local.Version()
	if restored.Version() > version {
		version = restored.Version()
	}
	if err := restored.SetVersion(version + 1); err != nil {
		return nil, fmt.Errorf("failed to set %s version: %w", kind, err)
	}
	if err := s.save(restored); err != nil {
		return nil, err
	}

	log.Info().
		Str("kind", kind.Name()).
		Int64("version", restored.Version()).
		Str("fingerprint", restored.Fingerprint()).
		Msg("config restored from backup")

	results, err := s.transport.Push(ctx, s.nodes, restored)
	if err != nil {
		return restored, fmt.Errorf("failed to push %s: %w", kind, err)
	}
	logPushResults(restored, results)
	return restored, nil
}
