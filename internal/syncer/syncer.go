// Package syncer drives periodic config synchronization between nodes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/clusterd/cfgsync/internal/control"
	"github.com/clusterd/cfgsync/internal/metrics"
	"github.com/clusterd/cfgsync/internal/peers"
	"github.com/clusterd/cfgsync/internal/reconcile"
	"github.com/clusterd/cfgsync/internal/storage"
	"github.com/clusterd/cfgsync/internal/transport"
)

// Config holds syncer settings
type Config struct {
	NodeID       string
	Nodes        []transport.Node
	FetchTimeout time.Duration
	// WatchDir, when set, triggers a cycle on local edits of config files
	WatchDir string
}

// CycleReport describes one sync cycle
type CycleReport struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	Result      string    `json:"result"`
	Error       string    `json:"error,omitempty"`
	Pulled      []string  `json:"pulled"`
	Pushed      []string  `json:"pushed"`
	Unreachable []string  `json:"unreachable"`
}

const (
	resultOK      = "ok"
	resultError   = "error"
	resultSkipped = "skipped"
)

// Syncer keeps the local config files converged with the other nodes
type Syncer struct {
	nodeID       string
	nodes        []transport.Node
	fetchTimeout time.Duration
	watchDir     string

	storage   storage.Storage
	transport transport.Transport
	control   *control.Store
	lock      sync.Locker

	// cycleMu serializes cycles and registrations; fileMu guards load then
	// save sequences and is never held across network calls
	cycleMu sync.Mutex
	fileMu  sync.Mutex

	mu    sync.Mutex
	fresh []artifact.PeerRecord
	last  *CycleReport

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	watcher  *watcher
}

// New creates a syncer. lock serializes control store mutations and must be
// the same locker every other writer of the control store uses.
func New(cfg Config, store storage.Storage, tr transport.Transport, ctl *control.Store, lock sync.Locker) *Syncer {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	nodes := make([]transport.Node, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		if node.ID != cfg.NodeID {
			nodes = append(nodes, node)
		}
	}

	return &Syncer{
		nodeID:       cfg.NodeID,
		nodes:        nodes,
		fetchTimeout: cfg.FetchTimeout,
		watchDir:     cfg.WatchDir,
		storage:      store,
		transport:    tr,
		control:      ctl,
		lock:         lock,
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// NodeID returns the local node id
func (s *Syncer) NodeID() string {
	return s.nodeID
}

// Control returns the control store gating the loop
func (s *Syncer) Control() *control.Store {
	return s.control
}

// ControlLock returns the lock serializing control mutations
func (s *Syncer) ControlLock() sync.Locker {
	return s.lock
}

// Start runs the sync loop until ctx is done or Stop is called
func (s *Syncer) Start(ctx context.Context) error {
	if s.watchDir != "" {
		w, err := newWatcher(s.watchDir, s.Trigger)
		if err != nil {
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		s.watcher = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(s.stopCh)
		}()
	}

	s.wg.Add(1)
	go s.loop(ctx)

	log.Info().
		Str("node_id", s.nodeID).
		Int("peers", len(s.nodes)).
		Int("poll_interval", s.control.PollInterval()).
		Msg("syncer started")
	return nil
}

// Stop stops the loop and waits for it to exit
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.close()
		}
	})
	s.wg.Wait()
	log.Info().Msg("syncer stopped")
}

// Trigger requests a cycle without waiting for the poll interval
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Syncer) interval() time.Duration {
	seconds := s.control.PollInterval()
	metrics.PollIntervalSeconds.Set(float64(seconds))
	return time.Duration(seconds) * time.Second
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.runIfAllowed(ctx)
		timer.Reset(s.interval())
	}
}

func (s *Syncer) runIfAllowed(ctx context.Context) {
	if !s.control.IsAllowed() {
		metrics.SyncAllowed.Set(0)
		metrics.SyncCyclesTotal.WithLabelValues(resultSkipped).Inc()
		log.Debug().Msg("sync is paused or disabled, skipping cycle")
		return
	}
	metrics.SyncAllowed.Set(1)

	if _, err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("sync cycle failed")
	}
}

// RunOnce runs a single sync cycle regardless of the control state
func (s *Syncer) RunOnce(ctx context.Context) (*CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := &CycleReport{
		ID:          uuid.New().String(),
		StartedAt:   time.Now(),
		Pulled:      []string{},
		Pushed:      []string{},
		Unreachable: []string{},
	}
	logger := log.With().Str("cycle", report.ID).Logger()
	logger.Debug().Msg("sync cycle started")

	err := s.runCycle(ctx, report)

	elapsed := time.Since(report.StartedAt)
	report.DurationMs = elapsed.Milliseconds()
	report.Result = resultOK
	if err != nil {
		report.Result = resultError
		report.Error = err.Error()
	}
	metrics.SyncCycleDuration.Observe(elapsed.Seconds())
	metrics.SyncCyclesTotal.WithLabelValues(report.Result).Inc()

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	logger.Info().
		Str("result", report.Result).
		Strs("pulled", report.Pulled).
		Strs("pushed", report.Pushed).
		Dur("duration", elapsed).
		Msg("sync cycle finished")

	return report, err
}

func (s *Syncer) runCycle(ctx context.Context, report *CycleReport) error {
	locals := s.loadLocals()
	kinds := make([]artifact.Kind, 0, len(locals))
	for _, kind := range artifact.AllKinds() {
		if _, ok := locals[kind]; ok {
			kinds = append(kinds, kind)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	reports, err := s.transport.Fetch(fetchCtx, s.nodes, kinds)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("failed to fetch configs: %w", err)
		}
		log.Warn().Err(err).Msg("fetch incomplete, reconciling with the nodes that answered")
	}
	for _, node := range s.nodes {
		if _, ok := reports[node.ID]; !ok {
			report.Unreachable = append(report.Unreachable, node.ID)
		}
	}

	plan := reconcile.Plan(locals, reports)
	fresh := s.drainFresh()
	pushes := plan.Push

	var (
		errs         []error
		registryPull *artifact.Artifact
	)
	for _, pull := range plan.Pull {
		target := pull
		if pull.Kind() == artifact.KnownHosts {
			if len(fresh) > 0 {
				registryPull = pull
				continue
			}
			merged, err := s.mergeRegistry(locals[artifact.KnownHosts], []*artifact.Artifact{pull}, nil)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			target = merged
		}

		if err := s.save(target); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.ConfigsPulledTotal.WithLabelValues(pull.Kind().Name()).Inc()
		report.Pulled = append(report.Pulled, pull.Kind().Name())
	}

	if len(fresh) > 0 {
		// queued registrations become a new registry revision above the
		// pulled one so that the other nodes accept it
		var candidates []*artifact.Artifact
		if registryPull != nil {
			candidates = []*artifact.Artifact{registryPull}
		}
		updated, err := s.registerLocked(locals[artifact.KnownHosts], candidates, fresh)
		if err != nil {
			s.requeueFresh(fresh)
			errs = append(errs, err)
		} else {
			if registryPull != nil {
				metrics.ConfigsPulledTotal.WithLabelValues(registryPull.Kind().Name()).Inc()
				report.Pulled = append(report.Pulled, registryPull.Kind().Name())
			}
			pushes = appendReplacing(pushes, updated)
		}
	}

	for _, a := range pushes {
		results, err := s.transport.Push(ctx, s.nodes, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to push %s: %w", a.Kind(), err))
			continue
		}
		logPushResults(a, results)
		metrics.ConfigsPushedTotal.WithLabelValues(a.Kind().Name()).Inc()
		report.Pushed = append(report.Pushed, a.Kind().Name())
	}

	return errors.Join(errs...)
}

func appendReplacing(list []*artifact.Artifact, a *artifact.Artifact) []*artifact.Artifact {
	out := make([]*artifact.Artifact, 0, len(list)+1)
	for _, existing := range list {
		if existing.Kind() != a.Kind() {
			out = append(out, existing)
		}
	}
	return append(out, a)
}

func logPushResults(a *artifact.Artifact, results map[string]transport.PushResult) {
	accepted := 0
	for node, result := range results {
		if result == transport.PushAccepted {
			accepted++
			continue
		}
		log.Debug().Str("node", node).Str("kind", a.Kind().Name()).Str("result", string(result)).Msg("push not accepted")
	}
	log.Info().
		Str("kind", a.Kind().Name()).
		Int64("version", a.Version()).
		Int("accepted", accepted).
		Int("nodes", len(results)).
		Msg("config pushed")
}

// loadLocals reads every kind; a membership file that does not parse is
// left out of the cycle
func (s *Syncer) loadLocals() map[artifact.Kind]*artifact.Artifact {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	locals := make(map[artifact.Kind]*artifact.Artifact)
	for _, kind := range artifact.AllKinds() {
		a, err := s.storage.Load(kind)
		if err != nil {
			log.Warn().Err(err).Str("kind", kind.Name()).Msg("skipping unreadable local config")
			continue
		}
		locals[kind] = a
		metrics.LocalConfigVersion.WithLabelValues(kind.Name()).Set(float64(a.Version()))
	}
	return locals
}

func (s *Syncer) save(a *artifact.Artifact) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if err := s.storage.Save(a); err != nil {
		return fmt.Errorf("failed to save %s: %w", a.Kind(), err)
	}
	metrics.LocalConfigVersion.WithLabelValues(a.Kind().Name()).Set(float64(a.Version()))
	return nil
}

func (s *Syncer) mergeRegistry(local *artifact.Artifact, candidates []*artifact.Artifact, fresh []artifact.PeerRecord) (*artifact.Artifact, error) {
	merged, err := peers.Merge(local, candidates, fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to merge known hosts: %w", err)
	}
	metrics.RegistryMergesTotal.Inc()
	return merged, nil
}

// LocalConfigs returns the local copies of kinds, leaving out unreadable files
func (s *Syncer) LocalConfigs(kinds []artifact.Kind) (map[artifact.Kind]*artifact.Artifact, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	configs := make(map[artifact.Kind]*artifact.Artifact, len(kinds))
	for _, kind := range kinds {
		a, err := s.storage.Load(kind)
		if err != nil {
			log.Warn().Err(err).Str("kind", kind.Name()).Msg("not serving unreadable local config")
			continue
		}
		configs[kind] = a
	}
	return configs, nil
}

// ReceivePush stores a config file pushed by another node when it is newer
// than the local copy. A pushed registry is merged rather than replacing the
// local one.
func (s *Syncer) ReceivePush(a *artifact.Artifact) (transport.PushResult, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	kind := a.Kind().Name()
	local, err := s.storage.Load(a.Kind())
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("local config unreadable, accepting push")
		local = artifact.Empty(a.Kind())
	}

	if a.Version() <= local.Version() {
		metrics.PushesReceivedTotal.WithLabelValues(kind, string(transport.PushRejected)).Inc()
		log.Debug().
			Str("kind", kind).
			Int64("local_version", local.Version()).
			Int64("pushed_version", a.Version()).
			Msg("rejected push of older config")
		return transport.PushRejected, nil
	}

	target := a
	if a.Kind() == artifact.KnownHosts {
		merged, err := s.mergeRegistry(local, []*artifact.Artifact{a}, nil)
		if err != nil {
			metrics.PushesReceivedTotal.WithLabelValues(kind, string(transport.PushError)).Inc()
			return transport.PushError, err
		}
		target = merged
	}

	if err := s.storage.Save(target); err != nil {
		metrics.PushesReceivedTotal.WithLabelValues(kind, string(transport.PushError)).Inc()
		return transport.PushError, fmt.Errorf("failed to save %s: %w", a.Kind(), err)
	}

	metrics.LocalConfigVersion.WithLabelValues(kind).Set(float64(target.Version()))
	metrics.PushesReceivedTotal.WithLabelValues(kind, string(transport.PushAccepted)).Inc()
	log.Info().Str("kind", kind).Int64("version", target.Version()).Msg("accepted pushed config")
	return transport.PushAccepted, nil
}
