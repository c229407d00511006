package metricsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
)

// Syncer runs a sync pass for one metric type.
type Syncer interface {
	MetricType() metric.Type
	Sync(ctx context.Context, ownerID string) (*SyncResult, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Interval is how often every active owner is synced (default: 15 minutes).
	Interval time.Duration
	// OnResult is called after every pass (optional).
	OnResult func(result *SyncResult, err error)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 15 * time.Minute}
}

type ownerRuns struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Scheduler triggers handlers for active owners on a timer and whenever
// the source reports new samples. Passes for the same owner and metric
// type never overlap.
type Scheduler struct {
	config   SchedulerConfig
	handlers map[metric.Type]Syncer
	notifier ports.ChangeNotifierPort
	logger   *logging.Logger

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopWG   sync.WaitGroup
	owners   map[string]*ownerRuns
	inFlight map[string]bool
	rerun    map[string]bool
}

// NewScheduler creates a scheduler over handlers. notifier may be nil.
func NewScheduler(cfg SchedulerConfig, handlers []Syncer, notifier ports.ChangeNotifierPort, logger *logging.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if logger == nil {
		logger = logging.Default()
	}

	byType := make(map[metric.Type]Syncer, len(handlers))
	for _, h := range handlers {
		byType[h.MetricType()] = h
	}

	return &Scheduler{
		config:   cfg,
		handlers: byType,
		notifier: notifier,
		logger:   logger,
		owners:   make(map[string]*ownerRuns),
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
	}
}

// MetricTypes returns the scheduled metric types in stable order.
func (s *Scheduler) MetricTypes() []metric.Type {
	types := make([]metric.Type, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Start begins the periodic and notification loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.loopWG.Add(1)
	go s.loop()

	s.logger.Info("metric sync scheduler started",
		"interval", s.config.Interval.String(),
		"metric_types", len(s.handlers),
	)
}

// Stop cancels every in-flight pass and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	owners := s.owners
	s.owners = make(map[string]*ownerRuns)
	s.mu.Unlock()

	s.loopWG.Wait()
	for _, runs := range owners {
		runs.cancel()
		runs.wg.Wait()
	}

	s.logger.Info("metric sync scheduler stopped")
}

// Activate registers an owner and triggers an immediate pass for every type.
func (s *Scheduler) Activate(ownerID string) error {
	if ownerID == "" {
		return domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	if _, ok := s.owners[ownerID]; !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		s.owners[ownerID] = &ownerRuns{ctx: ctx, cancel: cancel}
	}
	s.mu.Unlock()

	s.Trigger(ownerID, "")
	return nil
}

// Deactivate cancels an owner's passes and waits for them to return.
func (s *Scheduler) Deactivate(ownerID string) {
	s.mu.Lock()
	runs, ok := s.owners[ownerID]
	delete(s.owners, ownerID)
	s.mu.Unlock()

	if !ok {
		return
	}
	runs.cancel()
	runs.wg.Wait()
}

// ActiveOwners returns the registered owners.
func (s *Scheduler) ActiveOwners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]string, 0, len(s.owners))
	for id := range s.owners {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}

// Trigger starts a pass for an active owner in the background.
// metricType "" triggers every type; ownerID "" triggers every active owner.
func (s *Scheduler) Trigger(ownerID string, metricType metric.Type) {
	owners := []string{ownerID}
	if ownerID == "" {
		owners = s.ActiveOwners()
	}

	types := []metric.Type{metricType}
	if metricType == "" {
		types = s.MetricTypes()
	}

	for _, owner := range owners {
		for _, t := range types {
			s.launch(owner, t)
		}
	}
}

// SyncNow runs every handler for owner in the calling goroutine. Types
// with a pass already in flight are skipped.
func (s *Scheduler) SyncNow(ctx context.Context, ownerID string) ([]*SyncResult, error) {
	if ownerID == "" {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	var results []*SyncResult
	var firstErr error
	for _, t := range s.MetricTypes() {
		key := runKey(ownerID, t)
		if !s.claim(key) {
			continue
		}
		res, err := s.handlers[t].Sync(ctx, ownerID)
		if s.release(key) {
			s.launch(ownerID, t)
		}

		s.report(res, err)
		if res != nil {
			results = append(results, res)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var changes <-chan ports.SourceChange
	if s.notifier != nil {
		changes = s.notifier.Changes()
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			s.Trigger("", "")

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.logger.Debug("source change received",
				"owner_id", change.OwnerID,
				"metric_type", string(change.MetricType),
			)
			s.Trigger(change.OwnerID, change.MetricType)
		}
	}
}

func (s *Scheduler) launch(ownerID string, metricType metric.Type) {
	handler, ok := s.handlers[metricType]
	if !ok {
		return
	}

	key := runKey(ownerID, metricType)

	s.mu.Lock()
	runs, active := s.owners[ownerID]
	if !active {
		s.mu.Unlock()
		return
	}
	if s.inFlight[key] {
		s.rerun[key] = true
		s.mu.Unlock()
		s.logger.Debug("metric sync already in progress, queued rerun",
			"owner_id", ownerID,
			"metric_type", string(metricType),
		)
		return
	}
	s.inFlight[key] = true
	runs.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer runs.wg.Done()

		res, err := handler.Sync(runs.ctx, ownerID)
		s.report(res, err)

		if s.release(key) && runs.ctx.Err() == nil {
			s.launch(ownerID, metricType)
		}
	}()
}

func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

// release clears the in-flight mark and reports whether another pass was
// requested while it was held.
func (s *Scheduler) release(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	rerun := s.rerun[key]
	delete(s.rerun, key)
	return rerun
}

func (s *Scheduler) report(res *SyncResult, err error) {
	if err != nil && res == nil {
		s.logger.Warn("metric sync pass failed", "error", err)
	}
	if s.config.OnResult != nil {
		s.config.OnResult(res, err)
	}
}

func runKey(ownerID string, metricType metric.Type) string {
	return ownerID + "/" + string(metricType)
}
