package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/metrics"
)

// StateStore persists the server state.
type StateStore interface {
	SaveServerState(ctx context.Context, state *csn.ServerState) error
}

// ChangeLogPurger trims the change log.
type ChangeLogPurger interface {
	PurgeChangesBefore(ctx context.Context, c csn.CSN) (int, error)
}

// StateServiceConfig holds the state flusher configuration
type StateServiceConfig struct {
	FlushInterval time.Duration
	// Purger and LowWater, when both set, trim the change log below the
	// oldest local CSN every peer has acknowledged.
	Purger   ChangeLogPurger
	LowWater func() csn.CSN
}

// StateService writes the server state to disk every FlushInterval when it
// changed, and once more on Stop.
type StateService struct {
	config   StateServiceConfig
	state    *csn.ServerState
	store    StateStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStateService creates and starts the flusher.
func NewStateService(cfg StateServiceConfig, state *csn.ServerState, store StateStore, m *metrics.Metrics, logger *zap.Logger) *StateService {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	s := &StateService{
		config:   cfg,
		state:    state,
		store:    store,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

func (s *StateService) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(context.Background())
			s.purge(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Flush writes the state if it changed since the last flush.
func (s *StateService) Flush(ctx context.Context) error {
	if !s.state.TakeDirty() {
		return nil
	}

	start := time.Now()
	err := s.store.SaveServerState(ctx, s.state)
	s.metrics.RecordStateFlush(time.Since(start).Seconds(), err)
	if err != nil {
		s.state.MarkDirty()
		s.logger.Error("Failed to flush server state", zap.Error(err))
		return err
	}
	return nil
}

func (s *StateService) purge(ctx context.Context) {
	if s.config.Purger == nil || s.config.LowWater == nil {
		return
	}
	low := s.config.LowWater()
	if low.IsZero() {
		return
	}
	removed, err := s.config.Purger.PurgeChangesBefore(ctx, low)
	if err != nil {
		s.logger.Warn("Failed to purge change log", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("Purged change log",
			zap.Int("removed", removed),
			zap.String("before_csn", low.String()))
	}
}

// Stop stops the flusher after a final flush.
func (s *StateService) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		err = s.Flush(context.Background())
	})
	return err
}
