package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privarion/privarion/internal/domain/audit"
)

// AuditService provides async audit logging with a buffered channel and a
// background worker. Decisions are recorded without blocking the hot path;
// when the channel is full records are dropped and counted.
type AuditService struct {
	store         audit.Store
	records       chan audit.Record
	done          chan struct{}
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	dropCount     atomic.Int64

	onDrop func()
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval at which pending records are flushed.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the record channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.records = make(chan audit.Record, size)
		}
	}
}

// WithDropHook registers a callback invoked once per dropped record, used to
// feed the drop metric.
func WithDropHook(fn func()) AuditOption {
	return func(s *AuditService) {
		s.onDrop = fn
	}
}

// NewAuditService creates an audit service writing to store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:         store,
		records:       make(chan audit.Record, 1000),
		done:          make(chan struct{}),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background worker.
func (s *AuditService) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop closes the channel and waits for the worker to drain pending records.
func (s *AuditService) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Record enqueues an audit record. It never blocks: if the channel is full
// the record is dropped and the drop counter incremented.
func (s *AuditService) Record(r audit.Record) {
	select {
	case s.records <- r:
	default:
		dropped := s.dropCount.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		if dropped == 1 || dropped%100 == 0 {
			s.logger.Warn("audit channel full, dropping record",
				"event_id", r.EventID,
				"total_dropped", dropped)
		}
	}
}

// DroppedCount returns the number of records dropped so far.
func (s *AuditService) DroppedCount() int64 {
	return s.dropCount.Load()
}

// Recent returns up to n of the most recent persisted records, newest last.
// Records still queued in the channel are not included.
func (s *AuditService) Recent(n int) []audit.Record {
	return s.store.Recent(n)
}

func (s *AuditService) worker() {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.Append(context.Background(), batch...); err != nil {
			s.logger.Error("failed to write audit batch",
				"count", len(batch),
				"error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.records:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case r := <-s.records:
					batch = append(batch, r)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
