package syncer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Syncer buffers archived runs and writes them on a background goroutine
type Syncer struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []RunRecord
	lastFlush time.Time
	started   bool
	closed    bool

	channel chan RunRecord

	written     atomic.Int64
	writeErrors atomic.Int64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, logger *slog.Logger) (*Syncer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Syncer{
		config:    config,
		logger:    logger,
		buffer:    make([]RunRecord, 0),
		channel:   make(chan RunRecord, config.ChannelSize),
		lastFlush: time.Now(),
		shutdown:  make(chan struct{}),
	}, nil
}

// Buffer adds a record to the buffer and flushes once the threshold is reached.
// Returns error if the buffer exceeds its maximum size.
func (s *Syncer) Buffer(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("syncer is shut down, dropping run %s", rec.RunID)
	}

	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > s.config.MaxBufferedRecords {
		return fmt.Errorf("run record buffer exceeded maximum size: %d > %d",
			len(s.buffer), s.config.MaxBufferedRecords)
	}

	if len(s.buffer) >= s.config.FlushThreshold {
		return s.flushLocked()
	}
	return nil
}

// Flush sends all buffered records to the writer channel.
// Returns error if the channel is full; unsent records stay buffered.
func (s *Syncer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Syncer) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	for i, rec := range s.buffer {
		select {
		case s.channel <- rec:
		default:
			s.buffer = s.buffer[i:]
			return fmt.Errorf("run record channel full, %d records buffered", len(s.buffer))
		}
	}

	s.buffer = make([]RunRecord, 0)
	s.lastFlush = time.Now()
	return nil
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()

	return Stats{
		BufferedRecords: buffered,
		Written:         s.written.Load(),
		WriteErrors:     s.writeErrors.Load(),
	}
}

// LastFlushTime returns the timestamp of the last successful flush
func (s *Syncer) LastFlushTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// Start launches the writer and the interval flusher
func (s *Syncer) Start(writer RunWriter) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runWriter(writer)
	go s.runFlusher()
}

func (s *Syncer) runWriter(writer RunWriter) {
	defer s.wg.Done()

	for rec := range s.channel {
		if err := writer.WriteRunRecord(rec); err != nil {
			s.writeErrors.Add(1)
			s.logger.Error("failed to write run record",
				"run_id", rec.RunID,
				"state", rec.State,
				"error", err)
			continue
		}
		s.written.Add(1)
		s.logger.Debug("wrote run record", "run_id", rec.RunID, "state", rec.State)
	}

	s.logger.Debug("run record writer shut down")
}

func (s *Syncer) runFlusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("interval flush failed", "error", err)
			}
		}
	}
}

// Shutdown performs a final flush, closes the channel and waits for the
// writer to drain it
func (s *Syncer) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info("starting syncer shutdown")
	close(s.shutdown)

	// With a running writer the channel keeps draining, so retry until the
	// buffer is empty. Without one, a single attempt is all that can succeed.
	var err error
	for {
		err = s.Flush()
		if err == nil || !started {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		s.logger.Warn("failed to flush run records on shutdown", "error", err)
	}

	close(s.channel)
	s.wg.Wait()

	s.logger.Info("syncer shutdown complete")
	return err
}
