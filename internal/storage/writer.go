package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder is the write surface HistoryWriter needs; *DB satisfies it.
type Recorder interface {
	RecordAssessment(ctx context.Context, a *Assessment) error
}

// HistoryWriter decouples assessment archiving from the execution path:
// records are buffered and written by a background goroutine so a slow
// database never delays result delivery.
type HistoryWriter struct {
	db   Recorder
	ch   chan *Assessment
	wg   sync.WaitGroup
	done chan struct{}
}

func NewHistoryWriter(db Recorder, bufferSize int) *HistoryWriter {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &HistoryWriter{
		db:   db,
		ch:   make(chan *Assessment, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *HistoryWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record enqueues one assessment. When the buffer is full the record is
// dropped rather than blocking the caller.
func (w *HistoryWriter) Record(a *Assessment) {
	select {
	case w.ch <- a:
	default:
		log.Warn().Str("assessment_id", a.ID).Msg("history buffer full, dropping record")
	}
}

// Flush drains buffered records and stops the writer, waiting up to
// timeout for in-flight writes.
func (w *HistoryWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("history writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("history writer flush timed out")
	}
}

func (w *HistoryWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case a := <-w.ch:
			w.writeWithRetry(a)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case a := <-w.ch:
					w.writeWithRetry(a)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) writeWithRetry(a *Assessment) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.RecordAssessment(ctx, a)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("assessment_id", a.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("history write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("assessment_id", a.ID).
				Msg("history write failed permanently after retries")
		}
	}
}
