package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cfstore/pkg/dberrors"
	"cfstore/pkg/listener"
	"cfstore/pkg/storefile"
)

// Flush freezes the memstore and persists it as a new store file, which is
// committed atomically into the file set. On write failure the snapshot is
// retained so a retry re-attempts without data loss; the caller must not
// advance durability markers past an unflushed snapshot until it succeeds.
//
// Returns nil without error when the memstore was empty.
func (s *Store) Flush() (*storefile.Reader, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if !s.flushInFlight.CompareAndSwap(false, true) {
		return nil, dberrors.ErrSnapshotPending
	}
	defer s.flushInFlight.Store(false)

	// A snapshot left over from a failed attempt is retried; otherwise
	// take a fresh one.
	if err := s.ms.Snapshot(); err != nil && !errors.Is(err, dberrors.ErrSnapshotPending) {
		return nil, err
	}

	cells := s.ms.SnapshotCells()
	if len(cells) == 0 {
		if err := s.ms.ClearSnapshot(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	start := s.now()
	w, err := s.CreateWriterInTmp(int64(len(cells)), "", false, true)
	if err != nil {
		return nil, err
	}

	var maxSeq uint64
	for _, c := range cells {
		if err := w.Append(c); err != nil {
			w.Abort()
			return nil, fmt.Errorf("flush write failed: %w", err)
		}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	// The flush file's sequence id is the snapshot's max MVCC seq: it
	// tells recovery how far the log is already persisted.
	if err := w.Finish(storefile.FinishOptions{SequenceID: maxSeq}); err != nil {
		w.Abort()
		return nil, fmt.Errorf("flush finish failed: %w", err)
	}

	r, err := s.commitStaged(w.Path(), s.stagingName())
	if err != nil {
		// Snapshot stays; retry is safe.
		return nil, err
	}

	s.swapFiles([]*storefile.Reader{r}, nil)
	if err := s.ms.ClearSnapshot(); err != nil {
		return nil, err
	}

	s.collector.IncCounter("store.flushes", 1)
	slog.Info("flush committed",
		"family", s.family.Name,
		"cells", len(cells),
		"bytes", r.Size(),
		"seq", r.SequenceID(),
		"took", s.now().Sub(start))
	return r, nil
}

// Flusher is the background flush worker: a ticker turns memstore pressure
// into flush requests, and a channel listener executes them one at a time.
// External collaborators can inject requests through RequestFlush.
type Flusher struct {
	store     *Store
	threshold int64
	interval  time.Duration

	requests chan struct{}
	job      *listener.Listener[struct{}]
	cancel   func()
	done     chan struct{}
}

func NewFlusher(s *Store) *Flusher {
	interval := time.Duration(s.cfg.Memstore.FlushCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	f := &Flusher{
		store:     s,
		threshold: s.cfg.Memstore.FlushThresholdBytes,
		interval:  interval,
		requests:  make(chan struct{}, 1),
		cancel:    func() {},
		done:      make(chan struct{}),
	}
	f.job = listener.New(f.requests, func(struct{}) error {
		_, err := s.Flush()
		if errors.Is(err, dberrors.ErrSnapshotPending) {
			// A concurrent flush is running; the ticker will re-request.
			return nil
		}
		return err
	})
	return f
}

// RequestFlush queues a flush without blocking; duplicate requests collapse.
func (f *Flusher) RequestFlush() {
	select {
	case f.requests <- struct{}{}:
	default:
	}
}

func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.job.Start(ctx)

	go func() {
		defer close(f.done)
		t := time.NewTicker(f.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if f.store.MemStoreSize() >= f.threshold {
					f.RequestFlush()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *Flusher) Stop() {
	f.cancel()
	<-f.done
	f.job.Stop()
}
