package kv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nanodb/core/internal/change"
)

// CDCAppender is implemented by the CDC log (internal/cdc) and consumed
// here by interface only, so kv never imports cdc — cdc already depends
// on kv for storage, and kv must not depend back on it.
type CDCAppender interface {
	Append(rec change.Record) error
}

// CommitRequest is one command's write batch: every delta in Deltas
// shares the same EntryKind and commits at the same Version, per
// spec.md §4.2.3. Sequence distinguishes the per-kind sub-batches a
// single multi-kind command splits into (internal/txn Command.Commit
// assigns 0, 1, 2, ... across the kinds it submits for one Version), so
// the CDC record each sub-batch produces never collides with another
// sub-batch's record at the same Version.
type CommitRequest struct {
	Kind     EntryKind
	Version  uint64
	Sequence uint64
	TxnID    uint64
	Deltas   []Delta

	done chan error
}

// CommitEvent is the "post-commit event carrying V and the deltas" of
// spec.md §4.2.3 step 4, published after a commit's CDC record has been
// durably appended. Subscribers (the catalog's CDC listener, the flow
// scheduler) consume these to stay current without re-reading storage.
type CommitEvent struct {
	Kind    EntryKind
	Version uint64
	Deltas  []Delta
}

// Subscribe registers a new listener for post-commit events and returns
// a channel that receives one CommitEvent per successful commit. The
// channel is closed when the Writer is closed. A slow subscriber that
// fills its buffer causes its oldest unread event to be dropped rather
// than stalling the writer goroutine — matching the teacher's
// fan-out-without-backpressure stance in internal/storage/concurrency.go
// (bounded queues, drop/log rather than block the hot path).
func (w *Writer) Subscribe(buffer int) <-chan CommitEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan CommitEvent, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Writer) publish(evt CommitEvent) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Writer implements the "single writer per tier" commit pipeline of
// spec.md §4.2.3: one dedicated goroutine per physical tier, fed by a
// buffered channel, so commits against the same tier are strictly
// serialized while commits against different tiers proceed
// concurrently. Grounded on the teacher's internal/storage/concurrency.go
// WorkerPool (channel-fed goroutine, context-cancellable), narrowed from
// a generic N-worker pool to exactly one worker per tier name, since the
// spec requires per-tier write serialization rather than parallelism.
type Writer struct {
	store *MultiVersionStore
	cdc   CDCAppender

	queues map[string]chan *CommitRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subsMu sync.Mutex
	subs   []chan CommitEvent
}

// NewWriter starts one writer goroutine per tier name (hot, warm, cold)
// and returns a Writer ready to accept commits. cdc may be nil in tests
// that do not exercise change capture.
func NewWriter(store *MultiVersionStore, cdc CDCAppender, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:  store,
		cdc:    cdc,
		queues: make(map[string]chan *CommitRequest, 3),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, tierName := range []string{"hot", "warm", "cold"} {
		q := make(chan *CommitRequest, queueSize)
		w.queues[tierName] = q
		w.wg.Add(1)
		go w.run(tierName, q)
	}
	return w
}

// run is the dedicated per-tier writer loop: pre-fetch before-images,
// apply the delta batch, append the CDC record, reply.
func (w *Writer) run(tierName string, queue chan *CommitRequest) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain(queue)
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			req.done <- w.apply(req)
		}
	}
}

// drain applies every commit already sitting in the queue before the
// writer goroutine exits, so Close never strands a Submit call that was
// accepted into the channel buffer before shutdown began.
func (w *Writer) drain(queue chan *CommitRequest) {
	for {
		select {
		case req := <-queue:
			req.done <- w.apply(req)
		default:
			return
		}
	}
}

func (w *Writer) apply(req *CommitRequest) error {
	changes := make([]change.SystemChange, 0, len(req.Deltas))
	for _, d := range req.Deltas {
		prior, hadPrior, err := w.store.Get(req.Kind, d.Key, req.Version)
		if err != nil {
			return fmt.Errorf("writer: pre-fetch before-image: %w", err)
		}
		sc := change.SystemChange{Key: d.Key.Bytes()}
		switch {
		case d.Tombstone && hadPrior:
			sc.Kind = change.Delete
			sc.Pre = prior.Value
		case d.Tombstone && !hadPrior:
			// Removing a key that was never visible commits no
			// observable change; still record a Delete so replay
			// consumers see the tombstone land at this version.
			sc.Kind = change.Delete
		case !d.Tombstone && hadPrior:
			sc.Kind = change.Update
			sc.Pre = prior.Value
			sc.Post = d.Value
		default:
			sc.Kind = change.Insert
			sc.Post = d.Value
		}
		changes = append(changes, sc)
	}

	if err := w.store.Set(req.Kind, req.Version, req.Deltas); err != nil {
		return fmt.Errorf("writer: tier set: %w", err)
	}

	if w.cdc != nil {
		rec := change.Record{
			Version:   req.Version,
			Sequence:  req.Sequence,
			Timestamp: time.Now().UnixNano(),
			TxnID:     req.TxnID,
			Changes:   changes,
		}
		if err := w.cdc.Append(rec); err != nil {
			return fmt.Errorf("writer: cdc append: %w", err)
		}
	}

	w.publish(CommitEvent{Kind: req.Kind, Version: req.Version, Deltas: req.Deltas})
	return nil
}

// Submit enqueues a commit on the writer owning req.Kind's tier and
// blocks until it has been applied (or ctx is cancelled).
func (w *Writer) Submit(ctx context.Context, req *CommitRequest) error {
	tierName := w.store.TierName(req.Kind)
	queue, ok := w.queues[tierName]
	if !ok {
		return fmt.Errorf("writer: no writer goroutine for tier %q", tierName)
	}
	req.done = make(chan error, 1)
	select {
	case queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return fmt.Errorf("writer: closed")
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every writer goroutine. Pending commits already accepted
// into a queue still run to completion before their goroutine exits.
func (w *Writer) Close() {
	w.cancel()
	w.wg.Wait()
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
}
