package flow

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/cdc"
	"github.com/nanodb/core/internal/change"
	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/txn"
)

// maxOperatorRetries bounds spec.md §4.4.6's "retried up to a bounded
// number of times" before a flow is moved to a paused state.
const maxOperatorRetries = 3

// Scheduler drives one flow's cooperative, single-threaded advancement
// per commit event — spec.md §4.4.3. Multiple flows each get their own
// Scheduler and may run concurrently; within one Scheduler, steps are
// strictly sequential.
type Scheduler struct {
	flowID  catalog.FlowID
	graph   *Graph
	oracle  *txn.Oracle
	store   *kv.MultiVersionStore
	writer  *kv.Writer
	cdcLog  *cdc.Log
	resolve LayoutResolver
	logger  *log.Logger

	sources map[key.PrimitiveID]catalog.FlowNodeID

	nextTxnID uint64
	paused    atomic.Bool
	lastErr   atomic.Value // string
}

// NewScheduler returns a Scheduler for flowID, deriving its
// primitive->Source-node routing table from graph's *SourceOperator
// nodes.
func NewScheduler(flowID catalog.FlowID, graph *Graph, oracle *txn.Oracle, store *kv.MultiVersionStore, writer *kv.Writer, cdcLog *cdc.Log, resolve LayoutResolver, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		flowID: flowID, graph: graph, oracle: oracle, store: store, writer: writer,
		cdcLog: cdcLog, resolve: resolve, logger: logger,
		sources: make(map[key.PrimitiveID]catalog.FlowNodeID),
	}
	for _, id := range graph.Order() {
		if op, ok := graph.Operator(id); ok {
			if src, ok := op.(*SourceOperator); ok {
				s.sources[src.Primitive] = id
			}
		}
	}
	return s
}

// Paused reports whether this flow has been suspended after exhausting
// its retry budget on some input version.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// LastError returns the error that paused the flow, if any.
func (s *Scheduler) LastError() string {
	if v := s.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Run consumes commit events from events (typically cdc.Producer.Listen's
// channel) until ctx is cancelled or the channel closes, advancing the
// flow once per relevant version. Run returns nil on a clean shutdown
// (ctx cancellation or channel close), matching §4.4.3's "cooperative"
// shutdown: it only checks for cancellation between versions, never
// mid-step.
func (s *Scheduler) Run(ctx context.Context, events <-chan kv.CommitEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if s.paused.Load() {
				continue
			}
			if err := s.advance(evt.Version); err != nil {
				s.logger.Printf("flow %d: version %d failed permanently, pausing: %v", s.flowID, evt.Version, err)
				s.paused.Store(true)
				s.lastErr.Store(err.Error())
			}
		}
	}
}

// Recover replays CDC from every sink's persisted watermark up to the
// log's current head, bringing operator state and sink tables back to
// MVCC-consistency after a crash — spec.md §4.4.6.
func (s *Scheduler) Recover(headVersion uint64) error {
	watermark, err := s.minWatermark()
	if err != nil {
		return err
	}
	if watermark >= headVersion {
		return nil
	}
	var cursor kv.Cursor
	for {
		recs, next, more, err := s.cdcLog.ReadRange(watermark+1, headVersion+1, cursor, 64)
		if err != nil {
			return fmt.Errorf("flow: recover read range: %w", err)
		}
		for _, rec := range recs {
			if err := s.advanceRecord(rec); err != nil {
				return fmt.Errorf("flow: recover replay version %d: %w", rec.Version, err)
			}
		}
		if !more {
			return nil
		}
		cursor = next
	}
}

func (s *Scheduler) minWatermark() (uint64, error) {
	var min uint64
	first := true
	cmd := txn.BeginCommand(s.oracle, s.store, s.writer, s.allocTxnID(), false)
	defer cmd.Rollback()
	for _, id := range s.graph.Order() {
		op, ok := s.graph.Operator(id)
		if !ok {
			continue
		}
		sink, ok := op.(*SinkOperator)
		if !ok {
			continue
		}
		wm, err := sink.Watermark(cmd)
		if err != nil {
			return 0, err
		}
		if first || wm < min {
			min = wm
			first = false
		}
	}
	return min, nil
}

func (s *Scheduler) allocTxnID() uint64 {
	return atomic.AddUint64(&s.nextTxnID, 1)
}

func (s *Scheduler) advance(version uint64) error {
	rec, ok, err := s.cdcLog.Read(version)
	if err != nil {
		return fmt.Errorf("flow: read CDC record %d: %w", version, err)
	}
	if !ok {
		return nil
	}
	return s.advanceRecord(rec)
}

func (s *Scheduler) advanceRecord(rec change.Record) error {
	changes, err := FromRecord(rec, s.resolve)
	if err != nil {
		return fmt.Errorf("flow: decode CDC record %d: %w", rec.Version, err)
	}

	var relevant []FlowChange
	for _, c := range changes {
		if _, ok := s.sources[c.Origin.Primitive]; ok {
			relevant = append(relevant, c)
		}
	}
	if len(relevant) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxOperatorRetries; attempt++ {
		if err := s.step(relevant); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("flow: version %d failed after %d attempts: %w", rec.Version, maxOperatorRetries, lastErr)
}

// step runs one commit transaction carrying every source change for a
// version through the graph in topological order, so sink writes and
// operator-state updates land atomically — spec.md §4.4.3 step 3.
func (s *Scheduler) step(sourceChanges []FlowChange) error {
	cmd := txn.BeginCommand(s.oracle, s.store, s.writer, s.allocTxnID(), false)

	pending := make(map[catalog.FlowNodeID][]FlowChange, len(s.graph.Order()))
	for _, c := range sourceChanges {
		nodeID := s.sources[c.Origin.Primitive]
		pending[nodeID] = append(pending[nodeID], c)
	}

	for _, nodeID := range s.graph.Order() {
		inputs := pending[nodeID]
		if len(inputs) == 0 {
			continue
		}
		op, ok := s.graph.Operator(nodeID)
		if !ok {
			cmd.Rollback()
			return fmt.Errorf("flow: node %d missing from compiled graph", nodeID)
		}
		for _, in := range inputs {
			out, err := op.Apply(cmd, in)
			if err != nil {
				cmd.Rollback()
				return fmt.Errorf("flow: node %d apply: %w", nodeID, err)
			}
			for _, next := range s.graph.NodesFrom(nodeID) {
				pending[next] = append(pending[next], out)
			}
		}
	}

	if _, err := cmd.Commit(); err != nil {
		return fmt.Errorf("flow: commit flow step: %w", err)
	}
	return nil
}
