package replay

import (
	"context"
	"time"

	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
	"golang.org/x/time/rate"
)

// batchSize bounds how many records one read transaction copies out, so
// pacing never holds a log transaction open.
const batchSize = 256

// Engine streams filtered slices of a fleet's log to a requesting
// session. A replay is a one-shot paced cursor, not a subscription; it
// runs concurrently with the session's live traffic.
type Engine struct {
	elog eventlog.Log

	itemsPerSecond int
	defaultLimit   int
	maxLimit       int
}

// NewEngine creates the replay engine.
func NewEngine(elog eventlog.Log, itemsPerSecond, defaultLimit, maxLimit int) *Engine {
	return &Engine{
		elog:           elog,
		itemsPerSecond: itemsPerSecond,
		defaultLimit:   defaultLimit,
		maxLimit:       maxLimit,
	}
}

// Run streams matching records in position order, calling emit for each
// with its stream index. It returns the emitted count. ctx cancellation
// or an emit error aborts the stream.
func (e *Engine) Run(ctx context.Context, tenantID, fleetID string, req *protocol.ReplayRequest, emit func(ev *types.Event, index int) error) (int, error) {
	filter := eventlog.Filter{
		Tags:   req.Tags,
		Agents: req.Agents,
	}
	if req.From > 0 {
		filter.From = time.UnixMilli(req.From)
	}
	if req.To > 0 {
		filter.To = time.UnixMilli(req.To)
	}
	for _, k := range req.Kinds {
		filter.Kinds = append(filter.Kinds, types.EventKind(k))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	if limit > e.maxLimit {
		return 0, protocol.NewError(protocol.CodeInvalidMessage, "replay limit too large")
	}

	limiter := rate.NewLimiter(rate.Limit(e.itemsPerSecond), e.itemsPerSecond)
	count := 0
	for {
		batch, err := e.scanBatch(tenantID, fleetID, filter, min(batchSize, limit-count))
		if err != nil {
			return count, protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
		}
		if len(batch) == 0 {
			return count, nil
		}
		for _, ev := range batch {
			if err := limiter.Wait(ctx); err != nil {
				return count, err
			}
			if err := emit(ev, count); err != nil {
				return count, err
			}
			count++
			metrics.ReplayItemsTotal.Inc()
		}
		if count >= limit {
			return count, nil
		}
		filter.FromPosition = batch[len(batch)-1].Position + 1
	}
}

// scanBatch copies up to n matching records out of one read transaction.
func (e *Engine) scanBatch(tenantID, fleetID string, filter eventlog.Filter, n int) ([]*types.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	var batch []*types.Event
	err := e.elog.Scan(tenantID, fleetID, filter, func(ev *types.Event) bool {
		snapshot := *ev
		batch = append(batch, &snapshot)
		return len(batch) < n
	})
	return batch, err
}
