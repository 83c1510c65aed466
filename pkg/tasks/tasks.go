package tasks

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/bus"
	"github.com/ringforge/ringforge/pkg/eventlog"
	"github.com/ringforge/ringforge/pkg/log"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/presence"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Scoring weights. They sum to 1.0; state dominates, cost is a tiebreaker
// in practice.
const (
	weightState   = 0.30
	weightLoad    = 0.25
	weightLatency = 0.20
	weightSuccess = 0.15
	weightCost    = 0.10

	busyLoadCeiling = 0.8
)

// Router assigns submitted tasks to one capable online agent and drives
// the task lifecycle. Every transition is appended to the fleet log
// before any notification goes out.
type Router struct {
	elog     eventlog.Log
	router   *bus.Router
	presence *presence.Index

	claimGrace time.Duration
	defaultTTL time.Duration

	mu     sync.Mutex
	fleets map[string]*fleetTasks
	stats  map[string]*agentStats // tenant/fleet/agent
}

type fleetTasks struct {
	tenantID string
	fleetID  string
	tasks    map[string]*taskState
}

type taskState struct {
	task       *types.Task
	missed     map[string]bool // assignees that let the claim grace lapse
	claimTimer *time.Timer
	ttlTimer   *time.Timer
}

// agentStats is the routing history the score function draws on.
type agentStats struct {
	lastAssignedAt time.Time
	cost           float64 // 0..1, lower is cheaper; 0.5 when unset
	byType         map[string]*typeStats
}

type typeStats struct {
	completions  int64
	failures     int64
	totalLatency time.Duration
}

// NewRouter creates the task router.
func NewRouter(elog eventlog.Log, router *bus.Router, idx *presence.Index, claimGrace, defaultTTL time.Duration) *Router {
	return &Router{
		elog:       elog,
		router:     router,
		presence:   idx,
		claimGrace: claimGrace,
		defaultTTL: defaultTTL,
		fleets:     make(map[string]*fleetTasks),
		stats:      make(map[string]*agentStats),
	}
}

// Stop cancels all outstanding timers.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ft := range r.fleets {
		for _, st := range ft.tasks {
			if st.claimTimer != nil {
				st.claimTimer.Stop()
			}
			if st.ttlTimer != nil {
				st.ttlTimer.Stop()
			}
		}
	}
}

func agentKey(tenantID, fleetID, agentID string) string {
	return tenantID + "/" + fleetID + "/" + agentID
}

func (r *Router) fleetLocked(tenantID, fleetID string) *fleetTasks {
	key := tenantID + "/" + fleetID
	ft := r.fleets[key]
	if ft == nil {
		ft = &fleetTasks{tenantID: tenantID, fleetID: fleetID, tasks: make(map[string]*taskState)}
		r.fleets[key] = ft
	}
	return ft
}

func (r *Router) statsLocked(tenantID, fleetID, agentID string) *agentStats {
	key := agentKey(tenantID, fleetID, agentID)
	st := r.stats[key]
	if st == nil {
		st = &agentStats{cost: 0.5, byType: make(map[string]*typeStats)}
		r.stats[key] = st
	}
	return st
}

// SetAgentCost records the agent's relative cost (0 cheap, 1 expensive).
// Called at auth when the agent's profile carries a cost hint.
func (r *Router) SetAgentCost(tenantID, fleetID, agentID string, cost float64) {
	if cost < 0 || cost > 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsLocked(tenantID, fleetID, agentID).cost = cost
}

// Submit creates a task and routes it. With no capable agent online the
// task parks in pending until one appears or the TTL elapses.
func (r *Router) Submit(tenantID, fleetID, requesterID string, req *protocol.TaskSubmitRequest) (*types.Task, error) {
	ttl := r.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	task := &types.Task{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		FleetID:     fleetID,
		RequesterID: requesterID,
		Requires:    req.Requires,
		Type:        req.Type,
		Payload:     req.Payload,
		Status:      types.TaskPending,
		TTLSeconds:  int64(ttl / time.Second),
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.appendTransitionLocked(task, ""); err != nil {
		return nil, err
	}
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Inc()

	ft := r.fleetLocked(tenantID, fleetID)
	st := &taskState{task: task, missed: make(map[string]bool)}
	ft.tasks[task.ID] = st
	st.ttlTimer = time.AfterFunc(ttl, func() { r.onTTL(tenantID, fleetID, task.ID) })

	r.publishLocked(task, "")
	r.tryAssignLocked(ft, st)

	snapshot := *task
	return &snapshot, nil
}

// Get returns a copy of the task.
func (r *Router) Get(tenantID, fleetID, taskID string) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.fleetLocked(tenantID, fleetID).tasks[taskID]
	if st == nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "no such task")
	}
	snapshot := *st.task
	return &snapshot, nil
}

// ListFleet returns copies of the fleet's tasks, newest first.
func (r *Router) ListFleet(tenantID, fleetID string) []*types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	ft := r.fleetLocked(tenantID, fleetID)
	out := make([]*types.Task, 0, len(ft.tasks))
	for _, st := range ft.tasks {
		snapshot := *st.task
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// Claim acknowledges an assignment within the grace window.
func (r *Router) Claim(tenantID, fleetID, agentID, taskID string) (*types.Task, error) {
	return r.advance(tenantID, fleetID, agentID, taskID, types.TaskAssigned, types.TaskClaimed, nil, "")
}

// Start moves a claimed task to running.
func (r *Router) Start(tenantID, fleetID, agentID, taskID string) (*types.Task, error) {
	return r.advance(tenantID, fleetID, agentID, taskID, types.TaskClaimed, types.TaskRunning, nil, "")
}

// Complete finishes a task with a result.
func (r *Router) Complete(tenantID, fleetID, agentID, taskID string, result map[string]any) (*types.Task, error) {
	return r.advance(tenantID, fleetID, agentID, taskID, types.TaskRunning, types.TaskCompleted, result, "")
}

// Fail finishes a task with a failure reason.
func (r *Router) Fail(tenantID, fleetID, agentID, taskID, reason string) (*types.Task, error) {
	return r.advance(tenantID, fleetID, agentID, taskID, types.TaskRunning, types.TaskFailed, nil, reason)
}

// advance performs one assignee-driven lifecycle transition.
func (r *Router) advance(tenantID, fleetID, agentID, taskID string, from, to types.TaskStatus, result map[string]any, reason string) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ft := r.fleetLocked(tenantID, fleetID)
	st := ft.tasks[taskID]
	if st == nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "no such task")
	}
	task := st.task
	if task.AssignedTo != agentID {
		return nil, protocol.NewError(protocol.CodeForbidden, "not the assignee")
	}
	// Finishing straight from claimed is allowed; agents with trivial
	// tasks skip the running step.
	skipRunning := to.Terminal() && task.Status == types.TaskClaimed
	if task.Status != from && !skipRunning {
		return nil, protocol.NewError(protocol.CodeConflict, "task is "+string(task.Status))
	}

	prev := task.Status
	task.Status = to
	task.Result = result
	task.FailReason = reason
	if to.Terminal() {
		task.FinishedAt = time.Now().UTC()
	}

	if err := r.appendTransitionLocked(task, reason); err != nil {
		task.Status = prev
		task.Result = nil
		task.FailReason = ""
		task.FinishedAt = time.Time{}
		return nil, err
	}

	switch to {
	case types.TaskClaimed:
		if st.claimTimer != nil {
			st.claimTimer.Stop()
			st.claimTimer = nil
		}
	case types.TaskCompleted, types.TaskFailed:
		r.recordOutcomeLocked(task, to == types.TaskCompleted)
		r.finishLocked(ft, st)
	}
	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	r.publishLocked(task, reason)

	snapshot := *task
	return &snapshot, nil
}

// OnPresenceChange re-evaluates the fleet's parked tasks. The hub calls
// this on every join and state change.
func (r *Router) OnPresenceChange(tenantID, fleetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ft := r.fleetLocked(tenantID, fleetID)
	for _, st := range ft.tasks {
		if st.task.Status == types.TaskPending {
			r.tryAssignLocked(ft, st)
		}
	}
}

// tryAssignLocked routes a pending task to the best candidate, if any.
func (r *Router) tryAssignLocked(ft *fleetTasks, st *taskState) {
	task := st.task
	if task.Status != types.TaskPending {
		return
	}
	best := r.pickLocked(ft, st)
	if best == "" {
		return
	}

	task.Status = types.TaskAssigned
	task.AssignedTo = best
	task.AssignedAt = time.Now().UTC()
	if err := r.appendTransitionLocked(task, ""); err != nil {
		task.Status = types.TaskPending
		task.AssignedTo = ""
		task.AssignedAt = time.Time{}
		logger := log.WithComponent("tasks")
		logger.Error().Err(err).Str("task_id", task.ID).Msg("assign append failed")
		return
	}

	r.statsLocked(task.TenantID, task.FleetID, best).lastAssignedAt = task.AssignedAt
	metrics.TasksTotal.WithLabelValues(string(types.TaskAssigned)).Inc()
	metrics.TaskAssignLatency.Observe(time.Since(task.CreatedAt).Seconds())
	r.publishLocked(task, "")

	taskID := task.ID
	st.claimTimer = time.AfterFunc(r.claimGrace, func() {
		r.onClaimLapse(ft.tenantID, ft.fleetID, taskID)
	})
}

// pickLocked filters online agents to capability supersets and ranks them.
func (r *Router) pickLocked(ft *fleetTasks, st *taskState) string {
	roster := r.presence.Roster(ft.tenantID, ft.fleetID)
	task := st.task

	type candidate struct {
		agentID string
		score   float64
		lastAt  time.Time
	}
	var candidates []candidate
	for _, entry := range roster {
		if st.missed[entry.AgentID] || entry.AgentID == task.RequesterID {
			continue
		}
		if !capableOf(entry.Capabilities, task.Requires) {
			continue
		}
		if entry.State == types.PresenceAway {
			continue
		}
		stats := r.statsLocked(ft.tenantID, ft.fleetID, entry.AgentID)
		candidates = append(candidates, candidate{
			agentID: entry.AgentID,
			score:   score(entry, stats, task.Type),
			lastAt:  stats.lastAssignedAt,
		})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].score != candidates[b].score {
			return candidates[a].score > candidates[b].score
		}
		// Anti-starvation: oldest last assignment wins ties.
		if !candidates[a].lastAt.Equal(candidates[b].lastAt) {
			return candidates[a].lastAt.Before(candidates[b].lastAt)
		}
		return candidates[a].agentID < candidates[b].agentID
	})
	return candidates[0].agentID
}

// capableOf reports whether have is a superset of want.
func capableOf(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// score is the weighted candidate rank. Higher is better; every factor
// is normalized into 0..1.
func score(entry *types.PresenceEntry, stats *agentStats, taskType string) float64 {
	var stateFit float64
	switch {
	case entry.State == types.PresenceOnline:
		stateFit = 1.0
	case entry.State == types.PresenceBusy && entry.Load < busyLoadCeiling:
		stateFit = 0.5
	}

	loadFit := 1.0 - entry.Load
	if loadFit < 0 {
		loadFit = 0
	}

	latencyFit, successFit := 0.5, 0.5
	if ts := stats.byType[taskType]; ts != nil {
		total := ts.completions + ts.failures
		if total > 0 {
			successFit = float64(ts.completions) / float64(total)
		}
		if ts.completions > 0 {
			avg := ts.totalLatency / time.Duration(ts.completions)
			latencyFit = 1.0 / (1.0 + avg.Minutes())
		}
	}

	return weightState*stateFit +
		weightLoad*loadFit +
		weightLatency*latencyFit +
		weightSuccess*successFit +
		weightCost*(1.0-stats.cost)
}

// onClaimLapse fires when the assignee did not claim within the grace.
func (r *Router) onClaimLapse(tenantID, fleetID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ft := r.fleetLocked(tenantID, fleetID)
	st := ft.tasks[taskID]
	if st == nil || st.task.Status != types.TaskAssigned {
		return
	}
	task := st.task
	st.missed[task.AssignedTo] = true
	logger := log.WithComponent("tasks")
	logger.Debug().
		Str("task_id", task.ID).
		Str("agent_id", task.AssignedTo).
		Msg("claim grace lapsed, reassigning")

	task.Status = types.TaskPending
	task.AssignedTo = ""
	task.AssignedAt = time.Time{}
	if err := r.appendTransitionLocked(task, "claim_timeout"); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Msg("reassign append failed")
		return
	}
	r.publishLocked(task, "claim_timeout")
	r.tryAssignLocked(ft, st)
}

// onTTL fires when the task's TTL elapses. A still-pending task failed to
// find a capable agent; anything else in flight times out.
func (r *Router) onTTL(tenantID, fleetID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ft := r.fleetLocked(tenantID, fleetID)
	st := ft.tasks[taskID]
	if st == nil || st.task.Status.Terminal() {
		return
	}
	task := st.task
	reason := ""
	if task.Status == types.TaskPending {
		task.Status = types.TaskFailed
		reason = "no_capable_agent"
		task.FailReason = reason
	} else {
		task.Status = types.TaskTimeout
	}
	task.FinishedAt = time.Now().UTC()

	if err := r.appendTransitionLocked(task, reason); err != nil {
		logger := log.WithComponent("tasks")
		logger.Error().Err(err).Str("task_id", task.ID).Msg("ttl append failed")
		return
	}
	if task.AssignedTo != "" {
		r.recordOutcomeLocked(task, false)
	}
	metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	r.publishLocked(task, reason)
	r.finishLocked(ft, st)
}

// recordOutcomeLocked folds a terminal outcome into the assignee's stats.
func (r *Router) recordOutcomeLocked(task *types.Task, success bool) {
	stats := r.statsLocked(task.TenantID, task.FleetID, task.AssignedTo)
	ts := stats.byType[task.Type]
	if ts == nil {
		ts = &typeStats{}
		stats.byType[task.Type] = ts
	}
	if success {
		ts.completions++
		ts.totalLatency += task.FinishedAt.Sub(task.AssignedAt)
	} else {
		ts.failures++
	}
}

// finishLocked drops a terminal task's timers and forgets it.
func (r *Router) finishLocked(ft *fleetTasks, st *taskState) {
	if st.claimTimer != nil {
		st.claimTimer.Stop()
	}
	if st.ttlTimer != nil {
		st.ttlTimer.Stop()
	}
	delete(ft.tasks, st.task.ID)
}

// appendTransitionLocked writes the transition to the fleet log. A failed
// append means the transition did not happen.
func (r *Router) appendTransitionLocked(task *types.Task, reason string) error {
	payload := map[string]any{
		"task_id":   task.ID,
		"status":    string(task.Status),
		"type":      task.Type,
		"requester": task.RequesterID,
	}
	if task.AssignedTo != "" {
		payload["assigned_to"] = task.AssignedTo
	}
	if reason != "" {
		payload["reason"] = reason
	}
	event := &types.Event{
		TenantID: task.TenantID,
		FleetID:  task.FleetID,
		AgentID:  task.RequesterID,
		Kind:     types.EventTaskUpdate,
		Payload:  payload,
	}
	if _, err := r.elog.Append(event); err != nil {
		return protocol.NewError(protocol.CodeUnavailable, "event log unavailable")
	}
	return nil
}

// publishLocked fans the transition out on the fleet bus.
func (r *Router) publishLocked(task *types.Task, reason string) {
	payload := map[string]any{
		"task_id":   task.ID,
		"status":    string(task.Status),
		"type":      task.Type,
		"requester": task.RequesterID,
		"requires":  task.Requires,
	}
	if task.AssignedTo != "" {
		payload["assigned_to"] = task.AssignedTo
	}
	if task.Result != nil {
		payload["result"] = task.Result
	}
	if reason != "" {
		payload["reason"] = reason
	}
	r.router.Publish(&types.Event{
		ID:        uuid.New().String(),
		TenantID:  task.TenantID,
		FleetID:   task.FleetID,
		AgentID:   task.RequesterID,
		Kind:      types.EventTaskUpdate,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
