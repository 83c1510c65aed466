/*
Package tasks routes units of work to capable agents and tracks their
lifecycle.

A submitted task names required capabilities; the router scores every
eligible fleet agent and assigns the best one. Tasks are in-memory
with transitions logged as task.update events, so a restart forgets
in-flight tasks but never the trace.

# Scoring

Eligible agents (online or lightly-loaded busy, capable, not the
requester, not recently missed) are ranked by a weighted score:

	state     0.30   online 1.0, busy under 0.8 load 0.5
	load      0.25   1 - load
	latency   0.20   1 / (1 + avg claim minutes), default 0.5
	success   0.15   completions / total, default 0.5
	cost      0.10   1 - cost, default cost 0.5

Ties break on least-recently-assigned, then agent id. No eligible
agent parks the task as pending; the next presence change retries.

# Lifecycle

	submit → assigned → claimed → running → completed | failed
	            │
	            └─ claim grace lapse → reassigned (assignee excluded)

The assignee must claim within the grace period or the task is
reassigned and the lapse counts as a miss. Terminal transitions are
accepted straight from claimed. A task's TTL fails pending tasks and
times out running ones. Terminal tasks are published, logged, and
forgotten.

# Usage

	r := tasks.NewRouter(elog, router, presence, 10*time.Second, time.Hour)
	defer r.Stop()

	task, err := r.Submit("t1", "f1", requesterID, &protocol.TaskSubmitRequest{
		Requires: []string{"translate"},
		Type:     "translate",
	})

	task, err = r.Claim("t1", "f1", assigneeID, task.ID)
	task, err = r.Start("t1", "f1", assigneeID, task.ID)
	task, err = r.Complete("t1", "f1", assigneeID, task.ID, result)

# See Also

  - pkg/presence for the eligibility source
  - pkg/eventlog for the transition trace
*/
package tasks
