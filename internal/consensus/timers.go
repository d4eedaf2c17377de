package consensus

import "time"

// CheckTimers compares now against the request deadlines and the view-change
// deadline. If any has passed, the instance moves to the next view. Calling it
// again before a deadline passes does nothing.
func (i *Instance) CheckTimers(now time.Time) TimerOutcome {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.expired(now) {
		return TimerOutcome{View: i.view, FailedViews: i.failedViews}
	}

	outbox := i.startViewChange(now)
	i.failedViews++

	escalate := i.maxFailedViews > 0 && i.failedViews >= i.maxFailedViews
	if escalate {
		i.logger.Error("liveness fault: consecutive views failed",
			"view", i.view,
			"failed_views", i.failedViews,
			"ceiling", i.maxFailedViews,
		)
	}

	return TimerOutcome{
		ViewChanged: true,
		View:        i.view,
		FailedViews: i.failedViews,
		Escalate:    escalate,
		Outbox:      outbox,
	}
}

func (i *Instance) expired(now time.Time) bool {
	if !i.viewChangeDeadline.IsZero() && now.After(i.viewChangeDeadline) {
		return true
	}
	for _, deadline := range i.requestTimers {
		if now.After(deadline) {
			return true
		}
	}
	return false
}

// FailedViews returns the number of consecutive views that timed out
// without a commit.
func (i *Instance) FailedViews() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failedViews
}
