package memguard

// Stage is the degradation stage of the global memory budget.
type Stage int32

const (
	StageNormal Stage = iota
	StageThrottled
	StageShedding
	StageSuspended
)

func (s Stage) String() string {
	switch s {
	case StageNormal:
		return "normal"
	case StageThrottled:
		return "throttled"
	case StageShedding:
		return "shedding"
	case StageSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// PublishDecision tells the delivery layer what to do with a new publish
// under the current stage.
type PublishDecision int

const (
	// PublishAdmit lets the envelope through unchanged.
	PublishAdmit PublishDecision = iota
	// PublishDelay admits the envelope after a short throttle pause.
	PublishDelay
	// PublishDrop sheds the envelope; the caller records it in the shed
	// metric with its priority and topic.
	PublishDrop
	// PublishReject surfaces a CapacityError to the caller.
	PublishReject
)

// Thresholds are percentages of the global budget. Enter and exit values
// differ so stage transitions are hysteretic.
type Thresholds struct {
	ThrottleEnter float64
	ThrottleExit  float64
	ShedEnter     float64
	ShedExit      float64
	SuspendEnter  float64
	SuspendExit   float64
}

// eval computes the next stage from the current stage and usage percentage.
// Escalation uses enter thresholds; de-escalation requires dropping below
// the current stage's exit threshold.
func (t Thresholds) eval(cur Stage, pct float64) Stage {
	switch cur {
	case StageNormal:
		switch {
		case pct >= t.SuspendEnter:
			return StageSuspended
		case pct >= t.ShedEnter:
			return StageShedding
		case pct >= t.ThrottleEnter:
			return StageThrottled
		}
		return StageNormal

	case StageThrottled:
		switch {
		case pct >= t.SuspendEnter:
			return StageSuspended
		case pct >= t.ShedEnter:
			return StageShedding
		case pct < t.ThrottleExit:
			return StageNormal
		}
		return StageThrottled

	case StageShedding:
		switch {
		case pct >= t.SuspendEnter:
			return StageSuspended
		case pct < t.ShedExit:
			if pct >= t.ThrottleEnter {
				return StageThrottled
			}
			return StageNormal
		}
		return StageShedding

	case StageSuspended:
		if pct < t.SuspendExit {
			if pct >= t.ShedEnter {
				return StageShedding
			}
			if pct >= t.ThrottleEnter {
				return StageThrottled
			}
			return StageNormal
		}
		return StageSuspended
	}
	return cur
}
