package guider

import (
	"fmt"
	"strings"
)

// Plan selects which phases follow Init.
type Plan int

const (
	PlanInitOnly Plan = iota
	PlanInitThenCal
	PlanInitThenGuide
	PlanInitCalGuide
)

func (p Plan) String() string {
	switch p {
	case PlanInitThenCal:
		return "init-cal"
	case PlanInitThenGuide:
		return "init-guide"
	case PlanInitCalGuide:
		return "init-cal-guide"
	default:
		return "init"
	}
}

// next returns the phase that follows finished under p, or PhaseNone when the run is complete.
func (p Plan) next(finished Phase) Phase {
	switch finished {
	case PhaseInit:
		switch p {
		case PlanInitThenCal, PlanInitCalGuide:
			return PhaseCalibration
		case PlanInitThenGuide:
			return PhaseGuide
		}
	case PhaseCalibration:
		if p == PlanInitCalGuide {
			return PhaseGuide
		}
	}
	return PhaseNone
}

// Action is a user trigger accepted by the orchestrator.
type Action string

const (
	ActionCalibrateAndGuide Action = "calguide"
	ActionCalibrateOnly     Action = "calibrate"
	ActionGuideOnly         Action = "guide"
	ActionAbort             Action = "abort"
	ActionResetCalibration  Action = "resetcal"
	ActionSuspend           Action = "suspend"
	ActionResume            Action = "resume"
)

// Actions lists every accepted trigger.
var Actions = []Action{
	ActionCalibrateAndGuide,
	ActionCalibrateOnly,
	ActionGuideOnly,
	ActionAbort,
	ActionResetCalibration,
	ActionSuspend,
	ActionResume,
}

// ParseAction maps a trigger name to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Status is the user-visible state of the last requested action.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
	StatusOk
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusOk:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
