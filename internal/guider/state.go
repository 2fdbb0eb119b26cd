package guider

// Phase identifies one of the three chained state machines.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseInit
	PhaseCalibration
	PhaseGuide
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseCalibration:
		return "calibration"
	case PhaseGuide:
		return "guide"
	default:
		return "none"
	}
}

// State is a node of a phase machine. Every phase shares the same state
// vocabulary; which states are reachable depends on the phase table.
type State int

const (
	StateIdle State = iota
	StateReadMount
	StateRequestFrameReset
	StateWaitFrameReset
	StateRequestExposure
	StateWaitExposure
	StateFindStars
	StateComputeFirst
	StateRequestPulses
	StateWaitPulses
	StateComputeCal
	StateComputeGuide
	StateAbort
	StateEnd
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateReadMount:         "read-mount",
	StateRequestFrameReset: "request-frame-reset",
	StateWaitFrameReset:    "wait-frame-reset",
	StateRequestExposure:   "request-exposure",
	StateWaitExposure:      "wait-exposure",
	StateFindStars:         "find-stars",
	StateComputeFirst:      "compute-first",
	StateRequestPulses:     "request-pulses",
	StateWaitPulses:        "wait-pulses",
	StateComputeCal:        "compute-cal",
	StateComputeGuide:      "compute-guide",
	StateAbort:             "abort",
	StateEnd:               "end",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event is a completion signal driving the phase machines.
type Event int

const (
	EventStart Event = iota
	EventReadMountDone
	EventRequestFrameResetDone
	EventFrameResetDone
	EventRequestExposureDone
	EventExposureDone
	EventFindStarsDone
	EventComputeFirstDone
	EventRequestPulsesDone
	EventPulsesDone
	EventComputeCalDone
	EventCalibrationDone
	EventComputeGuideDone
	EventAbort
	EventAbortDone
)

var eventNames = [...]string{
	EventStart:                 "Start",
	EventReadMountDone:         "ReadMountDone",
	EventRequestFrameResetDone: "RequestFrameResetDone",
	EventFrameResetDone:        "FrameResetDone",
	EventRequestExposureDone:   "RequestExposureDone",
	EventExposureDone:          "ExposureDone",
	EventFindStarsDone:         "FindStarsDone",
	EventComputeFirstDone:      "ComputeFirstDone",
	EventRequestPulsesDone:     "RequestPulsesDone",
	EventPulsesDone:            "PulsesDone",
	EventComputeCalDone:        "ComputeCalDone",
	EventCalibrationDone:       "CalibrationDone",
	EventComputeGuideDone:      "ComputeGuideDone",
	EventAbort:                 "Abort",
	EventAbortDone:             "AbortDone",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

type edge struct {
	from State
	on   Event
}

var initTable = map[edge]State{
	{StateIdle, EventStart}:                              StateReadMount,
	{StateReadMount, EventReadMountDone}:                 StateRequestFrameReset,
	{StateRequestFrameReset, EventRequestFrameResetDone}: StateWaitFrameReset,
	{StateWaitFrameReset, EventFrameResetDone}:           StateRequestExposure,
	{StateRequestExposure, EventRequestExposureDone}:     StateWaitExposure,
	{StateWaitExposure, EventExposureDone}:               StateFindStars,
	{StateFindStars, EventFindStarsDone}:                 StateComputeFirst,
	{StateComputeFirst, EventComputeFirstDone}:           StateEnd,
}

var calibrationTable = map[edge]State{
	{StateIdle, EventStart}:                          StateRequestPulses,
	{StateRequestPulses, EventRequestPulsesDone}:     StateWaitPulses,
	{StateWaitPulses, EventPulsesDone}:               StateRequestExposure,
	{StateRequestExposure, EventRequestExposureDone}: StateWaitExposure,
	{StateWaitExposure, EventExposureDone}:           StateFindStars,
	{StateFindStars, EventFindStarsDone}:             StateComputeCal,
	{StateComputeCal, EventComputeCalDone}:           StateRequestPulses,
	{StateComputeCal, EventCalibrationDone}:          StateEnd,
}

var guideTable = map[edge]State{
	{StateIdle, EventStart}:                          StateRequestExposure,
	{StateRequestExposure, EventRequestExposureDone}: StateWaitExposure,
	{StateWaitExposure, EventExposureDone}:           StateFindStars,
	{StateFindStars, EventFindStarsDone}:             StateComputeGuide,
	{StateComputeGuide, EventComputeGuideDone}:       StateRequestPulses,
	{StateRequestPulses, EventRequestPulsesDone}:     StateWaitPulses,
	{StateWaitPulses, EventPulsesDone}:               StateRequestExposure,
}

// Transition is the pure transition function of the phase machines. ok is
// false when the event has no edge from state, in which case it is ignored.
func Transition(p Phase, s State, e Event) (next State, ok bool) {
	switch e {
	case EventAbort:
		if s == StateIdle || s == StateAbort || s == StateEnd {
			return s, false
		}
		return StateAbort, true
	case EventAbortDone:
		if s == StateAbort {
			return StateEnd, true
		}
		return s, false
	}

	var table map[edge]State
	switch p {
	case PhaseInit:
		table = initTable
	case PhaseCalibration:
		table = calibrationTable
	case PhaseGuide:
		table = guideTable
	default:
		return s, false
	}
	next, ok = table[edge{s, e}]
	if !ok {
		return s, false
	}
	return next, true
}
