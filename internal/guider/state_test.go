package guider

import "testing"

func TestTransitionInitBody(t *testing.T) {
	steps := []struct {
		on   Event
		want State
	}{
		{EventStart, StateReadMount},
		{EventReadMountDone, StateRequestFrameReset},
		{EventRequestFrameResetDone, StateWaitFrameReset},
		{EventFrameResetDone, StateRequestExposure},
		{EventRequestExposureDone, StateWaitExposure},
		{EventExposureDone, StateFindStars},
		{EventFindStarsDone, StateComputeFirst},
		{EventComputeFirstDone, StateEnd},
	}
	s := StateIdle
	for _, st := range steps {
		next, ok := Transition(PhaseInit, s, st.on)
		if !ok || next != st.want {
			t.Fatalf("%s --%s--> expected %s, got %s (ok=%t)", s, st.on, st.want, next, ok)
		}
		s = next
	}
}

func TestTransitionCalibrationLoops(t *testing.T) {
	next, ok := Transition(PhaseCalibration, StateComputeCal, EventComputeCalDone)
	if !ok || next != StateRequestPulses {
		t.Fatalf("expected another pulse after a calibration step, got %s", next)
	}
	next, ok = Transition(PhaseCalibration, StateComputeCal, EventCalibrationDone)
	if !ok || next != StateEnd {
		t.Fatalf("expected calibration to end, got %s", next)
	}
}

func TestTransitionGuideNeverEnds(t *testing.T) {
	s := StateIdle
	seq := []Event{
		EventStart, EventRequestExposureDone, EventExposureDone, EventFindStarsDone,
		EventComputeGuideDone, EventRequestPulsesDone, EventPulsesDone,
	}
	for _, e := range seq {
		next, ok := Transition(PhaseGuide, s, e)
		if !ok {
			t.Fatalf("no edge from %s on %s", s, e)
		}
		if next == StateEnd {
			t.Fatalf("guide reached end without abort")
		}
		s = next
	}
	if s != StateRequestExposure {
		t.Fatalf("expected the loop to return to exposure, got %s", s)
	}
}

func TestTransitionAbort(t *testing.T) {
	for _, p := range []Phase{PhaseInit, PhaseCalibration, PhaseGuide} {
		for _, s := range []State{StateReadMount, StateWaitExposure, StateFindStars, StateWaitPulses, StateComputeGuide} {
			next, ok := Transition(p, s, EventAbort)
			if !ok || next != StateAbort {
				t.Fatalf("%s/%s: expected abort, got %s", p, s, next)
			}
		}
		next, ok := Transition(p, StateAbort, EventAbortDone)
		if !ok || next != StateEnd {
			t.Fatalf("%s: expected abort to end, got %s", p, next)
		}
		for _, s := range []State{StateIdle, StateEnd} {
			if _, ok := Transition(p, s, EventAbort); ok {
				t.Fatalf("%s/%s: abort must be ignored outside the body", p, s)
			}
		}
	}
}

func TestTransitionIgnoresUnexpectedEvents(t *testing.T) {
	cases := []struct {
		p Phase
		s State
		e Event
	}{
		{PhaseInit, StateWaitExposure, EventPulsesDone},
		{PhaseGuide, StateRequestExposure, EventExposureDone},
		{PhaseCalibration, StateWaitPulses, EventComputeGuideDone},
		{PhaseNone, StateIdle, EventStart},
	}
	for _, tc := range cases {
		next, ok := Transition(tc.p, tc.s, tc.e)
		if ok || next != tc.s {
			t.Fatalf("%s/%s on %s: expected no transition, got %s", tc.p, tc.s, tc.e, next)
		}
	}
}

func TestPlanNext(t *testing.T) {
	cases := []struct {
		plan     Plan
		finished Phase
		want     Phase
	}{
		{PlanInitOnly, PhaseInit, PhaseNone},
		{PlanInitThenCal, PhaseInit, PhaseCalibration},
		{PlanInitThenCal, PhaseCalibration, PhaseNone},
		{PlanInitThenGuide, PhaseInit, PhaseGuide},
		{PlanInitCalGuide, PhaseInit, PhaseCalibration},
		{PlanInitCalGuide, PhaseCalibration, PhaseGuide},
	}
	for _, tc := range cases {
		if got := tc.plan.next(tc.finished); got != tc.want {
			t.Fatalf("%s after %s: expected %s, got %s", tc.plan, tc.finished, tc.want, got)
		}
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(" " + string(a) + " ")
		if err != nil || got != a {
			t.Fatalf("ParseAction(%q) = %q, %v", a, got, err)
		}
	}
	if _, err := ParseAction("focus"); err == nil {
		t.Fatalf("expected unknown action error")
	}
}
