package guider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skyguide/internal/calibration"
	"skyguide/internal/guide"
	"skyguide/internal/logging"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

// Config holds the device names and run settings of a Guider.
type Config struct {
	Camera          string
	Mount           string
	ExposureSeconds float64
	Gain            int
	Offset          int
	CalPulseMs      int
	CalSteps        int
	ReverseRA       bool
	ReverseDE       bool
	Params          guide.Params
}

// Options carries the optional collaborators of a Guider.
type Options struct {
	Logger       *slog.Logger
	Observer     Observer
	Calibrations CalibrationStore
	Sessions     SessionStore
	Now          func() time.Time
}

type stopKind int

const (
	stopNone stopKind = iota
	stopUser
	stopFail
	stopSuspend
)

// session is the per-run guiding state. It survives a suspend.
type session struct {
	id        int64
	ref       []triangle.Triangle
	prev      []triangle.Triangle
	history   *guide.History
	iteration int
	match     triangle.Match
	corr      guide.Correction
}

// Guider is the phase orchestrator. It is not safe for concurrent use: every
// method, including the Completions callbacks, must run on one goroutine
// (see dispatch.Loop).
type Guider struct {
	cfg      Config
	dev      Device
	finder   StarFinder
	log      *slog.Logger
	obs      Observer
	cals     CalibrationStore
	sessions SessionStore
	now      func() time.Time

	plan       Plan
	phase      Phase
	state      State
	status     Status
	stopping   stopKind
	suspended  bool
	lastErr    error
	phaseStart time.Time

	queue    []Event
	draining bool

	// completion arrivals consumed by the wait states
	frameResetReady bool
	exposureReady   bool
	pendingAxes     map[mount.Axis]bool

	cal    calibration.Result
	engine *calibration.Engine

	frame Frame
	stars []triangle.Star

	mountDEC float64
	mountRA  float64
	pierWest bool

	sess session
	last Telemetry
}

// New creates an idle guider. The stored calibration, if any, is loaded immediately.
func New(cfg Config, dev Device, finder StarFinder, opts Options) *Guider {
	g := &Guider{
		cfg:         cfg,
		dev:         dev,
		finder:      finder,
		log:         opts.Logger,
		obs:         opts.Observer,
		cals:        opts.Calibrations,
		sessions:    opts.Sessions,
		now:         opts.Now,
		pendingAxes: make(map[mount.Axis]bool),
	}
	if g.log == nil {
		g.log = logging.Discard()
	}
	if g.obs == nil {
		g.obs = nopObserver{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.cals != nil {
		cal, err := g.cals.LoadCalibration()
		if err != nil {
			g.log.Warn("stored calibration unavailable", "error", err)
		} else {
			g.cal = cal
		}
	}
	g.last = g.snapshot(KindStatus)
	return g
}

// Calibration returns a copy of the current calibration record.
func (g *Guider) Calibration() calibration.Result { return g.cal }

// Telemetry returns the last published snapshot.
func (g *Guider) Telemetry() Telemetry { return g.last }

// Status reports the status of the last action.
func (g *Guider) Status() Status { return g.status }

// Active reports whether a phase machine is running.
func (g *Guider) Active() bool { return g.phase != PhaseNone }

// LastError is the error that ended the last failed run.
func (g *Guider) LastError() error { return g.lastErr }

// Params returns the active guide parameters.
func (g *Guider) Params() guide.Params { return g.cfg.Params }

// SetParams replaces the guide parameters; they apply from the next iteration.
// A changed RMS window also resizes the running session's history.
func (g *Guider) SetParams(p guide.Params) {
	g.cfg.Params = p
	if g.sess.history != nil {
		g.sess.history.Resize(p.RMSWindow)
	}
	g.log.Info("guide parameters updated",
		"ra_aggressiveness", p.RAAggressiveness,
		"de_aggressiveness", p.DEAggressiveness,
		"pulse_min", p.PulseMin,
		"pulse_max", p.PulseMax,
		"rms_window", p.RMSWindow,
	)
}

// Do executes a user action.
func (g *Guider) Do(a Action) error {
	switch a {
	case ActionCalibrateAndGuide:
		g.CalibrateAndGuide()
	case ActionCalibrateOnly:
		g.CalibrateOnly()
	case ActionGuideOnly:
		g.GuideOnly()
	case ActionAbort:
		g.Abort()
	case ActionResetCalibration:
		return g.ResetCalibration()
	case ActionSuspend:
		return g.Suspend()
	case ActionResume:
		return g.Resume()
	default:
		return fmt.Errorf("unknown action %q", a)
	}
	return nil
}

// CalibrateAndGuide runs Init, Calibration and Guide.
func (g *Guider) CalibrateAndGuide() { g.run(PlanInitCalGuide, false) }

// CalibrateOnly runs Init and Calibration.
func (g *Guider) CalibrateOnly() { g.run(PlanInitThenCal, false) }

// GuideOnly runs Init and Guide, inserting Calibration when no calibration is stored.
func (g *Guider) GuideOnly() {
	plan := PlanInitThenGuide
	if g.cal.IsZero() {
		g.message(slog.LevelWarn, "no calibration stored, calibrating before guiding")
		plan = PlanInitCalGuide
	}
	g.run(plan, false)
}

// Abort stops whichever machine is running. It is a no-op when idle.
func (g *Guider) Abort() {
	if g.phase == PhaseNone {
		if g.suspended {
			g.suspended = false
			g.closeSession(StatusOk)
			g.status = StatusOk
			g.message(slog.LevelInfo, "suspended guiding abandoned")
			g.publish(KindStatus)
		}
		return
	}
	g.stopping = stopUser
	g.queue = g.queue[:0]
	g.fire(EventAbort)
}

// ResetCalibration clears the pulse constants and reversal flags.
func (g *Guider) ResetCalibration() error {
	g.cal.Reset()
	g.message(slog.LevelInfo, "calibration reset")
	g.publish(KindStatus)
	if g.cals == nil {
		return nil
	}
	if err := g.cals.SaveCalibration(g.cal); err != nil {
		return fmt.Errorf("persist reset calibration: %w", err)
	}
	return nil
}

// Suspend stops the Guide machine and keeps the session for Resume.
func (g *Guider) Suspend() error {
	if g.phase != PhaseGuide {
		return ErrNotGuiding
	}
	g.stopping = stopSuspend
	g.queue = g.queue[:0]
	g.fire(EventAbort)
	return nil
}

// Resume restarts a suspended session from Init, taking a fresh reference frame.
func (g *Guider) Resume() error {
	if !g.suspended {
		return ErrNotSuspended
	}
	g.suspended = false
	g.run(PlanInitThenGuide, true)
	return nil
}

func (g *Guider) run(plan Plan, resume bool) {
	if g.phase != PhaseNone {
		g.log.Info("stopping active run", "phase", g.phase.String(), "state", g.state.String())
		g.halt()
		g.closeSession(StatusOk)
	}
	if !resume {
		if g.suspended {
			g.suspended = false
			g.closeSession(StatusOk)
		}
		g.openSession(plan)
	}
	g.plan = plan
	g.lastErr = nil
	g.status = StatusBusy
	g.start(PhaseInit)
}

// halt drops the running machine without waiting for in-flight requests.
func (g *Guider) halt() {
	g.phase = PhaseNone
	g.state = StateIdle
	g.stopping = stopNone
	g.queue = g.queue[:0]
	g.frameResetReady = false
	g.exposureReady = false
	clear(g.pendingAxes)
}

func (g *Guider) openSession(plan Plan) {
	g.sess = session{history: guide.NewHistory(g.cfg.Params.RMSWindow)}
	if g.sessions == nil {
		return
	}
	id, err := g.sessions.StartSession(plan.String(), g.cal)
	if err != nil {
		g.log.Warn("session not recorded", "error", err)
		return
	}
	g.sess.id = id
}

func (g *Guider) closeSession(st Status) {
	if g.sessions == nil || g.sess.id == 0 {
		return
	}
	if err := g.sessions.EndSession(g.sess.id, st.String(), g.lastErr); err != nil {
		g.log.Warn("session end not recorded", "session", g.sess.id, "error", err)
	}
	g.sess.id = 0
}

func (g *Guider) start(p Phase) {
	g.phase = p
	g.state = StateIdle
	g.phaseStart = g.now()

	switch p {
	case PhaseCalibration:
		g.engine = calibration.NewEngine(g.cfg.CalPulseMs, g.cfg.CalSteps)
		g.engine.Start(g.mountDEC, g.pierWest, g.cfg.ReverseRA, g.cfg.ReverseDE)
	case PhaseGuide:
		if g.sess.history == nil {
			g.sess.history = guide.NewHistory(g.cfg.Params.RMSWindow)
		}
	}

	logging.LogPhaseStart(g.log, p.String(), g.plan.String(), g.sess.id)
	g.publish(KindStatus)
	g.fire(EventStart)
}

// fire queues e and, unless already draining, processes the queue in order.
func (g *Guider) fire(e Event) {
	g.queue = append(g.queue, e)
	if g.draining {
		return
	}
	g.draining = true
	defer func() { g.draining = false }()

	for len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.step(next)
	}
}

func (g *Guider) step(e Event) {
	if g.phase == PhaseNone {
		return
	}
	next, ok := Transition(g.phase, g.state, e)
	if !ok {
		g.log.Debug("event ignored", "phase", g.phase.String(), "state", g.state.String(), "event", e.String())
		return
	}
	g.state = next
	g.enter()
}

func (g *Guider) enter() {
	switch g.state {
	case StateReadMount:
		g.readMount()
	case StateRequestFrameReset:
		g.requestFrameReset()
	case StateWaitFrameReset:
		if g.frameResetReady {
			g.fire(EventFrameResetDone)
		}
	case StateRequestExposure:
		g.requestExposure()
	case StateWaitExposure:
		if g.exposureReady {
			g.fire(EventExposureDone)
		}
	case StateFindStars:
		g.findStars()
	case StateComputeFirst:
		g.computeFirst()
	case StateRequestPulses:
		if g.phase == PhaseCalibration {
			g.requestCalibrationPulse()
		} else {
			g.requestGuidePulses()
		}
	case StateWaitPulses:
		if len(g.pendingAxes) == 0 {
			g.fire(EventPulsesDone)
		}
	case StateComputeCal:
		g.computeCalibration()
	case StateComputeGuide:
		g.computeGuide()
	case StateAbort:
		clear(g.pendingAxes)
		g.fire(EventAbortDone)
	case StateEnd:
		g.phaseEnded()
	}
}

func (g *Guider) fail(err error) {
	g.lastErr = err
	g.stopping = stopFail
	logging.LogPhaseError(g.log, g.phase.String(), g.state.String(), g.now().Sub(g.phaseStart), err)
	g.message(slog.LevelError, fmt.Sprintf("%s failed: %v", g.phase, err))
	g.queue = g.queue[:0]
	g.fire(EventAbort)
}

func (g *Guider) phaseEnded() {
	finished := g.phase
	if g.stopping != stopNone {
		g.stopped()
		return
	}

	logging.LogPhaseComplete(g.log, finished.String(), g.now().Sub(g.phaseStart), map[string]any{
		"plan": g.plan.String(),
	})
	if next := g.plan.next(finished); next != PhaseNone {
		g.start(next)
		return
	}

	g.halt()
	g.status = StatusOk
	g.closeSession(StatusOk)
	g.message(slog.LevelInfo, fmt.Sprintf("%s complete", g.plan))
	g.publish(KindStatus)
}

func (g *Guider) stopped() {
	kind := g.stopping
	g.halt()

	switch kind {
	case stopFail:
		g.status = StatusError
		g.closeSession(StatusError)
	case stopSuspend:
		g.suspended = true
		g.status = StatusIdle
		g.message(slog.LevelInfo, "guiding suspended")
	default:
		g.status = StatusOk
		g.closeSession(StatusOk)
		g.message(slog.LevelInfo, "aborted")
	}
	g.publish(KindStatus)
}

func (g *Guider) readMount() {
	for _, dev := range []struct{ name, role string }{{g.cfg.Mount, "mount"}, {g.cfg.Camera, "camera"}} {
		ok := g.dev.Connected(dev.name)
		logging.LogDeviceStatus(g.log, dev.name, dev.role, ok, nil)
		if !ok {
			g.fail(&HardwareError{Op: "connect", Device: dev.name, Err: errors.New("not connected")})
			return
		}
	}

	dec, err := g.dev.ReadNumber(g.cfg.Mount, mount.PropEquatorialCoord, mount.ElemDEC)
	if err != nil {
		g.fail(&PropertyError{Device: g.cfg.Mount, Property: mount.PropEquatorialCoord, Element: mount.ElemDEC, Err: err})
		return
	}
	ra, err := g.dev.ReadNumber(g.cfg.Mount, mount.PropEquatorialCoord, mount.ElemRA)
	if err != nil {
		g.fail(&PropertyError{Device: g.cfg.Mount, Property: mount.PropEquatorialCoord, Element: mount.ElemRA, Err: err})
		return
	}
	pierWest, err := g.dev.ReadSwitch(g.cfg.Mount, mount.PropPierSide, mount.ElemPierWest)
	if err != nil {
		g.fail(&PropertyError{Device: g.cfg.Mount, Property: mount.PropPierSide, Element: mount.ElemPierWest, Err: err})
		return
	}
	g.mountDEC, g.mountRA, g.pierWest = dec, ra, pierWest
	g.fire(EventReadMountDone)
}

func (g *Guider) requestFrameReset() {
	g.frameResetReady = false
	if err := g.dev.FrameReset(g.cfg.Camera); err != nil {
		g.fail(&HardwareError{Op: "frame reset", Device: g.cfg.Camera, Err: err})
		return
	}
	g.fire(EventRequestFrameResetDone)
}

func (g *Guider) requestExposure() {
	g.exposureReady = false
	if err := g.dev.RequestExposure(g.cfg.Camera, g.cfg.ExposureSeconds, g.cfg.Gain, g.cfg.Offset); err != nil {
		g.fail(&HardwareError{Op: "exposure", Device: g.cfg.Camera, Err: err})
		return
	}
	g.fire(EventRequestExposureDone)
}

func (g *Guider) findStars() {
	g.stars = nil
	if err := g.finder.FindStars(g.frame); err != nil {
		g.fail(fmt.Errorf("find stars: %w", err))
	}
}

func (g *Guider) computeFirst() {
	ref := triangle.BuildIndexes(g.stars)
	if len(ref) == 0 {
		g.fail(fmt.Errorf("%d stars detected in reference frame: %w", len(g.stars), ErrNoMatch))
		return
	}
	g.sess.ref = ref
	g.sess.prev = ref
	g.message(slog.LevelInfo, fmt.Sprintf("reference frame with %d stars", len(g.stars)))
	g.publish(KindInit)
	g.fire(EventComputeFirstDone)
}

func (g *Guider) requestCalibrationPulse() {
	clear(g.pendingAxes)
	dir := g.engine.Direction()
	g.pendingAxes[dir.Axis()] = true
	if err := g.dev.RequestPulse(g.cfg.Mount, dir.Axis(), dir, g.engine.PulseMs()); err != nil {
		g.fail(&HardwareError{Op: "pulse " + dir.String(), Device: g.cfg.Mount, Err: err})
		return
	}
	g.fire(EventRequestPulsesDone)
}

func (g *Guider) requestGuidePulses() {
	clear(g.pendingAxes)
	p := g.sess.corr.Pulses
	for _, dir := range mount.Directions {
		if p.Get(dir) > 0 {
			g.pendingAxes[dir.Axis()] = true
		}
	}
	for _, dir := range mount.Directions {
		ms := p.Get(dir)
		if ms <= 0 {
			continue
		}
		if err := g.dev.RequestPulse(g.cfg.Mount, dir.Axis(), dir, ms); err != nil {
			g.fail(&HardwareError{Op: "pulse " + dir.String(), Device: g.cfg.Mount, Err: err})
			return
		}
	}
	g.fire(EventRequestPulsesDone)
}

func (g *Guider) computeCalibration() {
	dir, step := g.engine.Direction(), g.engine.Step()
	m, cur, err := triangle.Drift(g.sess.prev, g.stars)
	if err != nil {
		g.fail(fmt.Errorf("calibration %s step %d: %w", dir, step, err))
		return
	}
	g.sess.prev = cur
	g.sess.match = m

	advanced, err := g.engine.AddSample(m.DX, m.DY)
	if err != nil {
		g.fail(err)
		return
	}
	g.publish(KindCalibration)

	if g.engine.Done() {
		res, err := g.engine.Result()
		if err != nil {
			g.fail(err)
			return
		}
		g.cal = res
		g.sess.ref = cur
		if g.cals != nil {
			if err := g.cals.SaveCalibration(res); err != nil {
				g.log.Error("calibration not persisted", "error", err)
				g.message(slog.LevelWarn, "calibration could not be saved: "+err.Error())
			}
		}
		g.message(slog.LevelInfo, "calibration complete: "+res.String())
		g.fire(EventCalibrationDone)
		return
	}
	if advanced {
		g.message(slog.LevelInfo, fmt.Sprintf("direction %s calibrated: %.1f ms/px", dir, g.engine.Partial().PerPixel(dir)))
	}
	g.fire(EventComputeCalDone)
}

func (g *Guider) computeGuide() {
	dec, err := g.dev.ReadNumber(g.cfg.Mount, mount.PropEquatorialCoord, mount.ElemDEC)
	if err != nil {
		g.message(slog.LevelWarn, fmt.Sprintf("declination unreadable, guiding without compensation: %v", err))
		dec = 0
	} else {
		g.mountDEC = dec
	}
	if pier, err := g.dev.ReadSwitch(g.cfg.Mount, mount.PropPierSide, mount.ElemPierWest); err != nil {
		g.log.Warn("pier side unreadable, keeping last value", "error", err)
	} else {
		g.pierWest = pier
	}

	m, cur, err := triangle.Drift(g.sess.ref, g.stars)
	if err != nil {
		g.fail(fmt.Errorf("guide iteration %d: %w", g.sess.iteration, err))
		return
	}
	g.sess.prev = cur
	g.sess.match = m

	p := g.cfg.Params
	d := guide.Rotate(m.DX, m.DY, g.cal.CCDOrientation)
	c := guide.Compute(d, g.cal, dec, g.pierWest, p)
	g.sess.corr = c
	g.sess.history.Push(d.RA*p.Sampling, d.DE*p.Sampling)
	g.sess.iteration++

	logging.LogGuideStep(g.log, g.sess.iteration, d.RA, d.DE,
		c.Pulses.N, c.Pulses.S, c.Pulses.E, c.Pulses.W, g.sess.history.RMS().Total)
	g.publish(KindGuide)
	g.fire(EventComputeGuideDone)
}

// OnFrameReset implements Completions.
func (g *Guider) OnFrameReset(camera string) {
	if g.phase == PhaseNone || camera != g.cfg.Camera {
		return
	}
	switch g.state {
	case StateRequestFrameReset:
		g.frameResetReady = true
	case StateWaitFrameReset:
		g.frameResetReady = true
		g.fire(EventFrameResetDone)
	}
}

// OnExposure implements Completions.
func (g *Guider) OnExposure(frame Frame) {
	if g.phase == PhaseNone || frame.Camera != g.cfg.Camera {
		return
	}
	switch g.state {
	case StateRequestExposure:
		g.frame = frame
		g.exposureReady = true
	case StateWaitExposure:
		g.frame = frame
		g.exposureReady = true
		g.fire(EventExposureDone)
	}
}

// OnPulseIdle implements Completions. PulsesDone fires once every pulsed axis is idle.
func (g *Guider) OnPulseIdle(mountName string, axis mount.Axis) {
	if g.phase == PhaseNone || mountName != g.cfg.Mount || !g.pendingAxes[axis] {
		return
	}
	delete(g.pendingAxes, axis)
	if len(g.pendingAxes) == 0 && g.state == StateWaitPulses {
		g.fire(EventPulsesDone)
	}
}

// OnStars implements Completions.
func (g *Guider) OnStars(stars []triangle.Star, err error) {
	if g.phase == PhaseNone || g.state != StateFindStars {
		return
	}
	if err != nil {
		g.fail(fmt.Errorf("find stars: %w", err))
		return
	}
	g.stars = stars
	g.fire(EventFindStarsDone)
}

func (g *Guider) message(level slog.Level, msg string) {
	g.log.Log(context.Background(), level, msg, "phase", g.phase.String())
	g.obs.OnMessage(level, msg)
}

func (g *Guider) snapshot(kind string) Telemetry {
	t := Telemetry{
		Kind:        kind,
		Time:        g.now(),
		Phase:       g.phase.String(),
		State:       g.state.String(),
		Status:      g.status.String(),
		Plan:        g.plan.String(),
		Suspended:   g.suspended,
		SessionID:   g.sess.id,
		Iteration:   g.sess.iteration,
		DX:          g.sess.match.DX,
		DY:          g.sess.match.DY,
		Drift:       g.sess.corr.Drift,
		Pulses:      g.sess.corr.Pulses,
		DecFactor:   calibration.DecFactor(g.mountDEC),
		PierFactor:  1,
		Calibration: g.cal,
		MountDEC:    g.mountDEC,
		MountRA:     g.mountRA,
		PierWest:    g.pierWest,
		Stars:       len(g.stars),
		Matched:     g.sess.match.Count,
	}
	if g.sess.corr.PierFactor != 0 {
		t.PierFactor = g.sess.corr.PierFactor
		t.DecFactor = g.sess.corr.DecFactor
	}
	if g.sess.history != nil {
		t.RMS = g.sess.history.RMS()
	}
	if g.engine != nil && g.phase == PhaseCalibration {
		t.Calibration = g.engine.Partial()
		t.CalDirection = g.engine.Direction().String()
		t.CalStep = g.engine.Step()
	}
	if g.lastErr != nil {
		t.Error = g.lastErr.Error()
	}
	return t
}

func (g *Guider) publish(kind string) {
	g.last = g.snapshot(kind)
	g.obs.OnTelemetry(g.last)
}
