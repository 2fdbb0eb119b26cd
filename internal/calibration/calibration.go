package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"skyguide/internal/mount"

	"gonum.org/v1/gonum/stat"
)

// minCosDec is the cos(dec) floor below which declination compensation is skipped.
const minCosDec = 0.1

var (
	// ErrNoDisplacement is returned when a direction produced no measurable motion.
	ErrNoDisplacement = errors.New("calibration pulse produced no displacement")
	// ErrIncomplete is returned when the result is requested before all directions ran.
	ErrIncomplete = errors.New("calibration not complete")
)

// Result is the persisted calibration record. East and West constants are
// stored compensated to the equator.
type Result struct {
	PulsePerPixelN float64   `json:"pulsePerPixelN"`
	PulsePerPixelS float64   `json:"pulsePerPixelS"`
	PulsePerPixelE float64   `json:"pulsePerPixelE"`
	PulsePerPixelW float64   `json:"pulsePerPixelW"`
	CCDOrientation float64   `json:"ccdOrientationRad"`
	DecDeg         float64   `json:"calibrationDecDeg"`
	PierWest       bool      `json:"pierWestAtCalibration"`
	ReverseRA      bool      `json:"reverseRA"`
	ReverseDE      bool      `json:"reverseDE"`
	CalibratedAt   time.Time `json:"calibratedAt"`
}

// IsZero reports whether no usable calibration is stored.
func (r Result) IsZero() bool {
	return r.PulsePerPixelN == 0 && r.PulsePerPixelS == 0 &&
		r.PulsePerPixelE == 0 && r.PulsePerPixelW == 0
}

// Reset clears the pulse constants and reversal flags.
func (r *Result) Reset() {
	r.PulsePerPixelN = 0
	r.PulsePerPixelS = 0
	r.PulsePerPixelE = 0
	r.PulsePerPixelW = 0
	r.ReverseRA = false
	r.ReverseDE = false
}

// PerPixel returns the stored constant for d.
func (r Result) PerPixel(d mount.Direction) float64 {
	switch d {
	case mount.North:
		return r.PulsePerPixelN
	case mount.South:
		return r.PulsePerPixelS
	case mount.East:
		return r.PulsePerPixelE
	default:
		return r.PulsePerPixelW
	}
}

// EffectiveEW rescales the equatorial E/W constants to decDeg.
func (r Result) EffectiveEW(decDeg float64) (east, west float64) {
	f := DecFactor(decDeg)
	return r.PulsePerPixelE * f, r.PulsePerPixelW * f
}

// DecFactor returns cos(dec), or 1 when cos(dec) is too small to divide by safely.
func DecFactor(decDeg float64) float64 {
	c := math.Cos(decDeg * math.Pi / 180)
	if c <= minCosDec {
		return 1
	}
	return c
}

func (r Result) String() string {
	return fmt.Sprintf("N=%.1f S=%.1f E=%.1f W=%.1f ms/px orientation=%.2f° dec=%.2f° pierWest=%t",
		r.PulsePerPixelN, r.PulsePerPixelS, r.PulsePerPixelE, r.PulsePerPixelW,
		r.CCDOrientation*180/math.Pi, r.DecDeg, r.PierWest)
}

// Engine accumulates per-direction displacement samples and derives the
// pulse constants. It performs no I/O.
type Engine struct {
	pulseMs int
	steps   int

	dir  int
	step int
	dxs  []float64
	dys  []float64

	result Result
	done   bool
}

// NewEngine creates an engine issuing pulseMs test pulses, steps per direction.
func NewEngine(pulseMs, steps int) *Engine {
	if steps < 1 {
		steps = 1
	}
	return &Engine{pulseMs: pulseMs, steps: steps}
}

// Start resets the engine for a new run at the given mount state.
func (e *Engine) Start(decDeg float64, pierWest, reverseRA, reverseDE bool) {
	e.dir = 0
	e.step = 0
	e.dxs = e.dxs[:0]
	e.dys = e.dys[:0]
	e.done = false
	e.result = Result{
		DecDeg:    decDeg,
		PierWest:  pierWest,
		ReverseRA: reverseRA,
		ReverseDE: reverseDE,
	}
}

// Direction is the direction currently being calibrated.
func (e *Engine) Direction() mount.Direction { return mount.Directions[e.dir] }

// Step is the index of the next sample within the current direction.
func (e *Engine) Step() int { return e.step }

// PulseMs is the test pulse duration.
func (e *Engine) PulseMs() int { return e.pulseMs }

// Orientation is the CCD angle measured so far (zero until West completes).
func (e *Engine) Orientation() float64 { return e.result.CCDOrientation }

// Done reports whether all four directions completed.
func (e *Engine) Done() bool { return e.done }

// AddSample records the displacement measured after one test pulse.
// advanced is true when the sample completed a direction.
func (e *Engine) AddSample(dx, dy float64) (advanced bool, err error) {
	if e.done {
		return false, errors.New("calibration already complete")
	}
	e.dxs = append(e.dxs, dx)
	e.dys = append(e.dys, dy)
	e.step++
	if e.step < e.steps {
		return false, nil
	}

	// the first post-pulse frame is discarded when there is more than one
	xs, ys := e.dxs, e.dys
	if len(xs) > 1 {
		xs, ys = xs[1:], ys[1:]
	}
	ddx := stat.Mean(xs, nil)
	ddy := stat.Mean(ys, nil)
	dist := math.Hypot(ddx, ddy)
	if dist == 0 || math.IsNaN(dist) {
		return false, fmt.Errorf("%s: %w", e.Direction(), ErrNoDisplacement)
	}

	constant := float64(e.pulseMs) / dist
	switch e.Direction() {
	case mount.West:
		e.result.PulsePerPixelW = constant
		e.result.CCDOrientation = math.Atan2(ddy, ddx)
	case mount.East:
		e.result.PulsePerPixelE = constant
	case mount.North:
		e.result.PulsePerPixelN = constant
	case mount.South:
		e.result.PulsePerPixelS = constant
	}

	e.step = 0
	e.dxs = e.dxs[:0]
	e.dys = e.dys[:0]
	e.dir++
	if e.dir >= len(mount.Directions) {
		e.dir = len(mount.Directions) - 1
		e.finish()
	}
	return true, nil
}

func (e *Engine) finish() {
	c := math.Cos(e.result.DecDeg * math.Pi / 180)
	if c > minCosDec {
		e.result.PulsePerPixelE /= c
		e.result.PulsePerPixelW /= c
	}
	e.result.CalibratedAt = time.Now().UTC()
	e.done = true
}

// Partial returns the record as accumulated so far, for telemetry.
func (e *Engine) Partial() Result { return e.result }

// Result returns the final calibration once every direction completed.
func (e *Engine) Result() (Result, error) {
	if !e.done {
		return Result{}, ErrIncomplete
	}
	return e.result, nil
}
