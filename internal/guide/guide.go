package guide

import (
	"errors"
	"fmt"
	"math"

	"skyguide/internal/calibration"
	"skyguide/internal/mount"
)

// Params are the proportional-control settings applied every iteration.
type Params struct {
	RAAggressiveness float64 `json:"raAggressiveness"`
	DEAggressiveness float64 `json:"deAggressiveness"`
	PulseMin         int     `json:"pulseMin"`
	PulseMax         int     `json:"pulseMax"`
	DisableRAPlus    bool    `json:"disableRAPlus"`
	DisableRAMinus   bool    `json:"disableRAMinus"`
	DisableDEPlus    bool    `json:"disableDEPlus"`
	DisableDEMinus   bool    `json:"disableDEMinus"`
	Sampling         float64 `json:"sampling"` // arcsec per pixel
	RMSWindow        int     `json:"rmsWindow"`
}

// Validate rejects parameters the control law cannot apply.
func (p Params) Validate() error {
	var errs []error
	if p.RAAggressiveness < 0 || p.DEAggressiveness < 0 {
		errs = append(errs, errors.New("aggressiveness must not be negative"))
	}
	if p.PulseMin < 0 {
		errs = append(errs, errors.New("pulseMin must not be negative"))
	}
	if p.PulseMin > p.PulseMax {
		errs = append(errs, fmt.Errorf("pulseMin (%d) exceeds pulseMax (%d)", p.PulseMin, p.PulseMax))
	}
	if p.RMSWindow < 1 {
		errs = append(errs, errors.New("rmsWindow must be at least 1"))
	}
	return errors.Join(errs...)
}

// Drift is a displacement expressed along the mount axes, in pixels.
type Drift struct {
	RA float64 `json:"ra"`
	DE float64 `json:"de"`
}

// Pulses holds the correction durations in milliseconds.
type Pulses struct {
	N int `json:"n"`
	S int `json:"s"`
	E int `json:"e"`
	W int `json:"w"`
}

// IsZero reports whether no pulse needs to be sent.
func (p Pulses) IsZero() bool { return p.N == 0 && p.S == 0 && p.E == 0 && p.W == 0 }

// Get returns the duration for d.
func (p Pulses) Get(d mount.Direction) int {
	switch d {
	case mount.North:
		return p.N
	case mount.South:
		return p.S
	case mount.East:
		return p.E
	default:
		return p.W
	}
}

// Set stores ms for d.
func (p *Pulses) Set(d mount.Direction, ms int) {
	switch d {
	case mount.North:
		p.N = ms
	case mount.South:
		p.S = ms
	case mount.East:
		p.E = ms
	default:
		p.W = ms
	}
}

// Correction is the result of one guide computation.
type Correction struct {
	Drift      Drift   `json:"drift"`
	Pulses     Pulses  `json:"pulses"`
	DecFactor  float64 `json:"decFactor"`
	PierFactor float64 `json:"pierFactor"`
	EffectiveE float64 `json:"effectiveE"`
	EffectiveW float64 `json:"effectiveW"`
}

// Rotate projects a pixel displacement onto the mount axes using the CCD angle.
// Both axes use the same-sign cross term.
func Rotate(dx, dy, theta float64) Drift {
	sin, cos := math.Sincos(theta)
	return Drift{
		RA: dx*cos + dy*sin,
		DE: dx*sin + dy*cos,
	}
}

// Clamp bounds a pulse: below min it is dropped, above max it saturates.
func Clamp(v float64, min, max int) int {
	if v > float64(max) {
		return max
	}
	if v < float64(min) {
		return 0
	}
	return int(v)
}

func sign(reverse bool) float64 {
	if reverse {
		return -1
	}
	return 1
}

// Compute converts an axis drift into correction pulses. A pier side that
// differs from the calibration's negates both axes; the CCD orientation is
// not adjusted after a meridian flip.
func Compute(d Drift, cal calibration.Result, currentDecDeg float64, pierWest bool, p Params) Correction {
	east, west := cal.EffectiveEW(currentDecDeg)

	pier := 1.0
	if pierWest != cal.PierWest {
		pier = -1
	}
	ra := sign(cal.ReverseRA) * pier * d.RA
	de := sign(cal.ReverseDE) * pier * d.DE

	var out Pulses
	if ra > 0 && !p.DisableRAPlus {
		out.W = Clamp(p.RAAggressiveness*ra*west, p.PulseMin, p.PulseMax)
	}
	if ra < 0 && !p.DisableRAMinus {
		out.E = Clamp(-p.RAAggressiveness*ra*east, p.PulseMin, p.PulseMax)
	}
	if de > 0 && !p.DisableDEPlus {
		out.S = Clamp(p.DEAggressiveness*de*cal.PulsePerPixelS, p.PulseMin, p.PulseMax)
	}
	if de < 0 && !p.DisableDEMinus {
		out.N = Clamp(-p.DEAggressiveness*de*cal.PulsePerPixelN, p.PulseMin, p.PulseMax)
	}

	return Correction{
		Drift:      d,
		Pulses:     out,
		DecFactor:  calibration.DecFactor(currentDecDeg),
		PierFactor: pier,
		EffectiveE: east,
		EffectiveW: west,
	}
}
