package guider

import (
	"errors"
	"fmt"
	"log/slog"

	"skyguide/internal/calibration"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

// ErrNoMatch is raised when a frame cannot be matched against its reference.
var ErrNoMatch = triangle.ErrNoMatch

// ErrNotSuspended is returned by Resume when no guide session is suspended.
var ErrNotSuspended = errors.New("guiding is not suspended")

// ErrNotGuiding is returned by Suspend outside the Guide phase.
var ErrNotGuiding = errors.New("guiding is not running")

// HardwareError reports a device request rejected by the device layer.
type HardwareError struct {
	Op     string
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s on %s rejected", e.Op, e.Device)
	}
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// PropertyError reports an unreadable device property.
type PropertyError struct {
	Device   string
	Property string
	Element  string
	Err      error
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("read %s.%s.%s: %v", e.Device, e.Property, e.Element, e.Err)
}

func (e *PropertyError) Unwrap() error { return e.Err }

// Device is the device-control collaborator. Requests are fire-and-forget:
// a nil error means the request was accepted and its completion will be
// reported later through Completions.
type Device interface {
	Connected(device string) bool
	FrameReset(camera string) error
	RequestExposure(camera string, seconds float64, gain, offset int) error
	RequestPulse(mount string, axis mount.Axis, dir mount.Direction, ms int) error
	ReadNumber(device, property, element string) (float64, error)
	ReadSwitch(device, property, element string) (bool, error)
}

// StarFinder is the star list source. Results are reported through
// Completions.OnStars, brightest star first.
type StarFinder interface {
	FindStars(frame Frame) error
}

// Completions receives asynchronous hardware and finder notifications.
type Completions interface {
	OnFrameReset(camera string)
	OnExposure(frame Frame)
	OnPulseIdle(mount string, axis mount.Axis)
	OnStars(stars []triangle.Star, err error)
}

// Frame is a completed exposure.
type Frame struct {
	Camera string          `json:"camera"`
	Seq    int             `json:"seq"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	Path   string          `json:"path,omitempty"`
	Data   []byte          `json:"-"`
	Stars  []triangle.Star `json:"-"`
}

// CalibrationStore persists the calibration record.
type CalibrationStore interface {
	LoadCalibration() (calibration.Result, error)
	SaveCalibration(calibration.Result) error
}

// SessionStore records guide sessions. Optional.
type SessionStore interface {
	StartSession(plan string, cal calibration.Result) (int64, error)
	EndSession(id int64, status string, lastErr error) error
}

// Observer receives user-visible messages and telemetry snapshots.
type Observer interface {
	OnMessage(level slog.Level, msg string)
	OnTelemetry(t Telemetry)
}

type nopObserver struct{}

func (nopObserver) OnMessage(slog.Level, string) {}
func (nopObserver) OnTelemetry(Telemetry)        {}
