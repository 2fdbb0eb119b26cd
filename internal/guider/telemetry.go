package guider

import (
	"time"

	"skyguide/internal/calibration"
	"skyguide/internal/guide"
)

// Telemetry kinds.
const (
	KindStatus      = "status"
	KindInit        = "init"
	KindCalibration = "calibration"
	KindGuide       = "guide"
)

// Telemetry is a read-only snapshot of the guider, published after every
// state-changing step.
type Telemetry struct {
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	Phase     string    `json:"phase"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Plan      string    `json:"plan"`
	Suspended bool      `json:"suspended"`
	SessionID int64     `json:"sessionId,omitempty"`
	Iteration int       `json:"iteration"`

	DX         float64      `json:"dx"`
	DY         float64      `json:"dy"`
	Drift      guide.Drift  `json:"drift"`
	Pulses     guide.Pulses `json:"pulses"`
	RMS        guide.RMS    `json:"rms"`
	DecFactor  float64      `json:"decFactor"`
	PierFactor float64      `json:"pierFactor"`

	Calibration  calibration.Result `json:"calibration"`
	CalDirection string             `json:"calDirection,omitempty"`
	CalStep      int                `json:"calStep"`

	MountDEC float64 `json:"mountDec"`
	MountRA  float64 `json:"mountRa"`
	PierWest bool    `json:"pierWest"`

	Stars   int    `json:"stars"`
	Matched int    `json:"matched"`
	Error   string `json:"error,omitempty"`
}
