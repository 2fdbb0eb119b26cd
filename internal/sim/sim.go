package sim

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/guider"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

// Sim is a simulated guide camera, mount and star finder. The mount position
// is kept as an offset along its axes, in pixels, and projected onto the sensor
// through the configured rotation. Tracking error accumulates in simulated
// time, which advances by the exposure length on every frame.
type Sim struct {
	cfg    config.Sim
	camera string
	mount  string
	log    *slog.Logger

	mu       sync.Mutex
	sink     guider.Completions
	rng      *rand.Rand
	field    []triangle.Star
	ra, de   float64
	elapsed  float64
	seq      int
	dec      float64
	pierWest bool
	closed   bool
}

// New builds a simulator with a reproducible star field.
func New(cfg config.Sim, camera, mountName string, logger *slog.Logger) *Sim {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 960
	}
	if cfg.MsPerPixel <= 0 {
		cfg.MsPerPixel = 100
	}
	s := &Sim{
		cfg:      cfg,
		camera:   camera,
		mount:    mountName,
		log:      logger,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		dec:      cfg.DecDeg,
		pierWest: cfg.PierWest,
	}
	s.field = s.generateField(cfg.Stars)
	return s
}

// SetCompletions installs the receiver of asynchronous notifications.
func (s *Sim) SetCompletions(c guider.Completions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = c
}

// Close drops every notification still in flight.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// FlipPier simulates a meridian flip.
func (s *Sim) FlipPier() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pierWest = !s.pierWest
}

// SetDeclination moves the simulated target.
func (s *Sim) SetDeclination(dec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dec = dec
}

// Offset returns the current mount offset along RA and DEC, in pixels.
func (s *Sim) Offset() (ra, de float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ra, s.de
}

func (s *Sim) generateField(n int) []triangle.Star {
	if n <= 0 {
		n = 12
	}
	margin := 0.15
	stars := make([]triangle.Star, n)
	for i := range stars {
		stars[i] = triangle.Star{
			X:    float64(s.cfg.Width) * (margin + (1-2*margin)*s.rng.Float64()),
			Y:    float64(s.cfg.Height) * (margin + (1-2*margin)*s.rng.Float64()),
			Flux: 1000 + 60000*s.rng.ExpFloat64()/4,
			HFR:  1.5 + s.rng.Float64(),
		}
	}
	sort.Slice(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	return stars
}

func (s *Sim) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * s.cfg.TimeScale)
}

// notify runs fn on a timer goroutine unless the simulator was closed.
func (s *Sim) notify(after time.Duration, fn func(guider.Completions)) {
	time.AfterFunc(s.scaled(after), func() {
		s.mu.Lock()
		sink, closed := s.sink, s.closed
		s.mu.Unlock()
		if closed || sink == nil {
			return
		}
		fn(sink)
	})
}

// Connected implements guider.Device.
func (s *Sim) Connected(device string) bool {
	return device == s.camera || device == s.mount
}

// FrameReset implements guider.Device.
func (s *Sim) FrameReset(camera string) error {
	if camera != s.camera {
		return fmt.Errorf("unknown camera %q", camera)
	}
	s.notify(50*time.Millisecond, func(c guider.Completions) { c.OnFrameReset(camera) })
	return nil
}

// RequestExposure implements guider.Device.
func (s *Sim) RequestExposure(camera string, seconds float64, gain, offset int) error {
	if camera != s.camera {
		return fmt.Errorf("unknown camera %q", camera)
	}
	if seconds <= 0 {
		return fmt.Errorf("invalid exposure %.3fs", seconds)
	}

	s.mu.Lock()
	before := s.periodicError(s.elapsed)
	s.elapsed += seconds
	s.ra += s.cfg.DriftRA*seconds + s.periodicError(s.elapsed) - before
	s.de += s.cfg.DriftDE * seconds
	s.seq++
	frame := guider.Frame{
		Camera: camera,
		Seq:    s.seq,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		Stars:  s.project(),
	}
	s.mu.Unlock()

	wait := time.Duration(seconds*float64(time.Second)) + time.Duration(s.cfg.DownloadMillis)*time.Millisecond
	s.notify(wait, func(c guider.Completions) { c.OnExposure(frame) })
	return nil
}

func (s *Sim) periodicError(t float64) float64 {
	if s.cfg.PEPeriod <= 0 {
		return 0
	}
	return s.cfg.PEAmplitude * math.Sin(2*math.Pi*t/s.cfg.PEPeriod)
}

// project places the field on the sensor for the current mount offset.
// Stars falling outside the sensor are lost.
func (s *Sim) project() []triangle.Star {
	sin, cos := math.Sincos(s.cfg.RotationDeg * math.Pi / 180)
	sx := s.ra*cos - s.de*sin
	sy := s.ra*sin + s.de*cos

	out := make([]triangle.Star, 0, len(s.field))
	for _, st := range s.field {
		x := st.X + sx
		y := st.Y + sy
		if s.cfg.Jitter > 0 {
			x += s.rng.NormFloat64() * s.cfg.Jitter
			y += s.rng.NormFloat64() * s.cfg.Jitter
		}
		if x < 0 || y < 0 || x >= float64(s.cfg.Width) || y >= float64(s.cfg.Height) {
			continue
		}
		out = append(out, triangle.Star{X: x, Y: y, Flux: st.Flux, HFR: st.HFR})
	}
	return out
}

// RequestPulse implements guider.Device. W and S pulses move the mount
// negatively along their axis, E and N positively.
func (s *Sim) RequestPulse(mountName string, axis mount.Axis, dir mount.Direction, ms int) error {
	if mountName != s.mount {
		return fmt.Errorf("unknown mount %q", mountName)
	}
	if dir.Axis() != axis {
		return fmt.Errorf("direction %s does not move axis %s", dir, axis)
	}
	if ms <= 0 {
		return fmt.Errorf("invalid pulse %dms", ms)
	}

	px := float64(ms) / s.cfg.MsPerPixel
	s.mu.Lock()
	switch dir {
	case mount.West:
		s.ra -= px
	case mount.East:
		s.ra += px
	case mount.South:
		s.de -= px
	case mount.North:
		s.de += px
	}
	s.mu.Unlock()

	s.notify(time.Duration(ms)*time.Millisecond, func(c guider.Completions) { c.OnPulseIdle(mountName, axis) })
	return nil
}

// ReadNumber implements guider.Device.
func (s *Sim) ReadNumber(device, property, element string) (float64, error) {
	if device != s.mount || property != mount.PropEquatorialCoord {
		return 0, fmt.Errorf("no number %s.%s on %s", property, element, device)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch element {
	case mount.ElemDEC:
		return s.dec, nil
	case mount.ElemRA:
		return s.cfg.RAHours, nil
	}
	return 0, fmt.Errorf("no element %s in %s", element, property)
}

// ReadSwitch implements guider.Device.
func (s *Sim) ReadSwitch(device, property, element string) (bool, error) {
	if device != s.mount || property != mount.PropPierSide || element != mount.ElemPierWest {
		return false, fmt.Errorf("no switch %s.%s on %s", property, element, device)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pierWest, nil
}

// FindStars implements guider.StarFinder with the frame's projected stars,
// brightest first.
func (s *Sim) FindStars(frame guider.Frame) error {
	stars := append([]triangle.Star(nil), frame.Stars...)
	sort.SliceStable(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	s.notify(20*time.Millisecond, func(c guider.Completions) { c.OnStars(stars, nil) })
	return nil
}
