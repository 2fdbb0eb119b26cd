package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
	"skyguide/internal/logging"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

type capture struct {
	frames chan guider.Frame
	idle   chan mount.Axis
	stars  chan []triangle.Star
}

func newCapture() *capture {
	return &capture{
		frames: make(chan guider.Frame, 4),
		idle:   make(chan mount.Axis, 4),
		stars:  make(chan []triangle.Star, 4),
	}
}

func (c *capture) OnFrameReset(string) {}
func (c *capture) OnExposure(f guider.Frame) { c.frames <- f }
func (c *capture) OnPulseIdle(_ string, a mount.Axis) { c.idle <- a }
func (c *capture) OnStars(s []triangle.Star, _ error) { c.stars <- s }

func quietSim() config.Sim {
	return config.Sim{
		Stars:      8,
		Width:      1000,
		Height:     800,
		Seed:       7,
		MsPerPixel: 100,
		TimeScale:  0,
	}
}

func waitFrame(t *testing.T, c *capture) guider.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered")
	}
	return guider.Frame{}
}

func TestPulseMovesFieldAlongAxis(t *testing.T) {
	s := New(quietSim(), "cam", "mount", logging.Discard())
	c := newCapture()
	s.SetCompletions(c)

	if err := s.RequestExposure("cam", 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	first := waitFrame(t, c)

	if err := s.RequestPulse("mount", mount.AxisWE, mount.West, 500); err != nil {
		t.Fatal(err)
	}
	if a := <-c.idle; a != mount.AxisWE {
		t.Fatalf("expected WE idle, got %s", a)
	}
	if err := s.RequestExposure("cam", 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	second := waitFrame(t, c)

	m, err := triangle.MatchIndexes(triangle.BuildIndexes(first.Stars), triangle.BuildIndexes(second.Stars))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if math.Abs(m.DX-5) > 1e-6 || math.Abs(m.DY) > 1e-6 {
		t.Fatalf("expected a 5px West displacement, got (%v,%v)", m.DX, m.DY)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("expected sequential frames")
	}
}

func TestTrackingDriftAccumulates(t *testing.T) {
	cfg := quietSim()
	cfg.DriftRA = 0.5
	s := New(cfg, "cam", "mount", logging.Discard())
	s.SetCompletions(newCapture())

	for i := 0; i < 4; i++ {
		if err := s.RequestExposure("cam", 2, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	ra, de := s.Offset()
	if math.Abs(ra-4) > 1e-9 || de != 0 {
		t.Fatalf("expected 4px of RA drift, got (%v,%v)", ra, de)
	}
}

func TestDeviceErrors(t *testing.T) {
	s := New(quietSim(), "cam", "mount", logging.Discard())
	if err := s.RequestExposure("other", 1, 0, 0); err == nil {
		t.Fatalf("expected unknown camera error")
	}
	if err := s.RequestPulse("mount", mount.AxisNS, mount.West, 100); err == nil {
		t.Fatalf("expected axis mismatch error")
	}
	if _, err := s.ReadNumber("mount", "FOCUS", "POS"); err == nil {
		t.Fatalf("expected unknown property error")
	}
	if !s.Connected("cam") || s.Connected("focuser") {
		t.Fatalf("unexpected connection state")
	}
}

func TestMountProperties(t *testing.T) {
	cfg := quietSim()
	cfg.DecDeg = 35
	s := New(cfg, "cam", "mount", logging.Discard())

	dec, err := s.ReadNumber("mount", mount.PropEquatorialCoord, mount.ElemDEC)
	if err != nil || dec != 35 {
		t.Fatalf("expected DEC 35, got %v (%v)", dec, err)
	}
	s.SetDeclination(-12.5)
	if dec, _ = s.ReadNumber("mount", mount.PropEquatorialCoord, mount.ElemDEC); dec != -12.5 {
		t.Fatalf("expected DEC -12.5, got %v", dec)
	}

	west, err := s.ReadSwitch("mount", mount.PropPierSide, mount.ElemPierWest)
	if err != nil || west {
		t.Fatalf("expected pier east, got %v (%v)", west, err)
	}
	s.FlipPier()
	if west, _ = s.ReadSwitch("mount", mount.PropPierSide, mount.ElemPierWest); !west {
		t.Fatalf("expected pier west after a flip")
	}
}

func TestFindStarsBrightestFirst(t *testing.T) {
	s := New(quietSim(), "cam", "mount", logging.Discard())
	c := newCapture()
	s.SetCompletions(c)

	frame := guider.Frame{Stars: []triangle.Star{{X: 1, Flux: 10}, {X: 2, Flux: 30}, {X: 3, Flux: 20}}}
	if err := s.FindStars(frame); err != nil {
		t.Fatal(err)
	}
	stars := <-c.stars
	if stars[0].X != 2 || stars[1].X != 3 || stars[2].X != 1 {
		t.Fatalf("expected flux ordering, got %+v", stars)
	}
}

func TestClosedLoopCalibrateAndGuide(t *testing.T) {
	cfg := quietSim()
	cfg.RotationDeg = 10
	cfg.DriftRA = 0.3
	cfg.DriftDE = 0.1

	def := config.Default().Guide
	loop := dispatch.New(logging.Discard(), 64)
	s := New(cfg, "cam", "mount", logging.Discard())
	g := guider.New(guider.Config{
		Camera:          "cam",
		Mount:           "mount",
		ExposureSeconds: 1,
		CalPulseMs:      1000,
		CalSteps:        3,
		ReverseRA:       def.ReverseRA,
		ReverseDE:       def.ReverseDE,
		Params: guide.Params{
			RAAggressiveness: 0.8,
			DEAggressiveness: 0.8,
			PulseMin:         10,
			PulseMax:         2000,
			Sampling:         1,
			RMSWindow:        20,
		},
	}, s, s, guider.Options{Observer: loop})
	s.SetCompletions(loop.Completions(g))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	ctrl := dispatch.NewController(loop, g)
	if err := ctrl.Action(ctx, guider.ActionCalibrateAndGuide); err != nil {
		t.Fatal(err)
	}

	var tel guider.Telemetry
	for {
		var err error
		tel, err = ctrl.Telemetry(ctx)
		if err != nil {
			t.Fatalf("guider did not reach 15 iterations: %v (last %+v)", err, tel)
		}
		if tel.Status == "error" {
			t.Fatalf("run failed: %s", tel.Error)
		}
		if tel.Kind == guider.KindGuide && tel.Iteration >= 15 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cal := tel.Calibration
	if math.Abs(cal.CCDOrientation*180/math.Pi-10) > 5 {
		t.Fatalf("expected orientation near 10°, got %v°", cal.CCDOrientation*180/math.Pi)
	}
	for _, d := range mount.Directions {
		if v := cal.PerPixel(d); v < 80 || v > 125 {
			t.Fatalf("%s: expected roughly 100 ms/px, got %v", d, v)
		}
	}
	if math.Abs(tel.Drift.RA) > 3 || math.Abs(tel.Drift.DE) > 3 {
		t.Fatalf("expected the loop to hold the star, drift %+v", tel.Drift)
	}
}
