package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/grpcserver"
	"skyguide/internal/guider"
	"skyguide/internal/server"
	"skyguide/internal/sim"
	"skyguide/internal/starfind"
	"skyguide/internal/storage"
	"skyguide/internal/telemetry"
	"skyguide/internal/triangle"
)

type detectFunc func(path string) ([]triangle.Star, error)

type dialFunc func(addr string) (controlClient, error)

// controlClient is the subset of the gRPC client used by ctl.
type controlClient interface {
	Action(ctx context.Context, action string) (map[string]any, error)
	Telemetry(ctx context.Context) (guider.Telemetry, error)
	Watch(ctx context.Context, fn func(dispatch.Update) error) error
	Close() error
}

// Root wires CLI commands to the guider runtime.
type Root struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
	store   *storage.Store
	detect  detectFunc
	dial    dialFunc
}

// NewRoot constructs the CLI root. store may be nil.
func NewRoot(cfg *config.Config, cfgPath string, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     logger,
		store:   store,
		detect: func(path string) ([]triangle.Star, error) {
			return starfind.New(starfind.DefaultOptions(), logger).Detect(path)
		},
		dial: func(addr string) (controlClient, error) {
			return grpcserver.Dial(addr)
		},
	}
}

// runtime is one running guider with its devices and sinks.
type runtime struct {
	loop  *dispatch.Loop
	ctrl  *dispatch.Controller
	dev   *sim.Sim
	sinks telemetry.Multi
}

func (r *Root) guiderConfig() guider.Config {
	return guider.Config{
		Camera:          r.cfg.Devices.Camera,
		Mount:           r.cfg.Devices.Mount,
		ExposureSeconds: r.cfg.Exposure.Seconds,
		Gain:            r.cfg.Exposure.Gain,
		Offset:          r.cfg.Exposure.Offset,
		CalPulseMs:      r.cfg.Calibration.PulseMs,
		CalSteps:        r.cfg.Calibration.Steps,
		ReverseRA:       r.cfg.Guide.ReverseRA,
		ReverseDE:       r.cfg.Guide.ReverseDE,
		Params:          r.cfg.Guide.Params(),
	}
}

// start builds the simulated devices, the guider and its dispatch loop.
func (r *Root) start(ctx context.Context) (*runtime, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loop := dispatch.New(r.log, 256)
	dev := sim.New(r.cfg.Sim, r.cfg.Devices.Camera, r.cfg.Devices.Mount, r.log)

	opts := guider.Options{Logger: r.log, Observer: loop}
	rt := &runtime{loop: loop, dev: dev}
	if r.store != nil {
		opts.Calibrations = r.store
		opts.Sessions = r.store
		rt.sinks = append(rt.sinks, telemetry.NewStoreSink(r.store))
	}
	if r.cfg.Telemetry.Enabled {
		influx, err := telemetry.NewInflux(ctx, r.cfg.Telemetry, r.log)
		if err != nil {
			r.log.Warn("influxdb telemetry disabled", "error", err)
		} else {
			rt.sinks = append(rt.sinks, influx)
		}
	}

	g := guider.New(r.guiderConfig(), dev, dev, opts)
	dev.SetCompletions(loop.Completions(g))
	if len(rt.sinks) > 0 {
		loop.OnTelemetryHook(telemetry.Hook(rt.sinks, r.log))
	}
	// The loop outlives ctx so that a cancelled run can still be aborted.
	// Close stops it.
	loop.Start(context.WithoutCancel(ctx))
	rt.ctrl = dispatch.NewController(loop, g)
	return rt, nil
}

func (rt *runtime) Close() {
	rt.dev.Close()
	rt.loop.Stop()
	rt.sinks.Close()
}

// runUntil triggers action and prints progress until the run ends, ctx is
// done, or limit iterations were guided. A guiding run stopped by ctx or
// limit is aborted cleanly.
func (r *Root) runUntil(ctx context.Context, w io.Writer, action guider.Action, limit int) (guider.Telemetry, error) {
	rt, err := r.start(ctx)
	if err != nil {
		return guider.Telemetry{}, err
	}
	defer rt.Close()

	updates, unsubscribe := rt.ctrl.Subscribe()
	defer unsubscribe()

	if err := rt.ctrl.Action(ctx, action); err != nil {
		return guider.Telemetry{}, err
	}

	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	var last guider.Telemetry
	for {
		select {
		case <-ctx.Done():
			return r.stop(rt, last)
		case u, ok := <-updates:
			if !ok {
				return last, dispatch.ErrStopped
			}
			printUpdate(w, u)
			if u.Telemetry != nil {
				last = *u.Telemetry
			}
		case <-poll.C:
			t, err := rt.ctrl.Telemetry(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return r.stop(rt, last)
				}
				return last, err
			}
			last = t
		}

		if last.Phase == "none" && last.Status == guider.StatusError.String() {
			return last, fmt.Errorf("%s failed: %s", action, last.Error)
		}
		if last.Phase == "none" && last.Status == guider.StatusOk.String() {
			return last, nil
		}
		if limit > 0 && last.Kind == guider.KindGuide && last.Iteration >= limit {
			return r.stop(rt, last)
		}
	}
}

func (r *Root) stop(rt *runtime, last guider.Telemetry) (guider.Telemetry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.ctrl.Action(ctx, guider.ActionAbort); err != nil {
		return last, err
	}
	return last, nil
}

func printUpdate(w io.Writer, u dispatch.Update) {
	switch {
	case u.Kind == "message":
		fmt.Fprintf(w, "[%s] %s\n", u.Level, u.Message)
	case u.Telemetry != nil && u.Telemetry.Kind == guider.KindGuide:
		t := u.Telemetry
		fmt.Fprintf(w, "#%-4d ra=%+6.2fpx de=%+6.2fpx  N=%-4d S=%-4d E=%-4d W=%-4d  rms=%.2f\"\n",
			t.Iteration, t.Drift.RA, t.Drift.DE,
			t.Pulses.N, t.Pulses.S, t.Pulses.E, t.Pulses.W, t.RMS.Total)
	case u.Telemetry != nil && u.Telemetry.Kind == guider.KindCalibration:
		t := u.Telemetry
		fmt.Fprintf(w, "calibrating %s step %d: dx=%+.2f dy=%+.2f\n", t.CalDirection, t.CalStep, t.DX, t.DY)
	}
}

// serve runs the guider with the HTTP and gRPC surfaces and hot-reloads
// guide parameters from the configuration file.
func (r *Root) serve(ctx context.Context, httpAddr, grpcAddr string, watch bool) error {
	rt, err := r.start(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	errCh := make(chan error, 3)
	if httpAddr != "" {
		srv := server.NewServer(httpAddr, rt.ctrl, r.store, r.log)
		go func() { errCh <- srv.Start(ctx) }()
	}
	if grpcAddr != "" {
		srv := grpcserver.New(rt.ctrl, r.log)
		go func() { errCh <- srv.Start(ctx, grpcAddr) }()
	}
	if watch && r.cfgPath != "" {
		go func() {
			err := config.Watch(ctx, r.cfgPath, r.log, func(c *config.Config) {
				p := c.Guide.Params()
				if err := p.Validate(); err != nil {
					r.log.Warn("reloaded guide parameters rejected", "error", err)
					return
				}
				if err := rt.ctrl.SetParams(ctx, p); err != nil {
					r.log.Warn("guide parameters not applied", "error", err)
				}
			})
			if err != nil {
				r.log.Warn("configuration watch stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// loadStars reads a star list: JSON as written by findstars --json, or an
// image analysed by the star detector.
func (r *Root) loadStars(path string) ([]triangle.Star, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var stars []triangle.Star
		if err := json.Unmarshal(data, &stars); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return stars, nil
	}
	return r.detect(path)
}
