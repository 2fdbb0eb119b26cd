// Command test-integration drives a full calibrate-and-guide run against the
// simulated mount and camera, backed by a real database, and reports how well
// the loop held the star.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/guider"
	"skyguide/internal/logging"
	"skyguide/internal/sim"
	"skyguide/internal/storage"
	"skyguide/internal/telemetry"
)

func main() {
	dbPath := flag.String("db", "test_integration.db", "database file")
	iterations := flag.Int("iterations", 50, "guide iterations to run")
	drift := flag.Float64("drift", 0.3, "simulated RA drift in px/s")
	rotation := flag.Float64("rotation", 25, "simulated camera rotation in degrees")
	flag.Parse()

	fmt.Println("Testing calibrate-and-guide against the simulator")

	logger := logging.New("info", "text")

	store, err := storage.New(*dbPath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Sim.TimeScale = 0
	cfg.Sim.DriftRA = *drift
	cfg.Sim.RotationDeg = *rotation

	loop := dispatch.New(logger, 256)
	dev := sim.New(cfg.Sim, cfg.Devices.Camera, cfg.Devices.Mount, logger)
	defer dev.Close()

	g := guider.New(guider.Config{
		Camera:          cfg.Devices.Camera,
		Mount:           cfg.Devices.Mount,
		ExposureSeconds: cfg.Exposure.Seconds,
		CalPulseMs:      cfg.Calibration.PulseMs,
		CalSteps:        cfg.Calibration.Steps,
		ReverseRA:       cfg.Guide.ReverseRA,
		ReverseDE:       cfg.Guide.ReverseDE,
		Params:          cfg.Guide.Params(),
	}, dev, dev, guider.Options{
		Logger:       logger,
		Observer:     loop,
		Calibrations: store,
		Sessions:     store,
	})
	dev.SetCompletions(loop.Completions(g))
	loop.OnTelemetryHook(telemetry.Hook(telemetry.NewStoreSink(store), logger))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	ctrl := dispatch.NewController(loop, g)
	if err := ctrl.Action(ctx, guider.ActionCalibrateAndGuide); err != nil {
		log.Fatal("Failed to start:", err)
	}

	var tel guider.Telemetry
	for tel.Kind != guider.KindGuide || tel.Iteration < *iterations {
		time.Sleep(20 * time.Millisecond)
		if tel, err = ctrl.Telemetry(ctx); err != nil {
			log.Fatal("Guider did not finish:", err)
		}
		if tel.Status == guider.StatusError.String() {
			log.Fatal("Run failed: ", tel.Error)
		}
	}
	_ = ctrl.Action(ctx, guider.ActionAbort)

	fmt.Printf("Calibration: %s\n", tel.Calibration)
	fmt.Printf("   Orientation: %.1f° (simulated %.1f°)\n", tel.Calibration.CCDOrientation*180/math.Pi, *rotation)
	fmt.Printf("Guided %d iterations\n", tel.Iteration)
	fmt.Printf("   RMS RA: %.2f\"  DE: %.2f\"  total: %.2f\"\n", tel.RMS.RA, tel.RMS.DE, tel.RMS.Total)

	samples, err := store.SessionSamples(tel.SessionID)
	if err != nil {
		log.Fatal("Failed to read samples:", err)
	}
	fmt.Printf("Recorded %d samples in session %d\n", len(samples), tel.SessionID)

	if math.Abs(tel.Drift.RA) > 3 || math.Abs(tel.Drift.DE) > 3 {
		fmt.Printf("Loop did not hold the star: drift %+v\n", tel.Drift)
		os.Exit(1)
	}
	fmt.Println("Test completed.")
}
