package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"skyguide/internal/config"
	"skyguide/internal/guider"
	"skyguide/internal/storage"
)

// Sink consumes guider snapshots. Write runs on the dispatch loop goroutine
// and must not block on the network.
type Sink interface {
	Write(t guider.Telemetry) error
	Close() error
}

// Point converts a snapshot to an InfluxDB point. Only guide and calibration
// snapshots produce points.
func Point(measurement string, t guider.Telemetry) (*influxdb2_write.Point, bool) {
	switch t.Kind {
	case guider.KindGuide:
		p := influxdb2_write.NewPointWithMeasurement(measurement)
		p.AddTag("kind", "guide")
		p.AddTag("pier_west", fmt.Sprint(t.PierWest))
		p.AddField("session", t.SessionID)
		p.AddField("iteration", t.Iteration)
		p.AddField("dx", t.DX)
		p.AddField("dy", t.DY)
		p.AddField("drift_ra", t.Drift.RA)
		p.AddField("drift_de", t.Drift.DE)
		p.AddField("pulse_n", t.Pulses.N)
		p.AddField("pulse_s", t.Pulses.S)
		p.AddField("pulse_e", t.Pulses.E)
		p.AddField("pulse_w", t.Pulses.W)
		p.AddField("rms_ra", t.RMS.RA)
		p.AddField("rms_de", t.RMS.DE)
		p.AddField("rms_total", t.RMS.Total)
		p.AddField("dec_factor", t.DecFactor)
		p.AddField("stars", t.Stars)
		p.AddField("matched", t.Matched)
		p.SetTime(t.Time)
		return p, true
	case guider.KindCalibration:
		p := influxdb2_write.NewPointWithMeasurement(measurement)
		p.AddTag("kind", "calibration")
		p.AddTag("direction", t.CalDirection)
		p.AddField("session", t.SessionID)
		p.AddField("step", t.CalStep)
		p.AddField("dx", t.DX)
		p.AddField("dy", t.DY)
		p.AddField("stars", t.Stars)
		p.AddField("matched", t.Matched)
		p.SetTime(t.Time)
		return p, true
	}
	return nil, false
}

// InfluxSink streams guide steps to InfluxDB through the non-blocking write API.
type InfluxSink struct {
	client      influxdb2.Client
	writer      influxdb2_api.WriteAPI
	measurement string
	log         *slog.Logger
	done        chan struct{}
}

// NewInflux connects to the configured server. The server must answer a ping.
func NewInflux(ctx context.Context, cfg config.Telemetry, logger *slog.Logger) (*InfluxSink, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(1000))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	running, err := client.Ping(ctx)
	if err != nil || !running {
		client.Close()
		if err == nil {
			err = errors.New("server not ready")
		}
		return nil, fmt.Errorf("influxdb %s: %w", cfg.URL, err)
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "guide_step"
	}
	s := &InfluxSink{
		client:      client,
		writer:      client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: measurement,
		log:         logger,
		done:        make(chan struct{}),
	}
	go s.drainErrors(s.writer.Errors())
	logger.Info("influxdb telemetry enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

func (s *InfluxSink) drainErrors(errs <-chan error) {
	defer close(s.done)
	for err := range errs {
		s.log.Error("influxdb write failed", "error", err)
	}
}

// Write implements Sink.
func (s *InfluxSink) Write(t guider.Telemetry) error {
	if p, ok := Point(s.measurement, t); ok {
		s.writer.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.writer.Flush()
	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return nil
}

// SampleRecorder is the persistence side of StoreSink.
type SampleRecorder interface {
	RecordSample(storage.Sample) error
}

// StoreSink persists guide iterations.
type StoreSink struct {
	rec SampleRecorder
}

// NewStoreSink writes samples through rec.
func NewStoreSink(rec SampleRecorder) *StoreSink { return &StoreSink{rec: rec} }

// Sample converts a guide snapshot to a storage row.
func Sample(t guider.Telemetry) storage.Sample {
	return storage.Sample{
		SessionID: t.SessionID,
		Iteration: t.Iteration,
		Time:      t.Time,
		DX:        t.DX,
		DY:        t.DY,
		DriftRA:   t.Drift.RA,
		DriftDE:   t.Drift.DE,
		PulseN:    t.Pulses.N,
		PulseS:    t.Pulses.S,
		PulseE:    t.Pulses.E,
		PulseW:    t.Pulses.W,
		RMSRA:     t.RMS.RA,
		RMSDE:     t.RMS.DE,
		RMSTotal:  t.RMS.Total,
		Stars:     t.Stars,
		Matched:   t.Matched,
	}
}

// Write implements Sink.
func (s *StoreSink) Write(t guider.Telemetry) error {
	if t.Kind != guider.KindGuide || t.SessionID == 0 {
		return nil
	}
	return s.rec.RecordSample(Sample(t))
}

// Close implements Sink.
func (s *StoreSink) Close() error { return nil }

// Multi fans a snapshot out to every sink.
type Multi []Sink

// Write implements Sink. Every sink is written even when one fails.
func (m Multi) Write(t guider.Telemetry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hook adapts a sink to dispatch.Loop.OnTelemetryHook, logging failures.
func Hook(s Sink, logger *slog.Logger) func(guider.Telemetry) {
	return func(t guider.Telemetry) {
		if err := s.Write(t); err != nil {
			logger.Warn("telemetry sink failed", "kind", t.Kind, "error", err)
		}
	}
}
