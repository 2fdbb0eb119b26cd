package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
	"skyguide/internal/logging"
	"skyguide/internal/sim"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Sim.TimeScale = 0

	loop := dispatch.New(logging.Discard(), 16)
	dev := sim.New(cfg.Sim, "cam", "mount", logging.Discard())
	g := guider.New(guider.Config{
		Camera:          "cam",
		Mount:           "mount",
		ExposureSeconds: 1,
		CalPulseMs:      500,
		CalSteps:        2,
		Params:          cfg.Guide.Params(),
	}, dev, dev, guider.Options{Observer: loop})
	dev.SetCompletions(loop.Completions(g))

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	lis := bufconn.Listen(1 << 20)
	srv := New(dispatch.NewController(loop, g), logging.Discard())
	go srv.Serve(ctx, lis)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		dev.Close()
		cancel()
		loop.Stop()
	})
	return client
}

func TestActionAndTelemetry(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tel, err := c.Telemetry(ctx)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if tel.Status != "idle" || tel.Kind != guider.KindStatus {
		t.Fatalf("unexpected telemetry %+v", tel)
	}

	res, err := c.Action(ctx, "resetcal")
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if res["action"] != "resetcal" {
		t.Fatalf("unexpected action response %v", res)
	}

	if _, err := c.Action(ctx, "warp"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := c.Action(ctx, "resume"); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestSetParams(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bad := guide.Params{PulseMin: 100, PulseMax: 10, RMSWindow: 5}
	if err := c.SetParams(ctx, bad); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	good := guide.Params{RAAggressiveness: 0.6, DEAggressiveness: 0.6, PulseMin: 10, PulseMax: 1500, Sampling: 1.2, RMSWindow: 50}
	if err := c.SetParams(ctx, good); err != nil {
		t.Fatalf("set params: %v", err)
	}
}

func TestWatchStartsWithLatestSnapshot(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	var got []dispatch.Update
	err := c.Watch(ctx, func(u dispatch.Update) error {
		got = append(got, u)
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if len(got) != 1 || got[0].Kind != "telemetry" || got[0].Telemetry == nil {
		t.Fatalf("expected one telemetry update, got %+v", got)
	}
}

func TestStructRoundTrip(t *testing.T) {
	in := guide.Params{RAAggressiveness: 0.75, PulseMin: 20, PulseMax: 800, DisableDEPlus: true, RMSWindow: 12}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatal(err)
	}
	if s.GetFields()["pulseMax"].GetNumberValue() != 800 {
		t.Fatalf("expected JSON field names in the struct, got %v", s.AsMap())
	}
	var out guide.Params
	if err := FromStruct(s, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}
