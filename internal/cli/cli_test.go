package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/guider"
	"skyguide/internal/logging"
	"skyguide/internal/storage"
	"skyguide/internal/triangle"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exposure.Seconds = 1
	cfg.Calibration.Steps = 2
	cfg.Sim.TimeScale = 0
	cfg.Sim.PEAmplitude = 0
	cfg.Sim.Stars = 8
	return cfg
}

func newTestRoot(t *testing.T, withStore bool) *Root {
	t.Helper()
	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.New(filepath.Join(t.TempDir(), "skyguide.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}
	return NewRoot(testConfig(), "/tmp/skyguide.json", logging.Discard(), store)
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCalibrateStoresResult(t *testing.T) {
	root := newTestRoot(t, true)

	out, err := execute(t, root, "calibrate", "--duration", "10s")
	if err != nil {
		t.Fatalf("calibrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "calibration: ") {
		t.Fatalf("expected a calibration summary, got:\n%s", out)
	}

	cal, err := root.store.LoadCalibration()
	if err != nil {
		t.Fatal(err)
	}
	if cal.IsZero() || !cal.ReverseRA || !cal.ReverseDE {
		t.Fatalf("expected a stored calibration with reversal flags, got %+v", cal)
	}

	out, err = execute(t, root, "calibration", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "reverse ra=true de=true") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	if _, err := execute(t, root, "calibration", "reset"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	out, _ = execute(t, root, "calibration", "show")
	if !strings.Contains(out, "not calibrated") {
		t.Fatalf("expected reset calibration, got:\n%s", out)
	}

	out, err = execute(t, root, "calibration", "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Fatalf("expected the calibration and its reset in the history, got:\n%s", out)
	}

	out, err = execute(t, root, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "init-cal") || !strings.Contains(out, "ok") {
		t.Fatalf("expected the calibration session to be listed, got:\n%s", out)
	}
}

func TestCalGuideStopsAfterIterations(t *testing.T) {
	root := newTestRoot(t, false)

	out, err := execute(t, root, "calguide", "--iterations", "5", "--duration", "20s")
	if err != nil {
		t.Fatalf("calguide: %v\n%s", err, out)
	}
	if !strings.Contains(out, "guided ") {
		t.Fatalf("expected a guiding summary, got:\n%s", out)
	}
}

func TestDurationEndsGuideRunCleanly(t *testing.T) {
	root := newTestRoot(t, true)

	out, err := execute(t, root, "calguide", "--duration", "500ms")
	if err != nil {
		t.Fatalf("calguide: %v\n%s", err, out)
	}

	sessions, err := root.store.RecentSessions(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if s := sessions[0]; s.EndedAt == nil || s.Status != "ok" {
		t.Fatalf("expected the aborted session to be closed, got %+v", s)
	}
}

func TestDefaultConfigKeepsStarLocked(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the simulator in scaled real time")
	}
	root := NewRoot(config.Default(), "", logging.Discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	last, err := root.runUntil(ctx, io.Discard, guider.ActionCalibrateAndGuide, 15)
	if err != nil {
		t.Fatalf("calguide: %v", err)
	}
	if last.Kind != guider.KindGuide || last.Iteration < 15 {
		t.Fatalf("expected to reach the iteration limit, got %+v", last)
	}
	if math.Abs(last.Drift.RA) > 2 || math.Abs(last.Drift.DE) > 2 {
		t.Fatalf("star drifted away with the default configuration: %+v", last.Drift)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	root := newTestRoot(t, false)
	root.cfg.Exposure.Seconds = 0

	if _, err := execute(t, root, "calibrate"); err == nil || !strings.Contains(err.Error(), "exposure.seconds") {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestCalibrationCommandsWithoutStore(t *testing.T) {
	root := newTestRoot(t, false)

	out, err := execute(t, root, "calibration", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "not calibrated") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := execute(t, root, "calibration", "reset"); err == nil {
		t.Fatalf("expected reset to fail without a database")
	}
	if _, err := execute(t, root, "sessions"); err == nil {
		t.Fatalf("expected sessions to fail without a database")
	}
}

func writeStars(t *testing.T, path string, stars []triangle.Star) {
	t.Helper()
	data, err := json.Marshal(stars)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMatchStarLists(t *testing.T) {
	root := newTestRoot(t, false)
	root.detect = func(string) ([]triangle.Star, error) {
		t.Fatalf("JSON star lists must not go through the detector")
		return nil, nil
	}

	ref := []triangle.Star{{X: 100, Y: 100}, {X: 400, Y: 150}, {X: 250, Y: 420}, {X: 610, Y: 505}}
	cur := make([]triangle.Star, len(ref))
	for i, s := range ref {
		cur[i] = triangle.Star{X: s.X + 3, Y: s.Y - 2}
	}
	dir := t.TempDir()
	refPath := filepath.Join(dir, "ref.json")
	curPath := filepath.Join(dir, "cur.json")
	writeStars(t, refPath, ref)
	writeStars(t, curPath, cur)

	out, err := execute(t, root, "match", refPath, curPath)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !strings.Contains(out, "matched 4 stars") || !strings.Contains(out, "dx=-3.000 dy=+2.000") {
		t.Fatalf("unexpected match output:\n%s", out)
	}
}

func TestFindStarsUsesDetector(t *testing.T) {
	root := newTestRoot(t, false)
	root.detect = func(path string) ([]triangle.Star, error) {
		if path != "frame.fits" {
			t.Fatalf("unexpected path %q", path)
		}
		return []triangle.Star{{X: 10, Y: 20, Flux: 500, HFR: 1.5}}, nil
	}

	out, err := execute(t, root, "findstars", "--json", "frame.fits")
	if err != nil {
		t.Fatalf("findstars: %v", err)
	}
	var stars []triangle.Star
	if err := json.Unmarshal([]byte(out), &stars); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", out, err)
	}
	if len(stars) != 1 || stars[0].X != 10 {
		t.Fatalf("unexpected stars %+v", stars)
	}
}

type stubClient struct {
	actions []string
	closed  bool
}

func (c *stubClient) Action(_ context.Context, action string) (map[string]any, error) {
	c.actions = append(c.actions, action)
	return map[string]any{"action": action, "status": "busy", "phase": "init"}, nil
}

func (c *stubClient) Telemetry(context.Context) (guider.Telemetry, error) {
	return guider.Telemetry{Kind: guider.KindStatus, Status: "idle", Phase: "none"}, nil
}

func (c *stubClient) Watch(_ context.Context, fn func(dispatch.Update) error) error {
	return fn(dispatch.Update{Kind: "message", Level: "INFO", Message: "hello"})
}

func (c *stubClient) Close() error {
	c.closed = true
	return nil
}

func TestCtlUsesClient(t *testing.T) {
	root := newTestRoot(t, false)
	client := &stubClient{}
	var dialed string
	root.dial = func(addr string) (controlClient, error) {
		dialed = addr
		return client, nil
	}

	out, err := execute(t, root, "ctl", "CalGuide")
	if err != nil {
		t.Fatalf("ctl: %v", err)
	}
	if dialed != "localhost:8643" {
		t.Fatalf("expected the configured gRPC address, got %q", dialed)
	}
	if len(client.actions) != 1 || client.actions[0] != "calguide" || !client.closed {
		t.Fatalf("unexpected client use %+v", client)
	}
	if !strings.Contains(out, "calguide: status=busy phase=init") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = execute(t, root, "ctl", "status")
	if err != nil || !strings.Contains(out, `"status": "idle"`) {
		t.Fatalf("status: %v %q", err, out)
	}

	out, err = execute(t, root, "ctl", "watch")
	if err != nil || !strings.Contains(out, "[INFO] hello") {
		t.Fatalf("watch: %v %q", err, out)
	}

	if _, err := execute(t, root, "ctl", "warp"); err == nil {
		t.Fatalf("expected an unknown action error")
	}

	root.dial = func(string) (controlClient, error) { return nil, errors.New("refused") }
	if _, err := execute(t, root, "ctl", "abort"); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("expected the dial error, got %v", err)
	}
}

func TestConfigCommands(t *testing.T) {
	root := newTestRoot(t, false)

	out, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown config.Config
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("expected JSON config: %v", err)
	}
	if shown.Devices.Camera != root.cfg.Devices.Camera {
		t.Fatalf("unexpected config %+v", shown.Devices)
	}

	out, _ = execute(t, root, "config", "path")
	if strings.TrimSpace(out) != "/tmp/skyguide.json" {
		t.Fatalf("unexpected path %q", out)
	}

	if out, err := execute(t, root, "config", "validate"); err != nil || !strings.Contains(out, "configuration ok") {
		t.Fatalf("validate: %v %q", err, out)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{
		// comments are allowed
		"guide": {"pulse_min": 500, "pulse_max": 100}
	}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, root, "config", "validate", bad); err == nil || !strings.Contains(err.Error(), "pulse_min") {
		t.Fatalf("expected a pulse range error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, newTestRoot(t, false), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "skyguide "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}
