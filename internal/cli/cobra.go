package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/signal"
	"syscall"
	"time"

	"skyguide/internal/config"
	"skyguide/internal/dispatch"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
	"skyguide/internal/storage"
	"skyguide/internal/triangle"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, cfgPath string, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, cfgPath, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skyguide",
		Short: "Skyguide is a closed-loop telescope autoguider",
		Long: `Skyguide measures guide-star drift against a reference frame, calibrates
the mount pulse rates and issues timed correction pulses.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root, "calibrate", guider.ActionCalibrateOnly,
		"Calibrate the mount pulse rates", false))
	rootCmd.AddCommand(newRunCmd(root, "guide", guider.ActionGuideOnly,
		"Guide with the stored calibration, calibrating first when none is stored", true))
	rootCmd.AddCommand(newRunCmd(root, "calguide", guider.ActionCalibrateAndGuide,
		"Calibrate, then guide", true))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newCtlCmd(root))
	rootCmd.AddCommand(newFindStarsCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newCalibrationCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd(root *Root, use string, action guider.Action, short string, guiding bool) *cobra.Command {
	var (
		iterations int
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

Devices are simulated according to the "sim" configuration section.
Guiding runs until interrupted, --iterations corrections were sent, or
--duration elapsed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}

			w := cmd.OutOrStdout()
			last, err := root.runUntil(ctx, w, action, iterations)
			if err != nil {
				return err
			}
			if !last.Calibration.IsZero() {
				fmt.Fprintf(w, "calibration: %s\n", last.Calibration)
			}
			if last.Iteration > 0 {
				fmt.Fprintf(w, "guided %d iterations, rms ra=%.2f\" de=%.2f\" total=%.2f\"\n",
					last.Iteration, last.RMS.RA, last.RMS.DE, last.RMS.Total)
			}
			return nil
		},
	}

	if guiding {
		cmd.Flags().IntVarP(&iterations, "iterations", "n", 0, "stop after this many guide iterations (0 = unlimited)")
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		httpAddr string
		grpcAddr string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guider with HTTP, WebSocket and gRPC control",
		Long: `Run the guider and expose it over HTTP (REST, SSE, WebSocket) and gRPC.

Examples:
  # Default addresses from the configuration
  skyguide serve

  # HTTP only
  skyguide serve --http :8080 --grpc ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			root.log.Info("starting server",
				"http_addr", httpAddr,
				"grpc_addr", grpcAddr,
				"config", root.cfgPath,
			)
			return root.serve(ctx, httpAddr, grpcAddr, !noWatch)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address (empty disables)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload guide parameters when the config file changes")
	return cmd
}

func newCtlCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ctl <action|status|watch>",
		Short: "Control a running skyguide server over gRPC",
		Long: fmt.Sprintf(`Send an action to a running server, print its status, or follow its updates.

Actions: %v`, guider.Actions),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := root.dial(addr)
			if err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			defer client.Close()

			w := cmd.OutOrStdout()
			switch args[0] {
			case "status":
				t, err := client.Telemetry(ctx)
				if err != nil {
					return err
				}
				return printJSON(w, t)
			case "watch":
				return client.Watch(ctx, func(u dispatch.Update) error {
					printUpdate(w, u)
					return nil
				})
			}

			a, err := guider.ParseAction(args[0])
			if err != nil {
				return err
			}
			res, err := client.Action(ctx, string(a))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: status=%v phase=%v\n", a, res["status"], res["phase"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", grpcTarget(root.cfg.Server.GRPCAddr), "gRPC server address")
	return cmd
}

// grpcTarget turns a listen address such as ":8643" into a dialable target.
func grpcTarget(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}

func newFindStarsCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "findstars <image>",
		Short: "Detect stars in an image, brightest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stars, err := root.detect(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, stars)
			}
			fmt.Fprintf(w, "%d stars\n", len(stars))
			for i, s := range stars {
				fmt.Fprintf(w, "%3d  x=%8.2f y=%8.2f flux=%10.2f hfr=%5.2f\n", i+1, s.X, s.Y, s.Flux, s.HFR)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the star list as JSON")
	return cmd
}

func newMatchCmd(root *Root) *cobra.Command {
	var orientationDeg float64

	cmd := &cobra.Command{
		Use:   "match <reference> <current>",
		Short: "Measure the drift between two frames",
		Long: `Match the star triangles of two frames and print their displacement.
Each frame is an image or a JSON star list written by "findstars --json".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := root.loadStars(args[0])
			if err != nil {
				return err
			}
			cur, err := root.loadStars(args[1])
			if err != nil {
				return err
			}
			m, err := triangle.MatchIndexes(triangle.BuildIndexes(ref), triangle.BuildIndexes(cur))
			if err != nil {
				return err
			}
			d := guide.Rotate(m.DX, m.DY, orientationDeg*math.Pi/180)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "matched %d stars\n", m.Count)
			fmt.Fprintf(w, "dx=%+.3f dy=%+.3f px\n", m.DX, m.DY)
			fmt.Fprintf(w, "ra=%+.3f de=%+.3f px (orientation %.1f°)\n", d.RA, d.DE, orientationDeg)
			return nil
		},
	}

	cmd.Flags().Float64Var(&orientationDeg, "orientation", 0, "CCD orientation in degrees for the axis projection")
	return cmd
}

func newCalibrationCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibration",
		Short: "Show, reset or list stored calibrations",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cal, err := root.store.LoadCalibration()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cal.IsZero() {
				fmt.Fprintln(w, "not calibrated")
				return nil
			}
			fmt.Fprintln(w, cal.String())
			fmt.Fprintf(w, "reverse ra=%t de=%t, calibrated %s\n",
				cal.ReverseRA, cal.ReverseDE, cal.CalibratedAt.Local().Format(time.RFC3339))
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the stored pulse constants and reversal flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no database configured")
			}
			if err := root.store.ResetCalibration(); err != nil {
				return err
			}
			root.log.Info("calibration reset")
			fmt.Fprintln(cmd.OutOrStdout(), "calibration reset")
			return nil
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List previous calibrations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := root.store.CalibrationHistory(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, cal := range hist {
				fmt.Fprintf(w, "%s  %s\n", cal.CalibratedAt.Local().Format(time.DateTime), cal)
			}
			return nil
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 10, "number of calibrations to list")

	cmd.AddCommand(showCmd, resetCmd, historyCmd)
	return cmd
}

func newSessionsCmd(root *Root) *cobra.Command {
	var (
		limit   int
		samples int64
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded guide sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if samples > 0 {
				rows, err := root.store.SessionSamples(samples)
				if err != nil {
					return err
				}
				return printJSON(w, rows)
			}
			recs, err := root.store.RecentSessions(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				ended := "running"
				if rec.EndedAt != nil {
					ended = rec.EndedAt.Sub(rec.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%4d  %-15s %-6s %-10s %s %s\n", rec.ID, rec.Plan, rec.Status, ended,
					rec.StartedAt.Local().Format(time.DateTime), rec.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to list")
	cmd.Flags().Int64Var(&samples, "samples", 0, "print the guide samples of this session as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
