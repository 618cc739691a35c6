package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"screenshotd/src/capture"
	"screenshotd/src/config"
	"screenshotd/src/ipc"
	"screenshotd/src/logutil"
	"screenshotd/src/runtimeinit"
)

const superviseInterval = 5 * time.Second

type mainOptions struct {
	once         bool
	picturesRoot string
	portStart    int
	portEnd      int
	timeout      time.Duration
}

// captureClient is the part of ipc.Client --once delegates through.
type captureClient interface {
	Capture(ctx context.Context) (bool, error)
}

func main() {
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(normalizeLegacyArgs(os.Args)[1:])
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(opts *mainOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "screenshotd",
		Short:         "Resident screenshot capture service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.once {
				return runOnce(*opts)
			}
			return runResident(*opts)
		},
	}

	cmd.Flags().BoolVar(&opts.once, "once", false, "Capture once via the resident (or standalone) and exit")
	cmd.Flags().StringVar(&opts.picturesRoot, "pictures-root", "", "Override the pictures root directory")
	cmd.Flags().IntVar(&opts.portStart, "port-start", 0, "Override the first IPC port")
	cmd.Flags().IntVar(&opts.portEnd, "port-end", 0, "Override the last IPC port")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long --once waits for an outcome")

	return cmd
}

func (o mainOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{
		PicturesRootOverride: o.picturesRoot,
		PortStartOverride:    o.portStart,
		PortEndOverride:      o.portEnd,
	}
}

func runResident(opts mainOptions) error {
	// Load .env early so the port range is known for pre-flight.
	cfg, err := config.LoadWithOptions(opts.loadOptions())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	portRange := ipc.PortRange{Start: cfg.PortStart, End: cfg.PortEnd}.Normalize()
	if err := preflight(portRange.Start); err != nil {
		fmt.Printf("one is already running on port %d\n", portRange.Start)
		return err
	}

	rt, err := runtimeinit.Bootstrap(runtimeinit.Options{
		LoadOptions:  opts.loadOptions(),
		SetupLogging: setupLogging,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(); err != nil {
		rt.Close()
		return err
	}
	go rt.Manager.Supervise(ctx, superviseInterval)

	<-ctx.Done()
	slog.Info("shutting down")
	rt.Close()
	return nil
}

// preflight fails when the start port is taken, meaning a resident already exists.
func preflight(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		slog.Info("pre-flight: port busy, resident already exists", "port", port)
		return fmt.Errorf("port %d busy: %w", port, err)
	}
	// Released so the IPC server can re-bind.
	_ = lis.Close()
	return nil
}

func runOnce(opts mainOptions) error {
	cfg, err := config.LoadWithOptions(opts.loadOptions())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	client := ipc.NewClient(ipc.PortRange{Start: cfg.PortStart, End: cfg.PortEnd})
	return handleOnceWithDelegation(opts.timeout, client, func() error {
		return captureStandalone(opts)
	})
}

// handleOnceWithDelegation asks the resident to capture and falls back to
// a standalone capture when there is no resident.
func handleOnceWithDelegation(timeout time.Duration, client captureClient, fallback func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	accepted, err := client.Capture(ctx)
	switch {
	case errors.Is(err, ipc.ErrNoResident):
		slog.Info("no resident detected, capturing standalone")
		return fallback()
	case err != nil:
		slog.Warn("delegation failed, capturing standalone", "error", err)
		return fallback()
	case !accepted:
		return errors.New("resident is busy with another capture")
	}
	slog.Info("capture delegated to resident")
	return nil
}

func captureStandalone(opts mainOptions) error {
	rt, err := runtimeinit.Bootstrap(runtimeinit.Options{
		LoadOptions:  opts.loadOptions(),
		SetupLogging: setupLogging,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	outcomes, err := rt.Bus.Subscribe("once", 1)
	if err != nil {
		return err
	}
	if !rt.Coordinator.RequestCapture() {
		return errors.New("capture already in progress")
	}

	select {
	case o := <-outcomes:
		return report(o)
	case <-time.After(opts.timeout):
		return fmt.Errorf("no outcome within %s", opts.timeout)
	}
}

func report(o capture.Outcome) error {
	if !o.OK() {
		return o.Err
	}
	fmt.Println(o.Path)
	return nil
}

func setupLogging(cfg *config.Config) {
	dir := cfg.ScreenshotDir()
	if exe, err := os.Executable(); err == nil {
		dir = filepath.Dir(exe)
	}
	logutil.Setup(logutil.Options{
		EnableFile: cfg.EnableFileLogging,
		Dir:        dir,
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
	})
}

// normalizeLegacyArgs maps single-dash long flags to cobra's double-dash form.
func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return []string{"screenshotd"}
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		for _, name := range []string{"once", "pictures-root", "port-start", "port-end", "timeout"} {
			single := "-" + name
			if arg == single || strings.HasPrefix(arg, single+"=") {
				normalized[i] = "-" + arg
				break
			}
		}
	}

	return normalized
}
