package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"screenshotd/src/config"
	"screenshotd/src/ipc"
)

type stressOptions struct {
	n        int
	mode     string
	deadline time.Duration
}

type result struct {
	accepted int32
	busy     int32
	errs     int32
	elapsed  time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	return cmd.Execute()
}

func newRootCmd(opts *stressOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stress-capture",
		Short:         "Fire concurrent capture requests at the resident",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			client := ipc.NewClient(ipc.PortRange{Start: cfg.PortStart, End: cfg.PortEnd})
			return runWithOptions(*opts, client, os.Stdout)
		},
	}

	cmd.Flags().IntVar(&opts.n, "n", 50, "number of concurrent clients")
	cmd.Flags().StringVar(&opts.mode, "mode", "capture", "capture|trigger: consumer request or hotkey path")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 5*time.Second, "per-client timeout")

	return cmd
}

func runWithOptions(opts stressOptions, client ipc.Client, out io.Writer) error {
	var send func(context.Context) (bool, error)
	switch opts.mode {
	case "capture":
		send = client.Capture
	case "trigger":
		send = client.Trigger
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	r := fire(opts.n, opts.deadline, send)
	fmt.Fprintf(out, "launched=%d accepted=%d busy=%d err=%d elapsed=%s\n", opts.n, r.accepted, r.busy, r.errs, r.elapsed)
	return nil
}

func fire(n int, deadline time.Duration, send func(context.Context) (bool, error)) result {
	var wg sync.WaitGroup
	var r result

	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()
			accepted, err := send(ctx)
			switch {
			case err != nil:
				atomic.AddInt32(&r.errs, 1)
			case accepted:
				atomic.AddInt32(&r.accepted, 1)
			default:
				atomic.AddInt32(&r.busy, 1)
			}
		}()
	}
	wg.Wait()
	r.elapsed = time.Since(start)
	return r
}
