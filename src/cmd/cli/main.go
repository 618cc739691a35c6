package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"screenshotd/src/capture"
	"screenshotd/src/config"
	"screenshotd/src/ipc"
	"screenshotd/src/messages"
	"screenshotd/src/runtimeinit"
)

type cliOptions struct {
	portStart int
	portEnd   int
	timeout   time.Duration
	jsonOut   bool
	count     int
	wsAddr    string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(&cliOptions{}, out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "screenshotctl",
		Short:         "Control a running screenshotd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.IntVar(&opts.portStart, "port-start", 0, "First IPC port (default from config)")
	pf.IntVar(&opts.portEnd, "port-end", 0, "Last IPC port (default from config)")
	pf.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Request timeout")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print JSON")

	cmd.AddCommand(
		acceptanceCmd("capture", "Request a capture from a consumer", opts, out, ipc.Client.Capture),
		acceptanceCmd("trigger", "Trigger a screenshot (hotkey path)", opts, out, ipc.Client.Trigger),
		reconnectCmd(opts, out),
		listenCmd(opts, out),
		pingCmd(opts, out),
		dirCmd(opts, out),
		checkCmd(opts, out),
	)
	return cmd
}

func (o *cliOptions) config() (*config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		PortStartOverride: o.portStart,
		PortEndOverride:   o.portEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (o *cliOptions) client() (ipc.Client, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(ipc.PortRange{Start: cfg.PortStart, End: cfg.PortEnd}), nil
}

func acceptanceCmd(use, short string, opts *cliOptions, out io.Writer, call func(ipc.Client, context.Context) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			accepted, err := call(client, ctx)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return json.NewEncoder(out).Encode(messages.Accepted{Accepted: accepted})
			}
			if accepted {
				fmt.Fprintln(out, "accepted")
			} else {
				fmt.Fprintln(out, "busy: a capture is already in progress")
			}
			return nil
		},
	}
}

func reconnectCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Re-register the coordinator and replay a pending outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := client.Reconnect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

func listenCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Attach as the result sink and print outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			emit := func(m messages.Outcome) bool {
				printOutcome(out, m, opts.jsonOut)
				if opts.count <= 0 {
					return true
				}
				opts.count--
				return opts.count > 0
			}

			if opts.wsAddr != "" {
				return listenWebSocket(cmd.Context(), opts.wsAddr, emit)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			return client.Listen(cmd.Context(), emit)
		},
	}
	cmd.Flags().IntVar(&opts.count, "count", 0, "Exit after this many outcomes (0 = forever)")
	cmd.Flags().StringVar(&opts.wsAddr, "ws", "", "Listen over WebSocket at host:port instead of TCP")
	return cmd
}

// listenWebSocket attaches through the HTTP server's /ws endpoint.
func listenWebSocket(ctx context.Context, addr string, fn func(messages.Outcome) bool) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		var m messages.Outcome
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if !fn(m) {
			return nil
		}
	}
}

func printOutcome(out io.Writer, m messages.Outcome, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(out).Encode(m)
		return
	}
	if m.Type == messages.TypeSuccess {
		fmt.Fprintf(out, "saved %s\n", m.Path)
		return
	}
	fmt.Fprintf(out, "failed %s: %s\n", m.Code, m.Message)
}

func pingCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Report the resident's port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			port, err := client.Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "resident on port %d\n", port)
			return nil
		},
	}
}

func dirCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "dir",
		Short: "Print the screenshot directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, cfg.ScreenshotDir())
			return nil
		},
	}
}

type engineStatus struct {
	Engine    string `json:"engine"`
	Available bool   `json:"available"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func checkCmd(opts *cliOptions, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe capture engines on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			engines := runtimeinit.NewEngines(cfg, runtimeinit.NewStorage(cfg))
			statuses := probeEngines(cmd.Context(), engines)
			if opts.jsonOut {
				return json.NewEncoder(out).Encode(statuses)
			}
			for _, s := range statuses {
				if s.Available {
					fmt.Fprintf(out, "%-14s available\n", s.Engine)
				} else {
					fmt.Fprintf(out, "%-14s unavailable (%s: %s)\n", s.Engine, s.Code, s.Reason)
				}
			}
			return nil
		},
	}
}

func probeEngines(ctx context.Context, engines []capture.Engine) []engineStatus {
	statuses := make([]engineStatus, 0, len(engines))
	for _, e := range engines {
		s := engineStatus{Engine: e.Name(), Available: true}
		if perr := capture.Probe(ctx, e); perr != nil {
			s.Available = false
			s.Code = perr.Kind.Code()
			s.Reason = perr.Message()
		}
		statuses = append(statuses, s)
	}
	return statuses
}
