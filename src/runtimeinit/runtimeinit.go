// Package runtimeinit loads configuration, sets up logging and wires the
// resident service's component graph.
package runtimeinit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"screenshotd/src/broadcast"
	"screenshotd/src/capture"
	"screenshotd/src/config"
	"screenshotd/src/coordinator"
	"screenshotd/src/delivery"
	"screenshotd/src/hotkey"
	"screenshotd/src/ipc"
	"screenshotd/src/lifecycle"
	"screenshotd/src/notification"
	"screenshotd/src/screenshot"
	"screenshotd/src/server"
	"screenshotd/src/storage"
)

type Options struct {
	LoadOptions  config.LoadOptions
	SetupLogging func(*config.Config)
}

// Runtime is the assembled service.
type Runtime struct {
	Config      *config.Config
	Bus         *broadcast.Bus
	Results     *delivery.Channel
	Storage     *storage.Writer
	Engines     []capture.Engine
	Coordinator *coordinator.Coordinator
	IPC         ipc.Server
	HTTP        *server.Server
	Notifier    notification.Notifier
	Manager     *lifecycle.Manager
}

// LoadConfig loads configuration and sets up logging.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.SetupLogging != nil {
		opts.SetupLogging(cfg)
	}
	return cfg, nil
}

func Bootstrap(opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Bus: broadcast.NewBus()}
	rt.Notifier = NewNotifier(cfg)
	rt.Results = delivery.NewChannel(delivery.Options{Timeout: cfg.DeliveryTimeout, Broadcast: rt.Bus})
	rt.Storage = NewStorage(cfg)
	rt.Engines = NewEngines(cfg, rt.Storage)

	portRange := ipc.PortRange{Start: cfg.PortStart, End: cfg.PortEnd}
	rt.IPC = ipc.NewServer(portRange, rt.Results)
	rt.HTTP = server.New(rt.Results, rt.Bus)

	rt.Coordinator = coordinator.New(coordinator.Options{
		Engines:     rt.Engines,
		Storage:     rt.Storage,
		Results:     rt.Results,
		Notifier:    rt.Notifier,
		Registries:  []coordinator.Binder{rt.IPC, rt.HTTP},
		SettleDelay: cfg.SettleDelay,
	})

	rt.Manager = lifecycle.NewManager(lifecycle.Options{
		Notifier: rt.Notifier,
		Presence: fmt.Sprintf("Ready to capture (port %d)", portRange.Normalize().Start),
		StartGap: 100 * time.Millisecond,
	})
	for _, c := range rt.components() {
		if err := rt.Manager.Register(c); err != nil {
			return nil, err
		}
	}

	slog.Info("screenshot service initialized",
		"dir", cfg.ScreenshotDir(), "ports", portRange.Normalize().String(),
		"http", cfg.HTTPAddr, "hotkey", cfg.Hotkey)
	return rt, nil
}

// Start starts every component and makes the coordinator reachable.
func (rt *Runtime) Start() error {
	if err := rt.Manager.StartAll(); err != nil {
		return err
	}
	rt.Coordinator.Reconnect()
	return nil
}

// Close stops components, waits for the in-flight capture and releases resources.
func (rt *Runtime) Close() {
	rt.Manager.StopAll()
	rt.Coordinator.Close()
	rt.Results.Close()
	rt.Bus.Shutdown()
}

func (rt *Runtime) components() []lifecycle.Component {
	comps := []lifecycle.Component{
		lifecycle.Func("ipc", func(ctx context.Context) error {
			if err := rt.IPC.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return rt.IPC.Close()
		}),
	}

	if addr := rt.Config.HTTPAddr; addr != "" {
		comps = append(comps, lifecycle.Func("http", func(ctx context.Context) error {
			return serveHTTP(ctx, addr, rt.HTTP.Handler())
		}))
	}

	if combo := rt.Config.Hotkey; combo != "" {
		comps = append(comps, lifecycle.Func("hotkey", func(ctx context.Context) error {
			return hotkey.Listen(ctx, combo, func() {
				if !rt.Coordinator.TriggerScreenshot() {
					slog.Info("hotkey ignored, capture already in progress")
				}
			})
		}))
	}
	return comps
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// NewStorage builds the screenshot writer with the configured media index mechanisms.
func NewStorage(cfg *config.Config) *storage.Writer {
	var indexers []storage.Indexer
	if len(cfg.MediaScanCommand) > 0 {
		indexers = append(indexers, storage.CommandIndexer{Argv: cfg.MediaScanCommand})
	}
	if cfg.MediaIndexDBus {
		indexers = append(indexers, storage.NewTrackerIndexer())
	}
	return storage.New(cfg.PicturesRoot, cfg.PicturesSubdir, storage.WithIndexers(indexers...))
}

// NewEngines returns the capture engines in priority order: privileged first,
// accessibility as the fallback.
func NewEngines(cfg *config.Config, persist capture.Persister) []capture.Engine {
	priv := capture.NewPrivileged(cfg.ElevateCommand, cfg.ScreencapPath)
	priv.ProbeTimeout = cfg.ProbeTimeout
	priv.CaptureTimeout = cfg.PrivilegedTimeout

	acc := &capture.Accessibility{
		Grabber: screenshot.NewGrabber(),
		Persist: persist,
		Versions: capture.PlatformVersion{
			Override: cfg.PlatformVersion,
			Command:  cfg.PlatformVersionCommand,
		},
		Permission: capture.SettingsPermission{
			Component: cfg.AccessibilityService,
			File:      cfg.AccessibilityFile,
			Command:   cfg.AccessibilityCommand,
		},
		MinVersion: cfg.MinAccessibility,
		Timeout:    cfg.CaptureTimeout,
	}
	return []capture.Engine{priv, acc}
}

// NewNotifier returns the desktop notifier, falling back to the log.
func NewNotifier(cfg *config.Config) notification.Notifier {
	if !cfg.Notifications {
		return notification.Log{}
	}
	return notification.Fallback{Primary: notification.NewDBus("screenshotd"), Secondary: notification.Log{}}
}
