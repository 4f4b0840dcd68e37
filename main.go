package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/device"
	"github.com/live-link/pkg/discovery"
	"github.com/live-link/pkg/editor"
	"github.com/live-link/pkg/logging"
	"github.com/live-link/pkg/metrics"
)

var (
	app        = kingpin.New("livelink", "LAN discovery and framed request/response link between an editor and a running device.")
	configFile = app.Flag("config.file", "Path to configuration file.").Default("livelink.yaml").String()

	deviceCmd  = app.Command("device", "Announce this process and serve requests.")
	deviceName = deviceCmd.Flag("name", "Display name to announce (overrides device.display_name).").String()
	deviceEcho = deviceCmd.Flag("echo", "Answer every request with its own payload.").Bool()

	editorCmd = app.Command("editor", "Discover devices and send requests.")

	peersCmd  = editorCmd.Command("peers", "Listen for announcements and print the known devices.")
	peersWait = peersCmd.Flag("wait", "How long to listen.").Default("6s").Duration()

	sendCmd    = editorCmd.Command("send", "Send one request and print the response.")
	sendHex    = sendCmd.Flag("hex", "Request payload as hex.").Required().String()
	sendTarget = sendCmd.Flag("target", "Device address (ip or ip:port); default is the most recently discovered device.").String()
	sendWait   = sendCmd.Flag("wait", "How long to wait for discovery and for the response.").Default("10s").Duration()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
		if verr := cfg.Validate(); verr != nil {
			logging.Fatalf("Invalid configuration: %v", verr)
		}
	}
	logging.SetLevel(cfg.Log.Level)
	logging.SetFormat(cfg.Log.Format)
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case deviceCmd.FullCommand():
		err = runDevice(ctx, cfg)
	case peersCmd.FullCommand():
		err = runPeers(ctx, cfg)
	case sendCmd.FullCommand():
		err = runSend(ctx, cfg)
	}
	if err != nil {
		logging.Fatalf("%s: %v", command, err)
	}
}

// serveMetrics starts the metrics server in g when an address is configured.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, collector *metrics.Collector) {
	if cfg.Metrics.ListenAddress == "" {
		return
	}
	registry := metrics.NewRegistry(collector)
	g.Go(func() error {
		return metrics.Serve(ctx, cfg.Metrics.ListenAddress, cfg.Metrics.TelemetryPath, registry)
	})
}

// tickLoop calls tick every interval until ctx is done.
func tickLoop(ctx context.Context, clk clock.Clock, interval time.Duration, tick func(now time.Time)) error {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tick(now)
		}
	}
}

func runDevice(ctx context.Context, cfg *config.Config) error {
	if *deviceName != "" {
		cfg.Device.DisplayName = *deviceName
	}

	collector := metrics.NewCollector("device", nil, nil)
	listener := device.NewListener(cfg, device.WithMetrics(collector))
	collector.GetConnected = listener.Connected
	if *deviceEcho {
		listener.RegisterRequestHandler(func(req []byte) []byte {
			return req
		})
	}
	if err := listener.Start(); err != nil {
		return err
	}
	defer listener.Stop()

	clk := clock.New()
	broadcaster, err := discovery.NewBroadcaster(cfg, discovery.WithClock(clk), discovery.WithBroadcasterMetrics(collector))
	if err != nil {
		return err
	}
	broadcaster.Start()
	defer broadcaster.Stop()

	logging.Logf("Device %q ready, echo=%v", cfg.Device.DisplayName, *deviceEcho)

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, collector)
	g.Go(func() error {
		return tickLoop(gctx, clk, cfg.GetDeviceTickInterval(), func(now time.Time) {
			broadcaster.Tick(now)
			listener.Tick()
		})
	})
	err = g.Wait()
	logging.Log("Shutting down gracefully...")
	return err
}

func runPeers(ctx context.Context, cfg *config.Config) error {
	registry := discovery.NewRegistry(cfg)
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(*peersWait):
	}

	peers := registry.Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	if len(peers) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%-16s %s\n", p.Address, p.DisplayName)
	}
	return nil
}

func runSend(ctx context.Context, cfg *config.Config) error {
	payload, err := hex.DecodeString(strings.ReplaceAll(*sendHex, " ", ""))
	if err != nil {
		return fmt.Errorf("invalid --hex payload: %w", err)
	}

	collector := metrics.NewCollector("editor", nil, nil)
	registry := discovery.NewRegistry(cfg, discovery.WithRegistryMetrics(collector))
	dispatcher := editor.NewDispatcher(cfg, registry, editor.WithMetrics(collector))
	collector.GetKnownPeers = registry.Len
	collector.GetConnected = dispatcher.Connected

	if *sendTarget == "" {
		if err := registry.Start(); err != nil {
			return err
		}
		defer registry.Stop()
	}
	defer dispatcher.Stop()

	responses := make(chan []byte, 1)
	dispatcher.RegisterResponseHandler(func(resp []byte) {
		select {
		case responses <- resp:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(ctx, *sendWait)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, collector)
	g.Go(func() error {
		defer cancel()
		target := *sendTarget
		if target == "" {
			var ok bool
			if target, ok = waitForPeer(gctx, registry, cfg.GetEditorTickInterval()); !ok {
				return fmt.Errorf("no device discovered within %v", *sendWait)
			}
		}
		if err := dispatcher.SendRequestTo(target, payload); err != nil {
			return err
		}
		logging.Logf("Sent %dB to %s", len(payload), dispatcher.ActiveTarget())

		resp, err := awaitResponse(gctx, dispatcher, responses, cfg.GetEditorTickInterval())
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(resp))
		return nil
	})
	return g.Wait()
}

// waitForPeer polls the registry until a device is selected or ctx ends.
func waitForPeer(ctx context.Context, registry *discovery.Registry, interval time.Duration) (string, bool) {
	for {
		if addr, ok := registry.SelectedPeer(); ok {
			peers := registry.KnownPeers()
			logging.Logf("Selected device %s (%s)", addr, peers[addr])
			return addr, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(interval):
		}
	}
}

// awaitResponse ticks the dispatcher until a response arrives or ctx ends.
func awaitResponse(ctx context.Context, dispatcher *editor.Dispatcher, responses <-chan []byte, interval time.Duration) ([]byte, error) {
	ticker := clock.New().Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no response within %v", *sendWait)
		case <-ticker.C:
			dispatcher.Tick()
			select {
			case resp := <-responses:
				return resp, nil
			default:
			}
		}
	}
}
