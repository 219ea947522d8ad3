// Command robot runs the regional control-plane agent: it polls the
// IaaS API for pending resource work and drives virtual routers, VMs,
// snapshots, and backups through their life cycle on the region's
// hypervisors and PodNet appliance.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/virctl/robot/pkg/cache"
	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/dispatcher"
	"github.com/virctl/robot/pkg/iaasapi"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/notify"
	"github.com/virctl/robot/pkg/poll"
	"github.com/virctl/robot/pkg/remote"
	"github.com/virctl/robot/pkg/render"
	"github.com/virctl/robot/pkg/stage"
	"github.com/virctl/robot/pkg/token"
	"github.com/virctl/robot/pkg/worker"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "robot",
	Short:   "Regional cloud-infrastructure control-plane agent",
	Long:    "robot polls the regional IaaS API for pending work and reconciles virtual routers, VMs, snapshots, and backups against it.",
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("robot version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of console format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

// runAgent wires every collaborator together and runs until signaled:
// the token holder, API client, remote drivers, renderer, stager,
// notifier, dispatcher, and finally the worker Env the dispatcher's
// handler is bound to, before starting the poll loop and its daily
// scrub sweep.
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.WithComponent("main")
	logger.Info().Str("region", cfg.Region).Bool("virtual_routers_enabled", cfg.VirtualRoutersEnabled).Msg("starting robot agent")

	if err := os.MkdirAll(filepath.Dir(cfg.CacheDBPath), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	shipperCache, err := cache.Open(cfg.CacheDBPath)
	if err != nil {
		return fmt.Errorf("opening log-shipper cache: %w", err)
	}

	// Re-init the global logger now that the cache is open, so every
	// line written after this point is also queued for the log
	// shipper, not just printed to stdout.
	level, _ := cmd.Flags().GetString("log-level")
	jsonOutput, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
		Output:     io.MultiWriter(os.Stdout, cache.NewWriter(shipperCache)),
	})
	logger = log.WithComponent("main")

	tokens := token.New(token.NewAPIIssuer(cfg.APIURL, cfg.APIUsername, cfg.APIPassword))
	api := iaasapi.New(cfg, tokens)

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	hypervisorSSH, err := remote.NewSSHDriver(cfg.SSHKeyPath, remote.HypervisorUser, cfg.SSHConnectTimeout)
	if err != nil {
		return fmt.Errorf("building hypervisor SSH driver: %w", err)
	}
	podnetSSH, err := remote.NewSSHDriver(cfg.SSHKeyPath, remote.PodNetUser, cfg.SSHConnectTimeout)
	if err != nil {
		return fmt.Errorf("building PodNet SSH driver: %w", err)
	}
	winrm := remote.NewWinRMDriver(cfg.WinRMUsername, cfg.WinRMPassword, cfg.SSHConnectTimeout)

	env := &worker.Env{
		API:      api,
		Renderer: renderer,
		Stager:   stage.New(cfg.NetworkDrivePath),
		SSH:      hypervisorSSH,
		WinRM:    winrm,
		PodNet:   podnetSSH,
		Notifier: notify.New(cfg),
		Config:   cfg,
	}

	d := dispatcher.New(env.Dispatch)
	loop := poll.New(api, d, cfg)

	shipper := cache.NewShipper(shipperCache, cfg.LogShipperEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(cfg.MetricsListenAddr)
	go shipper.Run(ctx, cfg.PollInterval)
	go loop.Run(ctx)

	logger.Info().Str("metrics_addr", cfg.MetricsListenAddr).Msg("robot agent running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	cancel()
	_ = metricsServer.Close()
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
