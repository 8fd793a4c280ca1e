package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"strconv"
	"time"

	fm "github.com/gerolf-vent/iptctl/internal/firewall-manager"
	rs "github.com/gerolf-vent/iptctl/internal/rule-service"
	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

func main() {
	runCleanup := flag.Bool("cleanup", false, "Cleanup any left-over rules and exit")
	flag.Parse()

	devMode := false
	devModeEnv := os.Getenv("DEV_MODE")
	if devModeEnv == "true" {
		devMode = true
	}

	// Setup structured logging
	zapOpts := zap.Options{
		Development: devMode,
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts)).WithName("iptctl-agent")
	ctrl.SetLogger(logger)

	var err error

	rulesFile := os.Getenv("RULES_FILE")
	if rulesFile == "" {
		rulesFile = "/etc/iptctl/rules.yaml" // Default rules file
	}

	chainPrefix := os.Getenv("CHAIN_PREFIX")
	if chainPrefix == "" {
		chainPrefix = "IPTCTL" // Default chain prefix
	}

	var iptOpts []iptables.Option
	lockPath := os.Getenv("XTABLES_LOCK_PATH")
	if lockPath != "" {
		iptOpts = append(iptOpts, iptables.WithLockPath(lockPath))
	} else {
		lockPath = iptables.DefaultLockPath
	}

	enableIPv6 := true
	enableIPv6Raw := os.Getenv("ENABLE_IPV6")
	if enableIPv6Raw != "" {
		enableIPv6, err = strconv.ParseBool(enableIPv6Raw)
		if err != nil {
			logger.Error(err, "Invalid ENABLE_IPV6", "value", enableIPv6Raw)
			os.Exit(1)
		}
	}

	protocols := []iptables.Protocol{iptables.IPv4}
	if enableIPv6 {
		protocols = append(protocols, iptables.IPv6)
	}

	var ipts []*iptables.IPTables
	for _, proto := range protocols {
		ipt, err := iptables.New(proto, iptOpts...)
		if err != nil {
			logger.Error(err, "Failed to create iptables interface", "protocol", proto)
			os.Exit(1)
		}
		logger.Info("Detected iptables", "protocol", proto, "command", ipt.Command(), "version", ipt.Version(), "check", ipt.HasCheck(), "wait", ipt.HasWait())
		ipts = append(ipts, ipt)
	}

	firewallManager, err := fm.NewIPTablesManager(chainPrefix, ipts...)
	if err != nil {
		logger.Error(err, "Failed to create iptables manager")
		os.Exit(1)
	}

	reconciliationInterval := time.Minute * 5 // Default reconciliation interval
	reconciliationIntervalRaw := os.Getenv("RECONCILIATION_INTERVAL")
	if reconciliationIntervalRaw != "" {
		reconciliationInterval, err = time.ParseDuration(reconciliationIntervalRaw)
		if err != nil {
			logger.Error(err, "Invalid RECONCILIATION_INTERVAL")
			os.Exit(1)
		}
	}

	if *runCleanup {
		logger.Info("Running in cleanup mode")

		exitCode := 0

		if err := firewallManager.Cleanup(); err != nil {
			logger.Error(err, "Failed to cleanup firewall rules")
			exitCode = 1
		}

		logger.Info("Cleanup finished, exiting")
		os.Exit(exitCode)
	}

	metricsBindAddress := os.Getenv("METRICS_BIND_ADDRESS")
	if metricsBindAddress == "" {
		metricsBindAddress = ":21793" // Default metrics bind address
	}

	healthProbeBindAddress := os.Getenv("HEALTH_PROBE_BIND_ADDRESS")
	if healthProbeBindAddress == "" {
		healthProbeBindAddress = ":21794" // Default health probe bind address
	}

	ruleService, err := rs.New(rulesFile, reconciliationInterval, firewallManager)
	if err != nil {
		logger.Error(err, "Failed to create rule service")
		os.Exit(1)
	}

	ctx := ctrl.LoggerInto(ctrl.SetupSignalHandler(), logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	healthMux := http.NewServeMux()
	healthMux.Handle("/healthz", http.StripPrefix("/healthz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"ping": healthz.Ping},
	}))
	healthMux.Handle("/readyz", http.StripPrefix("/readyz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"rules-file": rulesFileChecker(rulesFile)},
	}))

	go serve(ctx, logger, "metrics", metricsBindAddress, metricsMux)
	go serve(ctx, logger, "health probe", healthProbeBindAddress, healthMux)

	logger.Info("Starting agent", "rulesFile", rulesFile, "chainPrefix", chainPrefix, "lockPath", lockPath, "enableIPv6", enableIPv6, "reconciliationInterval", reconciliationInterval)
	if err := ruleService.Start(ctx); err != nil {
		logger.Error(err, "Agent stopped unexpectedly")
		os.Exit(1)
	} else {
		logger.Info("Agent stopped gracefully")
	}
}

// serve runs an HTTP server until ctx is done.
func serve(ctx context.Context, logger logr.Logger, name, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "Failed to shutdown server", "server", name)
		}
	}()

	logger.Info("Starting server", "server", name, "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "Server failed", "server", name)
		os.Exit(1)
	}
}

// rulesFileChecker reports ready while the rules file can be loaded.
func rulesFileChecker(path string) healthz.Checker {
	return func(_ *http.Request) error {
		_, err := rs.LoadRuleset(path)
		return err
	}
}
