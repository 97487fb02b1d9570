package main

import (
	"crypto/tls"
	"time"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/chazu/steward/internal/runner"
	"github.com/chazu/steward/pkg/reconcile"
)

// daemonConfig holds the serving configuration of the daemon command
type daemonConfig struct {
	MetricsAddr          string
	MetricsCertPath      string
	MetricsCertName      string
	MetricsCertKey       string
	ProbeAddr            string
	EnableLeaderElection bool
	SecureMetrics        bool
	EnableHTTP2          bool
}

// getTLSOptions returns TLS configuration options
func getTLSOptions(enableHTTP2 bool) []func(*tls.Config) {
	var tlsOpts []func(*tls.Config)
	if !enableHTTP2 {
		// Disable HTTP/2 to prevent CVEs (GHSA-qppj-fm5r-hxr3, GHSA-4374-p667-p6c8)
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		})
	}
	return tlsOpts
}

// newMetricsServerOptions creates metrics server options with the given configuration
func newMetricsServerOptions(cfg daemonConfig, tlsOpts []func(*tls.Config)) metricsserver.Options {
	opts := metricsserver.Options{
		BindAddress:   cfg.MetricsAddr,
		SecureServing: cfg.SecureMetrics,
		TLSOpts:       tlsOpts,
	}
	if cfg.SecureMetrics {
		opts.FilterProvider = filters.WithAuthenticationAndAuthorization
	}
	if len(cfg.MetricsCertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher",
			"path", cfg.MetricsCertPath, "cert", cfg.MetricsCertName, "key", cfg.MetricsCertKey)
		opts.CertDir = cfg.MetricsCertPath
		opts.CertName = cfg.MetricsCertName
		opts.KeyName = cfg.MetricsCertKey
	}
	return opts
}

// newDaemonCmd returns the daemon command: unrestricted runs on an interval,
// with metrics and health probes served by a controller-runtime manager
func newDaemonCmd() *cobra.Command {
	cfg := daemonConfig{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Reconcile the integration periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	addRunFlags(flags)
	flags.Bool("dry-run", false, "Plan without applying")
	flags.Bool("per-scope", false, "Run every scope as its own restricted run")
	flags.Duration("interval", 0, "Period between runs (default: the integration interval)")

	flags.StringVar(&cfg.MetricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flags.StringVar(&cfg.ProbeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.BoolVar(&cfg.EnableLeaderElection, "leader-elect", false,
		"Enable leader election. Enabling this will ensure there is only one active runner per integration.")
	flags.BoolVar(&cfg.SecureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flags.StringVar(&cfg.MetricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	flags.StringVar(&cfg.MetricsCertName, "metrics-cert-name", "tls.crt", "The name of the metrics server certificate file.")
	flags.StringVar(&cfg.MetricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	flags.BoolVar(&cfg.EnableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")

	return cmd
}

func runDaemon(cmd *cobra.Command, cfg daemonConfig) error {
	ctx := commandContext(cmd, "daemon")

	configFile, _ := cmd.Flags().GetString("config")
	v, err := newViper(cmd, configFile)
	if err != nil {
		return err
	}

	env, err := loadEnvironment(ctx, v)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	r, err := env.newReconciler(v.GetString("kubeconfig"))
	if err != nil {
		return err
	}

	interval := v.GetDuration("interval")
	if interval == 0 {
		interval = env.integration.RunInterval()
	}

	periodic, err := runner.New(r, runner.Config{
		Interval: interval,
		Jitter:   runner.DefaultJitter,
		PerScope: v.GetBool("per-scope"),
		Scopes:   env.integration.Scopes(),
		Params:   paramsFromViper(v, false),
		OnResult: func(result *reconcile.Result) {
			if result.HasErrors() {
				setupLog.Info("run finished with errors", "exitCode", result.ExitCode())
			}
		},
	})
	if err != nil {
		return err
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return err
	}

	tlsOpts := getTLSOptions(cfg.EnableHTTP2)
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Metrics:                 newMetricsServerOptions(cfg, tlsOpts),
		HealthProbeBindAddress:  cfg.ProbeAddr,
		LeaderElection:          cfg.EnableLeaderElection,
		LeaderElectionID:        "steward-" + env.integration.Name,
		GracefulShutdownTimeout: ptrDuration(30 * time.Second),
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	if err := mgr.Add(manager.RunnableFunc(periodic.Start)); err != nil {
		setupLog.Error(err, "unable to add runner")
		return err
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager", "integration", env.integration.Name, "interval", interval.String())
	return mgr.Start(ctx)
}

func ptrDuration(d time.Duration) *time.Duration {
	return &d
}
