package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aiyumi19960310/sitewhere/internal/apiserver"
	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/lifecycle"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
	"github.com/aiyumi19960310/sitewhere/internal/microservice"
	"github.com/aiyumi19960310/sitewhere/internal/services/batchoperations"
	"github.com/aiyumi19960310/sitewhere/internal/services/devicemanagement"
	"github.com/aiyumi19960310/sitewhere/internal/services/eventsources"
)

var (
	grpcPort           int
	httpPort           int
	instanceID         string
	jwtSecret          string
	tenantsConfigPath  string
	dependencies       map[string]string
	tracingEnabled     bool
	tracingEndpoint    string
	tracingTLSCAPath   string
	tracingTLSInsecure bool
)

const jwtSecretEnv = "SITEWHERE_JWT_SECRET"

// serviceFactories builds the services this binary can run, keyed by identifier.
var serviceFactories = map[string]func() microservice.Service{
	microservice.DeviceManagement: func() microservice.Service {
		return devicemanagement.New(devicemanagement.Options{})
	},
	microservice.EventSources: func() microservice.Service {
		return eventsources.New(eventsources.Options{})
	},
	microservice.BatchOperations: func() microservice.Service {
		return batchoperations.New(batchoperations.Options{})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve <microservice>",
	Short: "Run a SiteWhere microservice",
	Long: `Run one SiteWhere microservice until SIGINT or SIGTERM. Available
microservices: ` + strings.Join(serviceIdentifiers(), ", ") + `.`,
	Args: cobra.ExactArgs(1),
	Run:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&grpcPort, "grpc-port", 9000, "Port the gRPC API listens on")
	serveCmd.Flags().IntVar(&httpPort, "http-port", 9090, "Port of the status endpoint (0 disables it)")
	serveCmd.Flags().StringVar(&instanceID, "instance-id", "sitewhere", "Identifier of the platform instance")
	serveCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "Secret signing service-to-service tokens (at least 32 characters)")
	serveCmd.Flags().StringVar(&tenantsConfigPath, "tenants-config", "", "Path to the tenants YAML file")
	serveCmd.Flags().StringToStringVar(&dependencies, "dependency", nil,
		"Address of a dependency API, e.g. --dependency device-management=device-management:9000")
	serveCmd.Flags().BoolVar(&tracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing (default: false)")
	serveCmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., otel-collector:4317)")
	serveCmd.Flags().StringVar(&tracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	serveCmd.Flags().BoolVar(&tracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
}

func serviceIdentifiers() []string {
	ids := make([]string, 0, len(serviceFactories))
	for id := range serviceFactories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newService(identifier string) (microservice.Service, error) {
	factory, ok := serviceFactories[identifier]
	if !ok {
		return nil, fmt.Errorf("unknown microservice %q (available: %s)", identifier, strings.Join(serviceIdentifiers(), ", "))
	}
	return factory(), nil
}

// loadSettings reads the config file and applies the flags that were set
// explicitly on the command line.
func loadSettings(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("grpc-port") {
		cfg.GRPCPort = grpcPort
	}
	if flags.Changed("http-port") {
		cfg.HTTPPort = httpPort
	}
	if flags.Changed("instance-id") {
		cfg.InstanceID = instanceID
	}
	applyJWTSecret(flags, cfg)
	if flags.Changed("tenants-config") {
		cfg.TenantsConfig = tenantsConfigPath
	}
	if flags.Changed("dependency") {
		if cfg.Dependencies == nil {
			cfg.Dependencies = make(map[string]string)
		}
		for id, addr := range dependencies {
			cfg.Dependencies[id] = addr
		}
	}
	if flags.Changed("tracing-enabled") {
		cfg.Tracing.Enabled = tracingEnabled
	}
	if flags.Changed("tracing-endpoint") {
		cfg.Tracing.Endpoint = tracingEndpoint
	}
	if flags.Changed("tracing-tls-ca") {
		cfg.Tracing.TLSCA = tracingTLSCAPath
	}
	if flags.Changed("tracing-tls-insecure") {
		cfg.Tracing.TLSInsecure = tracingTLSInsecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyJWTSecret sets the secret from --jwt-secret, or from
// SITEWHERE_JWT_SECRET when neither the flag nor the config file has one.
func applyJWTSecret(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("jwt-secret") {
		cfg.JWTSecret = jwtSecret
	} else if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv(jwtSecretEnv)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	settings, err := loadSettings(cmd.Flags())
	HandleError(err, "Configuration error")

	HandleError(setupLog(logLevelFlags, settings.LogLevel, cmd.Flags().Changed("log-level")), "Failed to setup logging")
	logger := logging.GetLogger("sitewhere")

	svc, err := newService(args[0])
	HandleError(err, "Configuration error")

	ms, err := microservice.New(svc, microservice.Options{Settings: settings, Version: Version})
	HandleError(err, "Microservice creation error")

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(settings.ShutdownTimeout)

	// The status server comes up first so liveness probes pass while the
	// microservice waits for its dependencies.
	var status *apiserver.Server
	if settings.HTTPPort > 0 {
		status = apiserver.New(apiserver.Config{Port: settings.HTTPPort, Microservice: ms})
		HandleError(manager.Register(status), "Status server registration error")
		HandleError(manager.Register(ms, status), "Microservice registration error")
	} else {
		HandleError(manager.Register(ms), "Microservice registration error")
	}

	// A signal during startup interrupts it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting %s %s (instance %s)", svc.Name(), Version, settings.InstanceID)
	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start %s: %v", svc.Name(), err)
		HandleError(err, "Startup error")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
	logger.Info("Shutdown complete")
}
