package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aiyumi19960310/sitewhere/internal/auth"
	"github.com/aiyumi19960310/sitewhere/internal/config"
	"github.com/aiyumi19960310/sitewhere/internal/demux"
	"github.com/aiyumi19960310/sitewhere/internal/logging"
)

var (
	probeAddress    string
	probeTimeout    time.Duration
	probeMinVersion string
	probeHealth     bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <microservice>",
	Short: "Wait until a microservice API is available",
	Long: `Probe the API of a microservice until it answers, e.g. from an init
container. Exits with status 1 if the API is not available within the timeout
or reports the wrong identity.`,
	Args: cobra.ExactArgs(1),
	Run:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeAddress, "address", "", "gRPC address of the microservice (defaults to the configured dependency address)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Minute, "How long to wait for the API")
	probeCmd.Flags().StringVar(&probeMinVersion, "min-version", "", "Minimum version the microservice must report (optional)")
	probeCmd.Flags().BoolVar(&probeHealth, "health", false, "Use the gRPC health protocol instead of the identity service")
	probeCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "Secret signing service-to-service tokens (at least 32 characters)")
}

// loadProbeSettings reads the config file and resolves the JWT secret the
// same way serve does.
func loadProbeSettings(flags *pflag.FlagSet) (*config.Config, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyJWTSecret(flags, settings)
	return settings, nil
}

// newProbeChannel builds the channel used by the probe command.
func newProbeChannel(target string, settings *config.Config) (*demux.Channel, error) {
	var probe demux.Probe
	if probeHealth {
		probe = &demux.HealthProbe{}
	} else {
		p, err := demux.NewIdentityProbe(target, probeMinVersion)
		if err != nil {
			return nil, err
		}
		probe = p
	}

	var tokens *auth.TokenManager
	if settings.JWTSecret != "" {
		t, err := auth.NewTokenManager(auth.Config{Secret: settings.JWTSecret})
		if err != nil {
			return nil, fmt.Errorf("failed to create token manager: %w", err)
		}
		tokens = t
	}

	address := probeAddress
	if address == "" {
		address = settings.DependencyAddress(target)
	}
	return demux.NewChannel(demux.Config{
		Target:          target,
		Address:         address,
		Caller:          "probe",
		Tokens:          tokens,
		Probe:           probe,
		WaitTimeout:     probeTimeout,
		InitialInterval: settings.ProbeInterval,
		MaxInterval:     settings.ProbeMaxInterval,
		ProbeTimeout:    settings.ProbeTimeout,
	}), nil
}

func runProbe(cmd *cobra.Command, args []string) {
	settings, err := loadProbeSettings(cmd.Flags())
	HandleError(err, "Configuration error")
	HandleError(setupLog(logLevelFlags, settings.LogLevel, cmd.Flags().Changed("log-level")), "Failed to setup logging")
	logger := logging.GetLogger("sitewhere.probe")

	ch, err := newProbeChannel(args[0], settings)
	HandleError(err, "Configuration error")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	HandleError(ch.Initialize(ctx, nil), "Channel error")
	HandleError(ch.Start(ctx, nil), "Channel error")

	err = ch.WaitForApiAvailable(ctx)
	_ = ch.Stop(context.Background(), nil)
	_ = ch.Terminate(context.Background(), nil)
	HandleError(err, "API not available")
	logger.Info("API %s is available", args[0])
}
