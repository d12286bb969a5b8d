package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the instance settings of one microservice process.
type Config struct {
	// GRPCPort is the port the microservice API listens on
	GRPCPort int `koanf:"grpc_port" validate:"min=1,max=65535"`

	// HTTPPort is the port of the status endpoint. 0 disables it.
	HTTPPort int `koanf:"http_port" validate:"min=0,max=65535"`

	// InstanceID identifies the platform instance this process belongs to
	InstanceID string `koanf:"instance_id" validate:"required"`

	// JWTSecret signs and verifies service-to-service tokens
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=32"`

	// Dependencies maps a microservice identifier to its gRPC address
	Dependencies map[string]string `koanf:"dependencies" validate:"dive,keys,required,endkeys,required"`

	// APIWaitTimeout bounds how long a dependency may stay unavailable during startup
	APIWaitTimeout time.Duration `koanf:"api_wait_timeout" validate:"gt=0"`

	// ProbeInterval is the first delay between availability probes
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"gt=0"`

	// ProbeMaxInterval caps the delay between availability probes
	ProbeMaxInterval time.Duration `koanf:"probe_max_interval" validate:"gtefield=ProbeInterval"`

	// ProbeTimeout bounds a single availability probe
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds the graceful stop of the whole process
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// Tracing configures OpenTelemetry export
	Tracing TracingConfig `koanf:"tracing"`

	// TenantsConfig is the path to the tenants file. Empty means no tenants.
	TenantsConfig string `koanf:"tenants_config"`

	// TenantRecoveryInterval is how often errored tenant engines are recreated. 0 disables recovery.
	TenantRecoveryInterval time.Duration `koanf:"tenant_recovery_interval" validate:"gte=0"`

	// LogLevel is the default logging level (debug, info, warn, error)
	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=debug info warn error fatal"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint" validate:"required_if=Enabled true"`
	TLSCA       string `koanf:"tls_ca"`
	TLSInsecure bool   `koanf:"tls_insecure"`
}

// Default returns the settings used for keys absent from the config file.
func Default() *Config {
	return &Config{
		GRPCPort:               9000,
		HTTPPort:               9090,
		InstanceID:             "sitewhere",
		Dependencies:           map[string]string{},
		APIWaitTimeout:         5 * time.Minute,
		ProbeInterval:          500 * time.Millisecond,
		ProbeMaxInterval:       10 * time.Second,
		ProbeTimeout:           5 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		TenantRecoveryInterval: time.Minute,
		LogLevel:               "info",
	}
}

// DependencyAddress returns the configured address of a dependency, or
// "<identifier>:<grpc_port>" when none is configured.
func (c *Config) DependencyAddress(identifier string) string {
	if addr, ok := c.Dependencies[identifier]; ok && addr != "" {
		return addr
	}
	return fmt.Sprintf("%s:%d", identifier, c.GRPCPort)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"koanf", "yaml"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	return validateStruct(c)
}

func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewConfigError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return NewConfigError(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
