package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidators()
}

// Settings is the process-wide configuration, read from a YAML file.
type Settings struct {
	FlowsPath     string                      `yaml:"flows_path" default:"config/flows" validate:"required"`
	TemplatesPath string                      `yaml:"templates_path" default:"config/templates" validate:"required"`
	// CacheSeconds bounds how long flow definitions and parsed templates are
	// reused. Zero turns both caches off.
	CacheSeconds  int                         `yaml:"cache_seconds" default:"30" validate:"gte=0"`
	Server        ServerSettings              `yaml:"server"`
	Redis         RedisSettings               `yaml:"redis"`
	HTTP          HTTPClientSettings          `yaml:"http"`
	Databases     map[string]DatabaseSettings `yaml:"databases" validate:"dive"`
	Logging       LoggingSettings             `yaml:"logging"`
}

// CacheTTL is the lifetime of cached flow definitions and parsed templates.
// A zero duration means nothing is cached.
func (s *Settings) CacheTTL() time.Duration {
	return time.Duration(s.CacheSeconds) * time.Second
}

type ServerSettings struct {
	Addr string `yaml:"addr" default:":8080" validate:"required"`
	Mode string `yaml:"mode" default:"release" validate:"oneof=debug release test"`
}

type RedisSettings struct {
	Enabled     bool          `yaml:"enabled" default:"true"`
	Addr        string        `yaml:"addr" default:"localhost:6379" validate:"required,hostname_port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" default:"0" validate:"gte=0,lte=15"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"2s" validate:"gte=0"`
	LocalMaxMB  int64         `yaml:"local_max_mb" default:"64" validate:"gte=1"`
}

type HTTPClientSettings struct {
	Timeout time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	Debug   bool          `yaml:"debug"`
}

type DatabaseSettings struct {
	Driver          string        `yaml:"driver" default:"postgres" validate:"oneof=postgres sqlite"`
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m"`
}

type LoggingSettings struct {
	Level     string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" default:"text" validate:"oneof=text json"`
	AddSource bool   `yaml:"add_source"`
}

type nestedDefaulter interface {
	applyNestedDefaults() error
}

func (s *Settings) applyNestedDefaults() error {
	for name, db := range s.Databases {
		if err := ApplyDefaults(&db); err != nil {
			return fmt.Errorf("database '%s': %w", name, err)
		}
		s.Databases[name] = db
	}
	return nil
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() (*Settings, error) {
	s := &Settings{}
	if err := InitializeConfig(s, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettings reads a YAML settings file. ${VAR} and ${VAR:default}
// references in string values are expanded from the environment.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error unmarshalling settings: %w", err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	s := &Settings{}
	if err := InitializeConfig(s, expanded.(map[string]any)); err != nil {
		return nil, err
	}
	return s, nil
}

// InitializeConfig combines defaults → value merging → validation in one call.
func InitializeConfig(config any, rawValues map[string]any) error {
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if len(rawValues) > 0 {
		if err := mapToStructFromYAML(rawValues, config); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"error", err)
			return fmt.Errorf("failed to apply config values: %w", err)
		}
		// map values decoded from raw values are fresh structs without defaults
		if nd, ok := config.(nestedDefaulter); ok {
			if err := nd.applyNestedDefaults(); err != nil {
				return fmt.Errorf("failed to apply defaults: %w", err)
			}
		}
	}

	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// registerCustomValidators registers framework-provided custom validation functions
func registerCustomValidators() {
	// hostname_port validates "host:port" format with numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// dataset_type accepts sql, rawSql and http in any case
	validate.RegisterValidation("dataset_type", func(fl validator.FieldLevel) bool {
		_, ok := ParseDatasetType(fl.Field().String())
		return ok
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

// ValidationMessages runs tag validation and returns one message per failed field.
func ValidationMessages(v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		msgs = append(msgs, fmt.Sprintf(
			"field '%s' failed validation (rule: %s)",
			strings.TrimPrefix(fieldErr.Namespace(), "FlowConfig."),
			fieldErr.Tag(),
		))
	}
	return msgs
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}
