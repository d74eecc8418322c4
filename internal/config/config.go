package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the tag location server.
type Config struct {
	GatewayBind   string `yaml:"gateway_bind"`
	GatewayPath   string `yaml:"gateway_path"`
	ControlBind   string `yaml:"control_bind"`
	MetricsBind   string `yaml:"metrics_bind"`
	DatabasePath  string `yaml:"database_path"`
	LogLevel      string `yaml:"log_level"`
	ControlSecret string `yaml:"control_secret"`

	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	BatchInterval       time.Duration `yaml:"batch_interval"`
	DecisionWindow      time.Duration `yaml:"decision_window"`
	Retention           time.Duration `yaml:"retention"`
	ModeTTL             time.Duration `yaml:"mode_ttl"`

	MQTTBrokerURL   string `yaml:"mqtt_broker_url"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`

	MDNSEnabled bool `yaml:"mdns_enabled"`
}

const (
	defaultGatewayBind         = ":8080"
	defaultGatewayPath         = "/gateway"
	defaultControlBind         = ":8090"
	defaultMetricsBind         = ":9090"
	defaultDatabasePath        = "data/taglocator.db"
	defaultLogLevel            = "info"
	defaultRegistrationTimeout = 30 * time.Second
	defaultSendTimeout         = 5 * time.Second
	defaultBatchInterval       = time.Minute
	defaultDecisionWindow      = 10 * time.Minute
	defaultRetention           = 30 * time.Minute
	defaultModeTTL             = 5 * time.Minute
	defaultMQTTClientID        = "taglocator-server"
	defaultMQTTTopicPrefix     = "taglocator"
)

// EnvConfigFile names the YAML file to load when no path is given.
const EnvConfigFile = "TAGLOCATOR_CONFIG"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		GatewayBind:         defaultGatewayBind,
		GatewayPath:         defaultGatewayPath,
		ControlBind:         defaultControlBind,
		MetricsBind:         defaultMetricsBind,
		DatabasePath:        defaultDatabasePath,
		LogLevel:            defaultLogLevel,
		RegistrationTimeout: defaultRegistrationTimeout,
		SendTimeout:         defaultSendTimeout,
		BatchInterval:       defaultBatchInterval,
		DecisionWindow:      defaultDecisionWindow,
		Retention:           defaultRetention,
		ModeTTL:             defaultModeTTL,
		MQTTClientID:        defaultMQTTClientID,
		MQTTTopicPrefix:     defaultMQTTTopicPrefix,
		MDNSEnabled:         true,
	}
}

// Load builds the configuration from defaults, then the YAML file at path (or
// the file named by TAGLOCATOR_CONFIG when path is empty), then environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"TAGLOCATOR_GATEWAY_BIND", &cfg.GatewayBind},
		{"TAGLOCATOR_GATEWAY_PATH", &cfg.GatewayPath},
		{"TAGLOCATOR_CONTROL_BIND", &cfg.ControlBind},
		{"TAGLOCATOR_METRICS_BIND", &cfg.MetricsBind},
		{"TAGLOCATOR_DATABASE_PATH", &cfg.DatabasePath},
		{"TAGLOCATOR_LOG_LEVEL", &cfg.LogLevel},
		{"TAGLOCATOR_CONTROL_SECRET", &cfg.ControlSecret},
		{"TAGLOCATOR_MQTT_BROKER_URL", &cfg.MQTTBrokerURL},
		{"TAGLOCATOR_MQTT_CLIENT_ID", &cfg.MQTTClientID},
		{"TAGLOCATOR_MQTT_TOPIC_PREFIX", &cfg.MQTTTopicPrefix},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"TAGLOCATOR_REGISTRATION_TIMEOUT", &cfg.RegistrationTimeout},
		{"TAGLOCATOR_SEND_TIMEOUT", &cfg.SendTimeout},
		{"TAGLOCATOR_BATCH_INTERVAL", &cfg.BatchInterval},
		{"TAGLOCATOR_DECISION_WINDOW", &cfg.DecisionWindow},
		{"TAGLOCATOR_RETENTION", &cfg.Retention},
		{"TAGLOCATOR_MODE_TTL", &cfg.ModeTTL},
	}
	for _, d := range durs {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("TAGLOCATOR_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TAGLOCATOR_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.GatewayBind == "" {
		return errors.New("gateway bind address is required")
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if len(c.GatewayPath) == 0 || c.GatewayPath[0] != '/' {
		return fmt.Errorf("gateway path %q must start with /", c.GatewayPath)
	}
	for name, d := range map[string]time.Duration{
		"registration_timeout": c.RegistrationTimeout,
		"send_timeout":         c.SendTimeout,
		"batch_interval":       c.BatchInterval,
		"decision_window":      c.DecisionWindow,
		"retention":            c.Retention,
		"mode_ttl":             c.ModeTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Retention < c.DecisionWindow {
		return fmt.Errorf("retention %s is shorter than decision window %s", c.Retention, c.DecisionWindow)
	}
	return nil
}

// Port extracts the numeric port from a bind address such as ":8080".
func Port(bind string) (int, error) {
	_, port, err := net.SplitHostPort(bind)
	if err != nil {
		return 0, fmt.Errorf("parse bind %q: %w", bind, err)
	}
	return strconv.Atoi(port)
}
