// Copyright 2021 Converter Systems LLC. All rights reserved.

package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes the simulated server, the client and the subscriptions of the demo.
type Config struct {
	LogLevel       string               `yaml:"log_level"`
	MetricsAddress string               `yaml:"metrics_address"`
	Duration       time.Duration        `yaml:"duration"`
	Server         ServerConfig         `yaml:"server"`
	Client         ClientConfig         `yaml:"client"`
	Variables      []VariableConfig     `yaml:"variables"`
	Events         EventConfig          `yaml:"events"`
	Subscriptions  []SubscriptionConfig `yaml:"subscriptions"`
}

// ServerConfig contains the limits of the in-memory server.
type ServerConfig struct {
	MaxSubscriptionCount     uint32  `yaml:"max_subscription_count"`
	MaxPublishRequests       int     `yaml:"max_publish_requests"`
	MaxMonitoredItemsPerCall uint32  `yaml:"max_monitored_items_per_call"`
	MinSamplingInterval      float64 `yaml:"min_sampling_interval"`
	MinPublishingInterval    float64 `yaml:"min_publishing_interval"`
	DropEvery                int     `yaml:"drop_every"`
}

// ClientConfig contains the engine settings of the client.
type ClientConfig struct {
	MaxPendingPublishRequests int     `yaml:"max_pending_publish_requests"`
	MaxMonitoredItemsPerCall  uint32  `yaml:"max_monitored_items_per_call"`
	WatchdogMultiplier        float64 `yaml:"watchdog_multiplier"`
	DeliveryWorkers           int     `yaml:"delivery_workers"`
	Trace                     bool    `yaml:"trace"`
}

// VariableConfig describes a simulated variable.
type VariableConfig struct {
	NodeID         string        `yaml:"node_id"`
	Kind           string        `yaml:"kind"` // constant, ramp, sine or random
	Amplitude      float64       `yaml:"amplitude"`
	Period         time.Duration `yaml:"period"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// EventConfig describes the events raised by the Server object.
type EventConfig struct {
	Interval   time.Duration `yaml:"interval"`
	SourceName string        `yaml:"source_name"`
	Severity   uint16        `yaml:"severity"`
}

// SubscriptionConfig describes a subscription and its monitored items.
type SubscriptionConfig struct {
	Name                    string        `yaml:"name"`
	PublishingInterval      float64       `yaml:"publishing_interval"`
	TargetKeepAliveInterval time.Duration `yaml:"target_keep_alive_interval"`
	MaxNotificationsPerPub  uint32        `yaml:"max_notifications_per_publish"`
	Priority                byte          `yaml:"priority"`
	Events                  bool          `yaml:"events"`
	Items                   []ItemConfig  `yaml:"items"`
}

// ItemConfig describes a monitored item of a variable.
type ItemConfig struct {
	NodeID           string  `yaml:"node_id"`
	SamplingInterval float64 `yaml:"sampling_interval"`
	QueueSize        uint32  `yaml:"queue_size"`
	Deadband         float64 `yaml:"deadband"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			MaxPublishRequests:    10,
			MinSamplingInterval:   50,
			MinPublishingInterval: 50,
		},
		Client: ClientConfig{
			MaxPendingPublishRequests: 2,
			MaxMonitoredItemsPerCall:  10000,
			WatchdogMultiplier:        1.25,
			DeliveryWorkers:           4,
		},
		Variables: []VariableConfig{
			{NodeID: "ns=2;s=Demo.Dynamic.Scalar.Double", Kind: "sine", Amplitude: 100, Period: 10 * time.Second, UpdateInterval: 250 * time.Millisecond},
			{NodeID: "ns=2;s=Demo.Dynamic.Scalar.Int32", Kind: "ramp", Amplitude: 1000, Period: time.Minute, UpdateInterval: time.Second},
		},
		Events: EventConfig{Interval: 5 * time.Second, SourceName: "Boiler", Severity: 500},
		Subscriptions: []SubscriptionConfig{
			{
				Name:                    "default",
				PublishingInterval:      500,
				TargetKeepAliveInterval: 5 * time.Second,
				Events:                  true,
				Items: []ItemConfig{
					{NodeID: "ns=2;s=Demo.Dynamic.Scalar.Double", SamplingInterval: 250, QueueSize: 4, Deadband: 1},
					{NodeID: "ns=2;s=Demo.Dynamic.Scalar.Int32", SamplingInterval: -1, QueueSize: 1},
				},
			},
		},
	}
}

// Load reads the configuration from a file. Fields missing from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes the configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// lists replace the defaults rather than merge with them.
	cfg.Variables, cfg.Subscriptions = nil, nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every item refers to a simulated variable.
func (cfg *Config) Validate() error {
	known := make(map[string]bool, len(cfg.Variables))
	for _, v := range cfg.Variables {
		if v.NodeID == "" {
			return errors.New("variable without node_id")
		}
		if !isKnownKind(v.Kind) {
			return errors.Errorf("variable %s: unknown kind %q", v.NodeID, v.Kind)
		}
		if v.Kind != "constant" && v.UpdateInterval <= 0 {
			return errors.Errorf("variable %s: update_interval must be positive", v.NodeID)
		}
		known[v.NodeID] = true
	}
	for _, s := range cfg.Subscriptions {
		for _, item := range s.Items {
			if !known[item.NodeID] {
				return errors.Errorf("subscription %s: item %s is not a variable", s.Name, item.NodeID)
			}
		}
	}
	if cfg.Events.Interval < 0 {
		return errors.New("events interval must not be negative")
	}
	return nil
}
