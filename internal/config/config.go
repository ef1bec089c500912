// Package config loads the daemon configuration: which hubs to poll,
// which templates describe their devices, and which snapshot consumers
// to enable. This mirrors config/manager.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-manager/internal/transport"
)

type Config struct {
	System SystemConfig `yaml:"system"`
	Hubs   []HubConfig  `yaml:"hubs"`
}

type SystemConfig struct {
	LogLevel     string `yaml:"log_level"` // debug | info | warn | error
	TemplatesDir string `yaml:"templates_dir"`
	Storage      struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"storage"`
	MQTT struct {
		Enabled   bool   `yaml:"enabled"`
		Broker    string `yaml:"broker"`
		ClientID  string `yaml:"client_id"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		TopicBase string `yaml:"topic_base"`
		QoS       uint8  `yaml:"qos"`
		Retain    bool   `yaml:"retain"`
		Writes    bool   `yaml:"writes"` // accept commands on set topics
	} `yaml:"mqtt"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`
}

type HubConfig struct {
	Name         string        `yaml:"name"`
	Protocol     string        `yaml:"protocol"` // tcp | rtu
	Connection   Connection    `yaml:"connection"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	Enabled      bool          `yaml:"enabled"`
	MaxSpanWords uint16        `yaml:"max_span_words"`
	MaxGapWords  uint16        `yaml:"max_gap_words"`
	Devices      []Device      `yaml:"devices"`
}

type Connection struct {
	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
}

type Device struct {
	SlaveID  uint8          `yaml:"slave_id"`
	Template string         `yaml:"template"`
	Firmware string         `yaml:"firmware_version"`
	Options  map[string]any `yaml:"options"` // user overrides: phases, battery_enabled, ...
}

// Endpoint maps the hub's connection settings to a transport endpoint.
func (h HubConfig) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		Protocol:   h.Protocol,
		Host:       h.Connection.Host,
		Port:       h.Connection.Port,
		SerialPort: h.Connection.SerialPort,
		BaudRate:   h.Connection.BaudRate,
		DataBits:   h.Connection.DataBits,
		StopBits:   h.Connection.StopBits,
		Parity:     h.Connection.Parity,
		Timeout:    h.Timeout,
		RetryCount: h.RetryCount,
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	// Defaults
	if cfg.System.LogLevel == "" {
		cfg.System.LogLevel = "info"
	}
	if cfg.System.TemplatesDir == "" {
		cfg.System.TemplatesDir = "templates"
	}
	if cfg.System.Storage.Enabled && cfg.System.Storage.DBPath == "" {
		cfg.System.Storage.DBPath = "modbus-manager.db"
	}
	if cfg.System.MQTT.Enabled && cfg.System.MQTT.Broker == "" {
		return Config{}, fmt.Errorf("mqtt enabled without a broker")
	}
	if cfg.System.Metrics.Enabled && cfg.System.Metrics.Listen == "" {
		cfg.System.Metrics.Listen = ":2112"
	}
	for i := range cfg.Hubs {
		hub := &cfg.Hubs[i]
		if hub.Protocol == "" {
			hub.Protocol = "tcp"
		}
		if hub.Interval <= 0 {
			hub.Interval = 30 * time.Second
		}
		if hub.Timeout <= 0 {
			hub.Timeout = 5 * time.Second
		}
		for j := range hub.Devices {
			if hub.Devices[j].SlaveID == 0 {
				hub.Devices[j].SlaveID = 1
			}
		}
	}
	// Basic validation
	if len(cfg.Hubs) == 0 {
		return Config{}, fmt.Errorf("no hubs configured")
	}
	names := make(map[string]bool, len(cfg.Hubs))
	for _, hub := range cfg.Hubs {
		if hub.Name == "" {
			return Config{}, fmt.Errorf("hub without a name")
		}
		if names[hub.Name] {
			return Config{}, fmt.Errorf("duplicate hub name %s", hub.Name)
		}
		names[hub.Name] = true
		if !hub.Enabled {
			continue
		}
		if len(hub.Devices) == 0 {
			return Config{}, fmt.Errorf("hub %s has no devices", hub.Name)
		}
		slaves := make(map[uint8]bool, len(hub.Devices))
		for _, dev := range hub.Devices {
			if dev.Template == "" {
				return Config{}, fmt.Errorf("hub %s slave %d has no template", hub.Name, dev.SlaveID)
			}
			if slaves[dev.SlaveID] {
				return Config{}, fmt.Errorf("hub %s uses slave %d twice", hub.Name, dev.SlaveID)
			}
			slaves[dev.SlaveID] = true
		}
	}
	return cfg, nil
}
