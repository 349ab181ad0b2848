package main

import (
	"fmt"
	"time"
)

type Config struct {
	Target             string             `yaml:"target"`
	ProbeConfiguration ProbeConfiguration `yaml:"probe_config"`
	LogConfiguration   LogConfiguration   `yaml:"log_config"`
}

type ProbeConfiguration struct {
	Probe        string        `yaml:"probe"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	ResolveEvery time.Duration `yaml:"resolve_every"`
	PayloadSize  uint16        `yaml:"payload_size"`
	Privileged   bool          `yaml:"privileged"`
	Bind4        string        `yaml:"bind4"`
	Bind6        string        `yaml:"bind6"`
	TCPPort      uint16        `yaml:"tcp_port"`
	HTTPURL      string        `yaml:"http_url"`
	HTTPMethod   string        `yaml:"http_method"`
}

type LogConfiguration struct {
	File     string        `yaml:"file"`
	MaxSize  int64         `yaml:"max_size"`
	MaxAge   time.Duration `yaml:"max_age"`
	Keep     int           `yaml:"keep"`
	Compress bool          `yaml:"compress"`
}

// defaultConfig is the configuration used when the file or a setting is
// absent. Unmarshaling the file on top of it keeps explicit zero values
// from the file intact.
func defaultConfig() Config {
	return Config{
		ProbeConfiguration: ProbeConfiguration{
			Probe:       "icmp",
			Interval:    5 * time.Second,
			Timeout:     5 * time.Second,
			PayloadSize: 56,
			Bind4:       "0.0.0.0",
			Bind6:       "::",
			HTTPMethod:  "HEAD",
		},
		LogConfiguration: LogConfiguration{
			File:     "ping-logger.log",
			MaxSize:  1 << 20,
			Keep:     3,
			Compress: true,
		},
	}
}

func (c Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("No probe target configured")
	}
	if _, exists := probers[c.ProbeConfiguration.Probe]; !exists {
		return fmt.Errorf("Invalid prober type: %s", c.ProbeConfiguration.Probe)
	}
	if c.ProbeConfiguration.Interval <= 0 {
		return fmt.Errorf("Probe interval must be positive")
	}
	if c.ProbeConfiguration.Timeout <= 0 {
		return fmt.Errorf("Probe timeout must be positive")
	}
	if c.ProbeConfiguration.ResolveEvery < 0 {
		return fmt.Errorf("Resolve interval cannot be negative")
	}
	if c.ProbeConfiguration.PayloadSize > 65500 {
		return fmt.Errorf("Payload of %d bytes does not fit an icmp datagram",
			c.ProbeConfiguration.PayloadSize)
	}
	if c.ProbeConfiguration.Probe == "icmp" &&
		c.ProbeConfiguration.Bind4 == "" && c.ProbeConfiguration.Bind6 == "" {
		return fmt.Errorf("Probe needs at least one bind address")
	}
	if c.ProbeConfiguration.Probe == "tcp" && c.ProbeConfiguration.TCPPort == 0 {
		return fmt.Errorf("No tcp_port configured for tcp probe")
	}
	if c.LogConfiguration.File == "" {
		return fmt.Errorf("No log file configured")
	}
	if c.LogConfiguration.MaxSize < 0 {
		return fmt.Errorf("Log max_size cannot be negative")
	}
	if c.LogConfiguration.MaxAge < 0 {
		return fmt.Errorf("Log max_age cannot be negative")
	}
	if c.LogConfiguration.Keep < 0 {
		return fmt.Errorf("Log keep cannot be negative")
	}

	return nil
}
