// ABOUTME: Configuration loading for the switchboard simulator
// ABOUTME: Loads TOML config with environment variable expansion, or falls back to built-in defaults

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway     GatewayConfig     `toml:"gateway"`
	Listener    ListenerConfig    `toml:"listener"`
	User        PartyConfig       `toml:"user"`
	Agent       PartyConfig       `toml:"agent"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Script      ScriptConfig      `toml:"script"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
}

// ListenerConfig is the local webhook receiver both simulated parties share.
type ListenerConfig struct {
	Addr string `toml:"addr"`
}

// PartyConfig describes one side of the simulated handoff.
type PartyConfig struct {
	ChannelID      string `toml:"channel_id"`
	ConversationID string `toml:"conversation_id"`
	AccountID      string `toml:"account_id"`
	AccountName    string `toml:"account_name"`
}

type AggregationConfig struct {
	ConversationID string `toml:"conversation_id"`
}

// ScriptConfig holds the lines each party sends once connected.
type ScriptConfig struct {
	UserLines  []string `toml:"user_lines"`
	AgentLines []string `toml:"agent_lines"`
}

type TimeoutsConfig struct {
	Deliver time.Duration `toml:"-"`

	// Raw string value for TOML decoding
	DeliverRaw string `toml:"deliver"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{
		Gateway:  GatewayConfig{URL: "http://localhost:8080"},
		Listener: ListenerConfig{Addr: "localhost:9801"},
		User: PartyConfig{
			ChannelID:      "webchat",
			ConversationID: "visitor-42",
			AccountID:      "user-42",
			AccountName:    "Visitor",
		},
		Agent: PartyConfig{
			ChannelID:      "agenthub",
			ConversationID: "desk-1",
			AccountID:      "agent-1",
			AccountName:    "Agent",
		},
		Aggregation: AggregationConfig{ConversationID: "requests-feed"},
		Script: ScriptConfig{
			UserLines:  []string{"hello, is anyone there?", "my order never arrived"},
			AgentLines: []string{"hi, let me look into that for you"},
		},
		Timeouts: TimeoutsConfig{Deliver: 5 * time.Second},
	}
	return cfg
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	if c.Timeouts.DeliverRaw != "" {
		d, err := time.ParseDuration(c.Timeouts.DeliverRaw)
		if err != nil {
			return fmt.Errorf("invalid timeouts.deliver: %w", err)
		}
		c.Timeouts.Deliver = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Gateway.URL == "" {
		c.Gateway.URL = def.Gateway.URL
	}
	if c.Listener.Addr == "" {
		c.Listener.Addr = def.Listener.Addr
	}
	if c.User.ChannelID == "" {
		c.User = def.User
	}
	if c.Agent.ChannelID == "" {
		c.Agent = def.Agent
	}
	if c.Aggregation.ConversationID == "" {
		c.Aggregation = def.Aggregation
	}
	if len(c.Script.UserLines) == 0 {
		c.Script.UserLines = def.Script.UserLines
	}
	if len(c.Script.AgentLines) == 0 {
		c.Script.AgentLines = def.Script.AgentLines
	}
	if c.Timeouts.Deliver == 0 {
		c.Timeouts.Deliver = def.Timeouts.Deliver
	}
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.User.ChannelID == c.Agent.ChannelID && c.User.ConversationID == c.Agent.ConversationID {
		return fmt.Errorf("user and agent must live in different conversations")
	}
	if c.Timeouts.Deliver <= 0 {
		return fmt.Errorf("timeouts.deliver must be positive")
	}
	return nil
}
