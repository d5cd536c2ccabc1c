// Package config loads the client configuration from a YAML file and
// SHARDGATE_* environment variables. The environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/gateway"
	"github.com/luciancaetano/shardgate/internal/rest"
	"github.com/luciancaetano/shardgate/internal/session"
)

// ShardsAuto selects the recommended shard count.
const ShardsAuto = "auto"

type Config struct {
	Token string `yaml:"token"`
	// Shards is "auto" or a positive count.
	Shards string `yaml:"shards"`
	// Intents lists intent names such as GUILDS or GUILD_MESSAGES.
	Intents []string `yaml:"intents"`

	API     APIConfig     `yaml:"api"`
	Gateway GatewayConfig `yaml:"gateway"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
}

type APIConfig struct {
	BaseURL              string        `yaml:"base_url"`
	UserAgent            string        `yaml:"user_agent"`
	Timeout              time.Duration `yaml:"timeout"`
	InvalidRequestLimit  int           `yaml:"invalid_request_limit"`
	InvalidRequestWindow time.Duration `yaml:"invalid_request_window"`
}

type GatewayConfig struct {
	Query                 string        `yaml:"query"`
	LargeThreshold        int           `yaml:"large_threshold"`
	ReadyTimeout          time.Duration `yaml:"ready_timeout"`
	IdentifyInterval      time.Duration `yaml:"identify_interval"`
	Commands              int           `yaml:"commands"`
	CommandWindow         time.Duration `yaml:"command_window"`
	SpawnAttempts         int           `yaml:"spawn_attempts"`
	SpawnRetryDelay       time.Duration `yaml:"spawn_retry_delay"`
	DisconnectOnMissedAck bool          `yaml:"disconnect_on_missed_ack"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	// Addr enables the Redis request stats sink when set.
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	gw := gateway.DefaultConfig()
	ro := rest.DefaultOptions()
	return &Config{
		Shards:  ShardsAuto,
		Intents: []string{"GUILDS", "GUILD_MESSAGES"},
		API: APIConfig{
			BaseURL:              ro.BaseURL,
			UserAgent:            ro.UserAgent,
			Timeout:              ro.HTTPClient.Timeout,
			InvalidRequestLimit:  ro.InvalidRequestLimit,
			InvalidRequestWindow: ro.InvalidRequestWindow,
		},
		Gateway: GatewayConfig{
			Query:                 gw.GatewayQuery,
			LargeThreshold:        gw.LargeThreshold,
			ReadyTimeout:          gw.ReadyTimeout,
			IdentifyInterval:      gw.IdentifyInterval,
			Commands:              gw.CommandLimit.Commands,
			CommandWindow:         gw.CommandLimit.Window,
			SpawnAttempts:         gw.SpawnAttempts,
			SpawnRetryDelay:       gw.SpawnRetryDelay,
			DisconnectOnMissedAck: gw.DisconnectOnMissedAck,
		},
		Log: LogConfig{Level: "info"},
		Redis: RedisConfig{
			Prefix: "shardgate:rest",
			TTL:    24 * time.Hour,
		},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Token = getenvDefault("SHARDGATE_TOKEN", c.Token)
	c.Shards = getenvDefault("SHARDGATE_SHARDS", c.Shards)
	if v := os.Getenv("SHARDGATE_INTENTS"); v != "" {
		c.Intents = splitList(v)
	}

	c.API.BaseURL = getenvDefault("SHARDGATE_API_URL", c.API.BaseURL)
	c.API.InvalidRequestLimit = getenvIntDefault("SHARDGATE_INVALID_REQUEST_LIMIT", c.API.InvalidRequestLimit)

	c.Gateway.ReadyTimeout = getenvDurationDefault("SHARDGATE_READY_TIMEOUT", c.Gateway.ReadyTimeout)
	c.Gateway.IdentifyInterval = getenvDurationDefault("SHARDGATE_IDENTIFY_INTERVAL", c.Gateway.IdentifyInterval)
	c.Gateway.DisconnectOnMissedAck = getenvBoolDefault("SHARDGATE_DISCONNECT_ON_MISSED_ACK", c.Gateway.DisconnectOnMissedAck)

	c.Log.Level = getenvDefault("SHARDGATE_LOG_LEVEL", c.Log.Level)
	c.Metrics.Addr = getenvDefault("SHARDGATE_METRICS_ADDR", c.Metrics.Addr)
	c.Redis.Addr = getenvDefault("SHARDGATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenvDefault("SHARDGATE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvIntDefault("SHARDGATE_REDIS_DB", c.Redis.DB)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if _, err := c.ShardCount(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.IntentMask(); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.Commands <= 0 || c.Gateway.CommandWindow <= 0 {
		errs = append(errs, errors.New("gateway command window must be positive"))
	}
	if c.Gateway.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("gateway ready_timeout must be positive"))
	}
	if c.Gateway.IdentifyInterval <= 0 {
		errs = append(errs, errors.New("gateway identify_interval must be positive"))
	}
	if c.Gateway.SpawnAttempts <= 0 {
		errs = append(errs, errors.New("gateway spawn_attempts must be positive"))
	}
	if c.API.InvalidRequestLimit <= 0 || c.API.InvalidRequestWindow <= 0 {
		errs = append(errs, errors.New("api invalid request budget must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ShardCount parses Shards; "auto" and "" yield gateway.ShardCountAuto.
func (c *Config) ShardCount() (int, error) {
	s := strings.TrimSpace(strings.ToLower(c.Shards))
	if s == "" || s == ShardsAuto {
		return gateway.ShardCountAuto, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("shards must be %q or a positive number, got %q", ShardsAuto, c.Shards)
	}
	return n, nil
}

var intentNames = map[string]shardgate.Intent{
	"GUILDS":                   shardgate.IntentGuilds,
	"GUILD_MEMBERS":            shardgate.IntentGuildMembers,
	"GUILD_BANS":               shardgate.IntentGuildBans,
	"GUILD_EMOJIS":             shardgate.IntentGuildEmojis,
	"GUILD_INTEGRATIONS":       shardgate.IntentGuildIntegrations,
	"GUILD_WEBHOOKS":           shardgate.IntentGuildWebhooks,
	"GUILD_INVITES":            shardgate.IntentGuildInvites,
	"GUILD_VOICE_STATES":       shardgate.IntentGuildVoiceStates,
	"GUILD_PRESENCES":          shardgate.IntentGuildPresences,
	"GUILD_MESSAGES":           shardgate.IntentGuildMessages,
	"GUILD_MESSAGE_REACTIONS":  shardgate.IntentGuildMessageReactions,
	"GUILD_MESSAGE_TYPING":     shardgate.IntentGuildMessageTyping,
	"DIRECT_MESSAGES":          shardgate.IntentDirectMessages,
	"DIRECT_MESSAGE_REACTIONS": shardgate.IntentDirectMessageReactions,
	"DIRECT_MESSAGE_TYPING":    shardgate.IntentDirectMessageTyping,
}

// IntentMask ORs the named intents.
func (c *Config) IntentMask() (int, error) {
	intents := make([]shardgate.Intent, 0, len(c.Intents))
	for _, name := range c.Intents {
		i, ok := intentNames[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", name)
		}
		intents = append(intents, i)
	}
	return shardgate.CombineIntents(intents...), nil
}

// ClientConfig converts c into a client configuration. Loggers, metrics and
// stats sinks are left for the caller to set.
func (c *Config) ClientConfig() (*session.Config, error) {
	shards, err := c.ShardCount()
	if err != nil {
		return nil, err
	}
	mask, err := c.IntentMask()
	if err != nil {
		return nil, err
	}

	out := session.NewConfig(c.Token, shards)
	out.Gateway.Intents = mask
	out.Gateway.GatewayQuery = c.Gateway.Query
	out.Gateway.LargeThreshold = c.Gateway.LargeThreshold
	out.Gateway.ReadyTimeout = c.Gateway.ReadyTimeout
	out.Gateway.IdentifyInterval = c.Gateway.IdentifyInterval
	out.Gateway.CommandLimit = &gateway.CommandLimitConfig{
		Commands: c.Gateway.Commands,
		Window:   c.Gateway.CommandWindow,
	}
	out.Gateway.SpawnAttempts = c.Gateway.SpawnAttempts
	out.Gateway.SpawnRetryDelay = c.Gateway.SpawnRetryDelay
	out.Gateway.DisconnectOnMissedAck = c.Gateway.DisconnectOnMissedAck

	out.REST.BaseURL = c.API.BaseURL
	out.REST.UserAgent = c.API.UserAgent
	out.REST.InvalidRequestLimit = c.API.InvalidRequestLimit
	out.REST.InvalidRequestWindow = c.API.InvalidRequestWindow
	if c.API.Timeout > 0 {
		out.REST.HTTPClient.Timeout = c.API.Timeout
	}
	return out, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
