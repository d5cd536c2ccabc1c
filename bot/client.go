// Package bot is the public entry point for building a sharded gateway client.
package bot

import (
	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/config"
	"github.com/luciancaetano/shardgate/internal/entity"
	"github.com/luciancaetano/shardgate/internal/gateway"
	"github.com/luciancaetano/shardgate/internal/metrics"
	"github.com/luciancaetano/shardgate/internal/rest"
	"github.com/luciancaetano/shardgate/internal/session"
)

type Client = session.Client
type Config = session.Config
type FileConfig = config.Config
type CommandLimitConfig = gateway.CommandLimitConfig
type IdentifyProperties = gateway.IdentifyProperties
type RouteBuilder = rest.RouteBuilder
type StatsStore = rest.StatsStore
type MetricsRecorder = metrics.Recorder
type User = entity.User
type Guild = entity.Guild
type Channel = entity.Channel

// ShardCountAuto asks the gateway for the recommended shard count.
const ShardCountAuto = gateway.ShardCountAuto

// New creates a client. Nothing connects until Start is called.
//
// Example:
//
//	client := bot.New(bot.NewConfig(token, bot.ShardCountAuto, shardgate.IntentGuilds))
//	client.On(shardgate.NotifyReady, func(shardgate.Notification) {
//	    log.Println("all shards ready")
//	})
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg *Config) *Client {
	return session.New(cfg)
}

// NewConfig returns the default configuration for token with the given
// shard count and intents.
func NewConfig(token string, shardCount int, intents ...shardgate.Intent) *Config {
	return session.NewConfig(token, shardCount, intents...)
}

// LoadConfig reads a YAML file and SHARDGATE_* environment variables into a
// client configuration. An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	fc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return fc.ClientConfig()
}

// DefaultCommandLimitConfig returns the gateway send budget of 120 commands
// per minute.
func DefaultCommandLimitConfig() *CommandLimitConfig {
	return gateway.DefaultCommandLimitConfig()
}

// NewMemoryStats returns an in-process request stats sink.
func NewMemoryStats() *rest.MemoryStatsStore {
	return rest.NewMemoryStatsStore()
}
