package gateway

import (
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardgate/internal/metrics"
)

// ShardCountAuto asks the pool to use the shard count recommended by the API.
const ShardCountAuto = 0

// CommandLimitConfig defines the outgoing command window of a shard.
type CommandLimitConfig struct {
	// Commands is the number of frames a shard may send per window
	Commands int
	// Window is the length of the command window
	Window time.Duration
}

// DefaultCommandLimitConfig returns the gateway command limit:
// 120 commands per 60 seconds.
func DefaultCommandLimitConfig() *CommandLimitConfig {
	return &CommandLimitConfig{
		Commands: 120,
		Window:   60 * time.Second,
	}
}

// IdentifyProperties are the connection properties sent on identify.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Config configures a shard pool and its shards.
type Config struct {
	Token string
	// ShardCount is the total number of shards, or ShardCountAuto.
	ShardCount int
	Intents    int
	// Presence is sent with identify when non-nil.
	Presence       any
	Properties     IdentifyProperties
	LargeThreshold int
	// GatewayQuery is appended to the gateway URL returned by the API.
	GatewayQuery string

	ReadyTimeout     time.Duration
	IdentifyInterval time.Duration
	CommandLimit     *CommandLimitConfig

	SpawnAttempts   int
	SpawnRetryDelay time.Duration
	// DisconnectOnMissedAck drops a connection whose previous heartbeat was
	// never acknowledged and resumes on a fresh one.
	DisconnectOnMissedAck bool

	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// DefaultConfig returns a configuration with the platform defaults.
func DefaultConfig() *Config {
	return &Config{
		ShardCount: ShardCountAuto,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "shardgate",
			Device:  "shardgate",
		},
		LargeThreshold:        50,
		GatewayQuery:          "?v=8&encoding=json",
		ReadyTimeout:          20 * time.Second,
		IdentifyInterval:      5500 * time.Millisecond,
		CommandLimit:          DefaultCommandLimitConfig(),
		SpawnAttempts:         3,
		SpawnRetryDelay:       5 * time.Second,
		DisconnectOnMissedAck: true,
		Dialer:                &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	out := *c
	if out.Properties == (IdentifyProperties{}) {
		out.Properties = def.Properties
	}
	if out.GatewayQuery == "" {
		out.GatewayQuery = def.GatewayQuery
	}
	if out.LargeThreshold == 0 {
		out.LargeThreshold = def.LargeThreshold
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = def.ReadyTimeout
	}
	if out.IdentifyInterval <= 0 {
		out.IdentifyInterval = def.IdentifyInterval
	}
	if out.CommandLimit == nil || out.CommandLimit.Commands <= 0 || out.CommandLimit.Window <= 0 {
		out.CommandLimit = def.CommandLimit
	}
	if out.SpawnAttempts <= 0 {
		out.SpawnAttempts = def.SpawnAttempts
	}
	if out.SpawnRetryDelay < 0 {
		out.SpawnRetryDelay = 0
	}
	if out.Dialer == nil {
		out.Dialer = def.Dialer
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Metrics == nil {
		out.Metrics = metrics.Nop{}
	}
	return &out
}
