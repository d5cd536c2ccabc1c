package shardgate

import "errors"

// Opcode identifies the kind of a gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatAck:        "HEARTBEAT_ACK",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// Sendable reports whether a client is allowed to send frames with this opcode.
func (o Opcode) Sendable() bool {
	switch o {
	case OpHeartbeat, OpIdentify, OpPresenceUpdate, OpVoiceStateUpdate, OpResume, OpRequestGuildMembers:
		return true
	}
	return false
}

// Status is the connection state of a shard.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusWaitingGuilds
	StatusReady
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusWaitingGuilds:
		return "waiting_guilds"
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Close codes with special handling.
const (
	CloseNormal = 1000
	// CloseResumable is sent when the client drops a connection it wants to resume.
	CloseResumable       = 4000
	CloseSessionTimedOut = 4006
	CloseInvalidSeq      = 4007
)

// FatalCloseCodes terminate the whole shard pool.
var FatalCloseCodes = []int{4004, 4010, 4011, 4013, 4014}

// SessionInvalidCloseCodes force a fresh identify on reconnect.
var SessionInvalidCloseCodes = []int{CloseSessionTimedOut, CloseInvalidSeq}

// NotificationKind names a lifecycle notification.
type NotificationKind string

const (
	NotifyReady          NotificationKind = "ready"
	NotifyShardReady     NotificationKind = "shardReady"
	NotifyShardError     NotificationKind = "shardError"
	NotifyShardReconnect NotificationKind = "shardReconnect"
	NotifyShardClose     NotificationKind = "shardClose"
	NotifyDestroyed      NotificationKind = "shardDestroyAll"
)

// Intent selects a category of gateway events.
type Intent int

const (
	IntentGuilds Intent = 1 << iota
	IntentGuildMembers
	IntentGuildBans
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
)

// CombineIntents ORs a list of intents into the bitmask sent on identify.
func CombineIntents(intents ...Intent) int {
	var mask int
	for _, i := range intents {
		mask |= int(i)
	}
	return mask
}

// Standard errors
var (
	ErrProtocolViolation = errors.New("invalid payload format")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrConnectionClosed  = errors.New("shard connection is closed")
	ErrPoolDestroyed     = errors.New("shard pool destroyed")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrAlreadyRunning    = errors.New("client already running")
)
