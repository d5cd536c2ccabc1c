package shardgate

// EventName is the `t` field of a dispatch frame.
type EventName string

// Dispatch events known to the client.
const (
	EventReady                      EventName = "READY"
	EventResumed                    EventName = "RESUMED"
	EventChannelCreate              EventName = "CHANNEL_CREATE"
	EventChannelUpdate              EventName = "CHANNEL_UPDATE"
	EventChannelDelete              EventName = "CHANNEL_DELETE"
	EventChannelPinsUpdate          EventName = "CHANNEL_PINS_UPDATE"
	EventGuildCreate                EventName = "GUILD_CREATE"
	EventGuildUpdate                EventName = "GUILD_UPDATE"
	EventGuildDelete                EventName = "GUILD_DELETE"
	EventGuildBanAdd                EventName = "GUILD_BAN_ADD"
	EventGuildBanRemove             EventName = "GUILD_BAN_REMOVE"
	EventGuildEmojisUpdate          EventName = "GUILD_EMOJIS_UPDATE"
	EventGuildMemberAdd             EventName = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove          EventName = "GUILD_MEMBER_REMOVE"
	EventGuildMemberUpdate          EventName = "GUILD_MEMBER_UPDATE"
	EventGuildMembersChunk          EventName = "GUILD_MEMBERS_CHUNK"
	EventGuildRoleCreate            EventName = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate            EventName = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete            EventName = "GUILD_ROLE_DELETE"
	EventInviteCreate               EventName = "INVITE_CREATE"
	EventInviteDelete               EventName = "INVITE_DELETE"
	EventMessageCreate              EventName = "MESSAGE_CREATE"
	EventMessageUpdate              EventName = "MESSAGE_UPDATE"
	EventMessageDelete              EventName = "MESSAGE_DELETE"
	EventMessageDeleteBulk          EventName = "MESSAGE_DELETE_BULK"
	EventMessageReactionAdd         EventName = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove      EventName = "MESSAGE_REACTION_REMOVE"
	EventMessageReactionRemoveAll   EventName = "MESSAGE_REACTION_REMOVE_ALL"
	EventMessageReactionRemoveEmoji EventName = "MESSAGE_REACTION_REMOVE_EMOJI"
	EventPresenceUpdate             EventName = "PRESENCE_UPDATE"
	EventTypingStart                EventName = "TYPING_START"
	EventUserUpdate                 EventName = "USER_UPDATE"
)

// KnownEvents is the closed set of events a handler can be registered for.
var KnownEvents = []EventName{
	EventReady, EventResumed,
	EventChannelCreate, EventChannelUpdate, EventChannelDelete, EventChannelPinsUpdate,
	EventGuildCreate, EventGuildUpdate, EventGuildDelete, EventGuildBanAdd, EventGuildBanRemove,
	EventGuildEmojisUpdate, EventGuildMemberAdd, EventGuildMemberRemove, EventGuildMemberUpdate,
	EventGuildMembersChunk, EventGuildRoleCreate, EventGuildRoleUpdate, EventGuildRoleDelete,
	EventInviteCreate, EventInviteDelete,
	EventMessageCreate, EventMessageUpdate, EventMessageDelete, EventMessageDeleteBulk,
	EventMessageReactionAdd, EventMessageReactionRemove, EventMessageReactionRemoveAll,
	EventMessageReactionRemoveEmoji,
	EventPresenceUpdate, EventTypingStart, EventUserUpdate,
}

// Known reports whether the event belongs to KnownEvents.
func (e EventName) Known() bool {
	for _, k := range KnownEvents {
		if k == e {
			return true
		}
	}
	return false
}
