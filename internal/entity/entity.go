// Package entity holds the value objects built from decoded dispatch payloads.
//
// Every entity kind is a concrete type behind the Entity interface. A channel
// refers to its guild by id only; the guild is looked up in a Store when needed.
package entity

import (
	"encoding/json"
	"fmt"
)

// Kind tags an entity type.
type Kind int

const (
	KindUser Kind = iota
	KindChannel
	KindGuild
	KindPresence
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChannel:
		return "channel"
	case KindGuild:
		return "guild"
	case KindPresence:
		return "presence"
	case KindTemplate:
		return "template"
	}
	return "unknown"
}

// Entity is implemented by every value object.
type Entity interface {
	Kind() Kind
	// Key identifies the entity within its kind.
	Key() string
}

// Construct decodes raw into the value object for kind.
func Construct(kind Kind, raw json.RawMessage) (Entity, error) {
	var e Entity
	switch kind {
	case KindUser:
		e = &User{}
	case KindChannel:
		e = &Channel{}
	case KindGuild:
		e = &Guild{}
	case KindPresence:
		e = &Presence{}
	case KindTemplate:
		e = &Template{}
	default:
		return nil, fmt.Errorf("construct: unknown entity kind %d", kind)
	}

	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("construct %s: %w", kind, err)
	}
	return e, nil
}

type User struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot,omitempty"`
	System        bool    `json:"system,omitempty"`
	MFAEnabled    bool    `json:"mfa_enabled,omitempty"`
	Locale        string  `json:"locale,omitempty"`
	Verified      bool    `json:"verified,omitempty"`
	Email         *string `json:"email,omitempty"`
	Flags         int     `json:"flags,omitempty"`
	PremiumType   int     `json:"premium_type,omitempty"`
	PublicFlags   int     `json:"public_flags,omitempty"`
}

func (*User) Kind() Kind    { return KindUser }
func (u *User) Key() string { return u.ID }

// Tag returns username#discriminator.
func (u *User) Tag() string {
	return u.Username + "#" + u.Discriminator
}

// ChannelType distinguishes guild and direct message channels.
type ChannelType int

const (
	ChannelGuildText     ChannelType = 0
	ChannelDM            ChannelType = 1
	ChannelGuildVoice    ChannelType = 2
	ChannelGroupDM       ChannelType = 3
	ChannelGuildCategory ChannelType = 4
	ChannelGuildNews     ChannelType = 5
	ChannelGuildStore    ChannelType = 6
)

// Channel carries the fields of both guild and direct message channels.
type Channel struct {
	ID               string      `json:"id"`
	Type             ChannelType `json:"type"`
	GuildID          string      `json:"guild_id,omitempty"`
	Position         int         `json:"position,omitempty"`
	Name             string      `json:"name,omitempty"`
	Topic            *string     `json:"topic,omitempty"`
	NSFW             bool        `json:"nsfw,omitempty"`
	LastMessageID    *string     `json:"last_message_id,omitempty"`
	Bitrate          int         `json:"bitrate,omitempty"`
	UserLimit        int         `json:"user_limit,omitempty"`
	RateLimitPerUser int         `json:"rate_limit_per_user,omitempty"`
	Recipients       []User      `json:"recipients,omitempty"`
	Icon             *string     `json:"icon,omitempty"`
	OwnerID          string      `json:"owner_id,omitempty"`
	ApplicationID    string      `json:"application_id,omitempty"`
	ParentID         *string     `json:"parent_id,omitempty"`
	LastPinTimestamp *string     `json:"last_pin_timestamp,omitempty"`
}

func (*Channel) Kind() Kind    { return KindChannel }
func (c *Channel) Key() string { return c.ID }

// IsDM reports a direct or group message channel.
func (c *Channel) IsDM() bool {
	return c.Type == ChannelDM || c.Type == ChannelGroupDM
}

// Guild looks up the owning guild in guilds.
func (c *Channel) Guild(guilds *Store[string, *Guild]) (*Guild, bool) {
	if c.GuildID == "" || guilds == nil {
		return nil, false
	}
	return guilds.Get(c.GuildID)
}

type Guild struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Icon        *string   `json:"icon"`
	OwnerID     string    `json:"owner_id"`
	Region      string    `json:"region"`
	Unavailable bool      `json:"unavailable,omitempty"`
	MemberCount int       `json:"member_count,omitempty"`
	Channels    []Channel `json:"channels,omitempty"`
}

func (*Guild) Kind() Kind    { return KindGuild }
func (g *Guild) Key() string { return g.ID }

// PresenceStatus is a user's online status.
type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusDND       PresenceStatus = "dnd"
	StatusIdle      PresenceStatus = "idle"
	StatusOffline   PresenceStatus = "offline"
	StatusInvisible PresenceStatus = "invisible"
)

type Activity struct {
	Name      string  `json:"name"`
	Type      int     `json:"type"`
	URL       *string `json:"url,omitempty"`
	CreatedAt int64   `json:"created_at,omitempty"`
}

type ClientStatus struct {
	Desktop string `json:"desktop,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Web     string `json:"web,omitempty"`
}

type Presence struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	GuildID      string         `json:"guild_id"`
	Status       PresenceStatus `json:"status"`
	Activities   []Activity     `json:"activities"`
	ClientStatus ClientStatus   `json:"client_status"`
}

func (*Presence) Kind() Kind    { return KindPresence }
func (p *Presence) Key() string { return p.GuildID + "/" + p.User.ID }

type Template struct {
	Code                  string  `json:"code"`
	Name                  string  `json:"name"`
	Description           *string `json:"description"`
	UsageCount            int     `json:"usage_count"`
	CreatorID             string  `json:"creator_id"`
	Creator               User    `json:"creator"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
	SourceGuildID         string  `json:"source_guild_id"`
	SerializedSourceGuild Guild   `json:"serialized_source_guild"`
	IsDirty               *bool   `json:"is_dirty"`
}

func (*Template) Kind() Kind    { return KindTemplate }
func (t *Template) Key() string { return t.Code }
