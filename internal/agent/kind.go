// ABOUTME: Session kinds and the composite keys that name a lease.
// ABOUTME: Each kind has its own key namespace so media, assistant and text never collide.

package agent

import (
	"fmt"
	"strings"
)

// Kind is the category of a session.
type Kind string

const (
	KindMedia     Kind = "media"
	KindAssistant Kind = "assistant"
	KindText      Kind = "text"
)

// ParseKind maps wire and API spellings onto a Kind. Empty means media.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "media", "music":
		return KindMedia, nil
	case "assistant", "voice":
		return KindAssistant, nil
	case "text":
		return KindText, nil
	}
	return "", fmt.Errorf("unknown session kind %q", s)
}

// Voice reports whether sessions of this kind sit in a voice channel and
// therefore have an occupancy signal.
func (k Kind) Voice() bool {
	return k == KindMedia || k == KindAssistant
}

// SessionKey identifies one lease. It is comparable and used directly as a
// map key; String renders the canonical text form.
type SessionKey struct {
	Kind      Kind   `json:"kind"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	TextKind  string `json:"textKind,omitempty"`
	OwnerID   string `json:"ownerId,omitempty"`
}

// MediaKey names a media session in a voice channel.
func MediaKey(guildID, voiceChannelID string) SessionKey {
	return SessionKey{Kind: KindMedia, GuildID: guildID, ChannelID: voiceChannelID}
}

// AssistantKey names a conversational session in a voice channel.
func AssistantKey(guildID, voiceChannelID string) SessionKey {
	return SessionKey{Kind: KindAssistant, GuildID: guildID, ChannelID: voiceChannelID}
}

// TextKey names a text session. An empty owner is stored as "0".
func TextKey(textKind, guildID, textChannelID, ownerID string) SessionKey {
	if ownerID == "" {
		ownerID = "0"
	}
	if textKind == "" {
		textKind = "text"
	}
	return SessionKey{Kind: KindText, GuildID: guildID, ChannelID: textChannelID, TextKind: textKind, OwnerID: ownerID}
}

// NewKey builds the key for kind from its parts.
func NewKey(kind Kind, guildID, channelID, textKind, ownerID string) SessionKey {
	switch kind {
	case KindAssistant:
		return AssistantKey(guildID, channelID)
	case KindText:
		return TextKey(textKind, guildID, channelID, ownerID)
	default:
		return MediaKey(guildID, channelID)
	}
}

// String renders guild:vc, a:guild:vc or t:kind:guild:channel:owner.
func (k SessionKey) String() string {
	switch k.Kind {
	case KindAssistant:
		return "a:" + k.GuildID + ":" + k.ChannelID
	case KindText:
		return "t:" + k.TextKind + ":" + k.GuildID + ":" + k.ChannelID + ":" + k.OwnerID
	default:
		return k.GuildID + ":" + k.ChannelID
	}
}

// Valid reports whether the key has the parts its kind needs.
func (k SessionKey) Valid() bool {
	return k.GuildID != "" && k.ChannelID != ""
}
