// ABOUTME: Operation catalog dispatched to workers through req.op.
// ABOUTME: Payloads stay opaque; the gateway never interprets op-specific fields.

package protocol

// Media session operations.
const (
	OpPlay    = "play"
	OpSearch  = "search"
	OpSkip    = "skip"
	OpPause   = "pause"
	OpResume  = "resume"
	OpStop    = "stop"
	OpVolume  = "volume"
	OpShuffle = "shuffle"
	OpClear   = "clear"
	OpRemove  = "remove"
	OpMove    = "move"
	OpSwap    = "swap"
	OpQueue   = "queue"
	OpStatus  = "status"
	OpPreset  = "preset"
)

// Conversational session operations.
const (
	OpAssistantJoin     = "assistantJoin"
	OpAssistantStart    = "assistantStart"
	OpAssistantListen   = "assistantListen"
	OpAssistantSay      = "assistantSay"
	OpAssistantStop     = "assistantStop"
	OpAssistantLeave    = "assistantLeave"
	OpAssistantSettings = "assistantSettings"
	OpAssistantStatus   = "assistantStatus"
)

// OpRelease asks a worker to tear down whatever it holds for a scope.
const OpRelease = "release"

var mediaOps = map[string]bool{
	OpPlay: true, OpSearch: true, OpSkip: true, OpPause: true, OpResume: true,
	OpStop: true, OpVolume: true, OpShuffle: true, OpClear: true, OpRemove: true,
	OpMove: true, OpSwap: true, OpQueue: true, OpStatus: true, OpPreset: true,
}

var assistantOps = map[string]bool{
	OpAssistantJoin: true, OpAssistantStart: true, OpAssistantListen: true,
	OpAssistantSay: true, OpAssistantStop: true, OpAssistantLeave: true,
	OpAssistantSettings: true, OpAssistantStatus: true,
}

// IsMediaOp reports whether op belongs to the media catalog.
func IsMediaOp(op string) bool { return mediaOps[op] }

// IsAssistantOp reports whether op belongs to the conversational catalog.
func IsAssistantOp(op string) bool { return assistantOps[op] }

// IsKnownOp reports whether op is in any catalog.
func IsKnownOp(op string) bool {
	return op == OpRelease || mediaOps[op] || assistantOps[op]
}

// ReleasePayload is the body of a release req.
type ReleasePayload struct {
	GuildID        string `json:"guildId"`
	VoiceChannelID string `json:"voiceChannelId,omitempty"`
	TextChannelID  string `json:"textChannelId,omitempty"`
	Kind           string `json:"kind"`
	Reason         string `json:"reason,omitempty"`
}
