// ABOUTME: JSON wire envelopes exchanged with workers over the control socket.
// ABOUTME: Decodes inbound frames by their type discriminator and builds outbound ones.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ProtocolVersion is the version the gateway speaks.
const ProtocolVersion = "1.0.0"

// SupportedVersions lists every worker protocol version accepted at hello.
var SupportedVersions = []string{ProtocolVersion}

// Websocket close handling for protocol violations.
const (
	ClosePolicyViolation = 1008

	ReasonHelloRequired   = "hello required"
	ReasonUpgradeRequired = "upgrade required"
	ReasonUnauthorized    = "unauthorized"
	ReasonSuperseded      = "superseded by new connection"
)

// Inbound message types.
const (
	TypeHello  = "hello"
	TypeGuilds = "guilds"
	TypeEvent  = "event"
	TypeResp   = "resp"
)

// Outbound message types.
const (
	TypeReq     = "req"
	TypeWelcome = "welcome"
	TypeError   = "error"
)

// Event names carried in an event frame.
const (
	EventReleased = "released"
	EventAdd      = "add"
)

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed frame")

// ErrUnknownType is returned for well-formed frames with an unrecognised type.
var ErrUnknownType = errors.New("unknown message type")

// Message is any decoded inbound frame.
type Message interface {
	messageType() string
}

// Hello is the handshake frame and doubles as a metadata refresh.
type Hello struct {
	AgentID         string   `json:"agentId"`
	ProtocolVersion string   `json:"protocolVersion"`
	Ready           bool     `json:"ready"`
	GuildIDs        []string `json:"guildIds"`
	RunnerSecret    string   `json:"runnerSecret,omitempty"`
	BotUserID       string   `json:"botUserId,omitempty"`
	Tag             string   `json:"tag,omitempty"`
}

// Guilds replaces the worker's tenant membership set.
type Guilds struct {
	GuildIDs []string `json:"guildIds"`
}

// Event is a worker-initiated lease notification.
type Event struct {
	Event          string `json:"event"`
	Kind           string `json:"kind"`
	TextKind       string `json:"textKind,omitempty"`
	GuildID        string `json:"guildId"`
	VoiceChannelID string `json:"voiceChannelId,omitempty"`
	TextChannelID  string `json:"textChannelId,omitempty"`
	OwnerUserID    string `json:"ownerUserId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Resp answers a previously sent Req.
type Resp struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (Hello) messageType() string  { return TypeHello }
func (Guilds) messageType() string { return TypeGuilds }
func (Event) messageType() string  { return TypeEvent }
func (Resp) messageType() string   { return TypeResp }

// Req is an outbound command envelope.
type Req struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Data    json.RawMessage `json:"data,omitempty"`
	AgentID string          `json:"agentId"`
}

// Welcome acknowledges a successful hello.
type Welcome struct {
	Type            string `json:"type"`
	AgentID         string `json:"agentId"`
	ServerID        string `json:"serverId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ErrorFrame precedes a protocol close so the worker can log a useful reason.
type ErrorFrame struct {
	Type              string   `json:"type"`
	Error             string   `json:"error"`
	Message           string   `json:"message"`
	SupportedVersions []string `json:"supportedVersions,omitempty"`
}

// NewReq builds a command envelope.
func NewReq(id, agentID, op string, data json.RawMessage) Req {
	return Req{Type: TypeReq, ID: id, Op: op, Data: data, AgentID: agentID}
}

// NewWelcome builds the hello acknowledgement.
func NewWelcome(agentID, serverID string) Welcome {
	return Welcome{Type: TypeWelcome, AgentID: agentID, ServerID: serverID, ProtocolVersion: ProtocolVersion}
}

// NewVersionError builds the frame sent before closing an outdated worker.
func NewVersionError(got string) ErrorFrame {
	msg := "Incompatible protocol version"
	if got == "" {
		msg = "Missing protocol version"
	}
	return ErrorFrame{
		Type:              TypeError,
		Error:             ReasonUpgradeRequired,
		Message:           msg,
		SupportedVersions: SupportedVersions,
	}
}

// IsSupported reports whether v is an accepted protocol version.
func IsSupported(v string) bool {
	return slices.Contains(SupportedVersions, v)
}

// Decode parses one inbound frame.
func Decode(frame []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeHello:
		var m Hello
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeGuilds:
		var m Guilds
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeEvent:
		var m Event
		err = json.Unmarshal(frame, &m)
		msg = m
	case TypeResp:
		var m Resp
		err = json.Unmarshal(frame, &m)
		if err == nil && m.ID == "" {
			err = errors.New("resp without id")
		}
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return msg, nil
}

// Encode renders an inbound message with its type discriminator. The gateway
// never sends these; worker implementations and tests do.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(m.messageType())
	return json.Marshal(fields)
}
