// Package protocol defines the JSON frames exchanged with workers.
//
// Every frame is a JSON object with a "type" discriminator. Workers send
// hello, guilds, event and resp frames; the gateway sends req, welcome and
// error frames plus transport-level pings.
//
//	{"type":"hello","agentId":"w1","protocolVersion":"1.0.0","ready":true,"guildIds":["g1"]}
//	{"type":"req","id":"...","op":"play","agentId":"w1","data":{...}}
//	{"type":"resp","id":"...","ok":true,"data":{...}}
//
// Decode returns one of Hello, Guilds, Event or Resp. Malformed frames
// produce an error wrapping ErrMalformed or ErrUnknownType; the caller logs
// and drops them.
package protocol
