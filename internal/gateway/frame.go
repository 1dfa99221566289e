// ABOUTME: Wire-level frame types and opcodes for the gateway protocol.
// ABOUTME: Covers control opcodes, close-code classification, and identify/resume payloads.

package gateway

import (
	"encoding/json"
	"fmt"
)

// Gateway control opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// frame is one message on the gateway connection.
type frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// helloData is the payload of the server's first control frame.
type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// readyData is the payload of the READY dispatch event.
type readyData struct {
	SessionID string `json:"session_id"`
}

// identifyData is the payload sent to open a fresh session.
type identifyData struct {
	Token          string             `json:"token"`
	Intents        int                `json:"intents"`
	Shard          [2]int             `json:"shard"`
	LargeThreshold int                `json:"large_threshold"`
	Properties     identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// resumeData is the payload sent to resume an existing session.
type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Close codes the server may terminate a connection with. Most closes are
// resumable; the ones below indicate a misconfiguration that a reconnect
// cannot fix.
const (
	closeAuthenticationFailed = 4004
	closeInvalidShard         = 4010
	closeShardingRequired     = 4011
	closeInvalidAPIVersion    = 4012
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

// CloseError wraps a gateway connection close with its numeric code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway closed: %d %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("gateway closed: %d", e.Code)
}

// Resumable reports whether the session may be resumed after this close.
func (e *CloseError) Resumable() bool {
	switch e.Code {
	case closeAuthenticationFailed,
		closeInvalidShard,
		closeShardingRequired,
		closeInvalidAPIVersion,
		closeInvalidIntents,
		closeDisallowedIntents:
		return false
	}
	return true
}
