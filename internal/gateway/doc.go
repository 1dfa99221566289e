// ABOUTME: Documentation for the gateway package.
// ABOUTME: Explains the session state machine and its reconnect guarantees.

// Package gateway maintains the persistent websocket connection to the
// service, one Session per shard.
//
// A Session walks a fixed state machine: connect, wait for the server's
// hello frame, then identify (new session) or resume (existing session id
// plus sequence number), then steady-state dispatch. While connected it
// heartbeats at the server-provided interval and treats a missed
// acknowledgement as a dead connection.
//
// Disconnects are classified by close code. Most are resumable: the session
// reconnects with backoff and replays from its last sequence number.
// A handful of codes (bad token, bad intents, sharding misconfiguration)
// can never succeed on retry and terminate Run with a *CloseError.
//
// Dispatch events flow to the registered Handler in arrival order, and
// entity-carrying events are mirrored into the shared cache before the
// handler sees them. Frames with a non-increasing sequence number, as seen
// immediately after a resume, are dropped.
package gateway
