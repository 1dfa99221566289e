// ABOUTME: Persistent gateway connection state machine for one shard.
// ABOUTME: Handles hello/identify/resume handshakes, heartbeating, and reconnect policy.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/slither/internal/cache"
	"github.com/2389/slither/internal/config"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives every decoded dispatch event: the event name and its raw
// payload. The command and extension layers attach here.
type Handler func(event string, data json.RawMessage)

// EndpointFunc obtains the websocket endpoint to connect to, typically
// rest.Client.GatewayURL.
type EndpointFunc func(ctx context.Context) (string, error)

// IdentifyLimiter serializes identify attempts across shards so the shared
// identify rate limit is never tripped. The shard supervisor provides one;
// a single standalone session uses the no-op default.
type IdentifyLimiter interface {
	Wait(ctx context.Context, shardID int) error
}

type noopIdentifyLimiter struct{}

func (noopIdentifyLimiter) Wait(context.Context, int) error { return nil }

// ResumeStore persists resume state across process restarts.
type ResumeStore interface {
	ResumeState(shardID int) (sessionID string, sequence int64, ok bool, err error)
	SaveResumeState(shardID int, sessionID string, sequence int64) error
	ClearResumeState(shardID int) error
}

// ErrIdentifyFailed is returned by Run when a shard cannot establish a
// session after repeated identify attempts. The supervisor treats it as fatal.
var ErrIdentifyFailed = errors.New("identify failed repeatedly")

var (
	errReconnectRequested = errors.New("server requested reconnect")
	errSessionInvalid     = errors.New("session invalidated by server")
	errHeartbeatTimeout   = errors.New("heartbeat not acknowledged within interval")
)

// maxIdentifyFailures is how many consecutive failed connection attempts a
// shard tolerates before Run gives up with ErrIdentifyFailed.
const maxIdentifyFailures = 5

// Options configures a Session.
type Options struct {
	Token      string
	ShardID    int
	ShardCount int
	Config     config.GatewayConfig

	Endpoint EndpointFunc
	Handler  Handler
	Cache    *cache.Cache

	// Optional collaborators.
	IdentifyGate IdentifyLimiter
	Store        ResumeStore
	Logger       *slog.Logger
}

// Session is a single persistent gateway connection. Run drives the state
// machine until the context is cancelled or a fatal condition is hit; all
// transient failures (resumable closes, heartbeat timeouts, server-requested
// reconnects) are recovered internally.
type Session struct {
	token      string
	shardID    int
	shardCount int
	cfg        config.GatewayConfig

	endpoint     EndpointFunc
	handler      Handler
	cache        *cache.Cache
	identifyGate IdentifyLimiter
	store        ResumeStore
	dialer       *websocket.Dialer
	logger       *slog.Logger

	state    atomic.Int32
	sequence atomic.Int64

	mu        sync.Mutex
	sessionID string

	writeMu sync.Mutex

	hbMu          sync.Mutex
	lastBeatSent  time.Time
	awaitingAck   bool
	latency       time.Duration
}

// NewSession creates a gateway session for one shard.
func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.IdentifyGate
	if gate == nil {
		gate = noopIdentifyLimiter{}
	}
	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}

	return &Session{
		token:        opts.Token,
		shardID:      opts.ShardID,
		shardCount:   opts.ShardCount,
		cfg:          opts.Config,
		endpoint:     opts.Endpoint,
		handler:      opts.Handler,
		cache:        opts.Cache,
		identifyGate: gate,
		store:        opts.Store,
		dialer:       websocket.DefaultDialer,
		logger:       logger.With("component", "gateway", "shard_id", opts.ShardID),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Sequence returns the last-seen dispatch sequence number.
func (s *Session) Sequence() int64 {
	return s.sequence.Load()
}

// SessionID returns the server-assigned session id, or "" before identify.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Latency returns the delay between the last heartbeat and its acknowledgement.
func (s *Session) Latency() time.Duration {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.latency
}

// Run connects and drives the session until ctx is cancelled or a fatal
// condition occurs (non-resumable close, or repeated identify failure).
// Resumable disconnects are retried with capped exponential backoff.
func (s *Session) Run(ctx context.Context) error {
	s.loadResumeState()

	failures := 0
	for {
		established, err := s.runOnce(ctx)

		if ctx.Err() != nil {
			s.persistResumeState()
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		if established {
			failures = 0
		} else {
			failures++
		}

		var closeErr *CloseError
		if errors.As(err, &closeErr) && !closeErr.Resumable() {
			s.logger.Error("non-resumable close, shutting shard down",
				"code", closeErr.Code, "reason", closeErr.Reason)
			s.clearSession()
			s.setState(StateDisconnected)
			return closeErr
		}

		if failures >= maxIdentifyFailures {
			s.setState(StateDisconnected)
			return fmt.Errorf("%w: %d consecutive attempts (last: %v)", ErrIdentifyFailed, failures, err)
		}

		s.persistResumeState()
		s.setState(StateReconnecting)

		wait := s.reconnectBackoff(failures)
		s.logger.Warn("gateway connection ended, reconnecting",
			"error", err, "backoff", wait, "resumable", s.SessionID() != "")
		if err := sleepCtx(ctx, wait); err != nil {
			s.setState(StateDisconnected)
			return err
		}
	}
}

// runOnce handles one connection lifetime: dial, hello, identify or resume,
// then the read loop. Returns whether a session was established (READY or
// RESUMED was seen) and the error that ended the connection.
func (s *Session) runOnce(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	url, err := s.endpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching gateway endpoint: %w", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}

	// done tears down the heartbeat goroutine and the ctx watcher together
	// with the read loop; the deferred Wait ensures full teardown before
	// runOnce returns.
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// AwaitingHello: the server's first frame carries the heartbeat interval.
	s.setState(StateAwaitingHello)
	conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("waiting for hello: %w", err)
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("expected hello frame, got op %d", hello.Op)
	}
	var helloPayload helloData
	if err := json.Unmarshal(hello.Data, &helloPayload); err != nil {
		return false, fmt.Errorf("decoding hello: %w", err)
	}
	interval := time.Duration(helloPayload.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return false, fmt.Errorf("server sent invalid heartbeat interval %v", interval)
	}

	// Liveness is enforced by the heartbeat ack check, not a read deadline.
	conn.SetReadDeadline(time.Time{})

	sessionID, sequence := s.SessionID(), s.Sequence()
	if sessionID != "" && sequence > 0 {
		s.setState(StateResuming)
		s.logger.Info("resuming session", "session_id", sessionID, "sequence", sequence)
		if err := s.writeFrame(conn, opResume, resumeData{
			Token:     s.token,
			SessionID: sessionID,
			Seq:       sequence,
		}); err != nil {
			return false, fmt.Errorf("sending resume: %w", err)
		}
	} else {
		s.setState(StateIdentifying)
		if err := s.identifyGate.Wait(ctx, s.shardID); err != nil {
			return false, err
		}
		s.sequence.Store(0)
		s.logger.Info("identifying", "shard_count", s.shardCount)
		if err := s.writeFrame(conn, opIdentify, identifyData{
			Token:          s.token,
			Intents:        s.cfg.Intents,
			Shard:          [2]int{s.shardID, s.shardCount},
			LargeThreshold: 250,
			Properties: identifyProperties{
				OS:      runtime.GOOS,
				Browser: "slither",
				Device:  "slither",
			},
		}); err != nil {
			return false, fmt.Errorf("sending identify: %w", err)
		}
	}

	hbErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(conn, interval, done, hbErr)
	}()

	established, err := s.readLoop(conn)

	// A heartbeat failure closes the connection out from under the read
	// loop; prefer the root cause over the resulting read error.
	select {
	case heartbeatErr := <-hbErr:
		err = heartbeatErr
	default:
	}

	return established, err
}

// readLoop decodes inbound frames until the connection ends. Frames are
// processed strictly in arrival order; the sequence number derives from it.
func (s *Session) readLoop(conn *websocket.Conn) (bool, error) {
	established := false

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			var wsClose *websocket.CloseError
			if errors.As(err, &wsClose) {
				return established, &CloseError{Code: wsClose.Code, Reason: wsClose.Text}
			}
			return established, fmt.Errorf("reading frame: %w", err)
		}

		switch f.Op {
		case opDispatch:
			// Duplicate or out-of-order frames (as seen right after a
			// resume) carry a non-increasing sequence; drop them so they
			// are not re-dispatched.
			if f.Seq > 0 && !s.advanceSequence(f.Seq) {
				s.logger.Debug("dropping stale frame", "event", f.Type, "sequence", f.Seq)
				continue
			}
			s.handleDispatch(&f, &established)

		case opHeartbeat:
			// Server-requested immediate heartbeat.
			if err := s.writeFrame(conn, opHeartbeat, s.Sequence()); err != nil {
				return established, fmt.Errorf("answering heartbeat request: %w", err)
			}

		case opHeartbeatACK:
			s.recordAck()

		case opReconnect:
			s.logger.Info("server requested reconnect")
			return established, errReconnectRequested

		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(f.Data, &resumable)
			// Whatever the flag says, a rejected session is not worth a
			// second resume attempt: discard it and identify fresh.
			s.clearSession()
			s.logger.Warn("session invalidated", "resumable", resumable)
			return established, errSessionInvalid
		}
	}
}

// handleDispatch routes one dispatch event to session bookkeeping, the
// cache, and the external handler.
func (s *Session) handleDispatch(f *frame, established *bool) {
	switch f.Type {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(f.Data, &ready); err != nil {
			s.logger.Error("decoding READY", "error", err)
			return
		}
		s.setSessionID(ready.SessionID)
		*established = true
		s.setState(StateConnected)
		s.persistResumeState()
		applyToCache(s.cache, f.Type, f.Data)
		s.logger.Info("session established", "session_id", ready.SessionID)

	case "RESUMED":
		*established = true
		s.setState(StateConnected)
		s.logger.Info("session resumed", "sequence", s.Sequence())

	default:
		applyToCache(s.cache, f.Type, f.Data)
	}

	if s.handler != nil {
		s.handler(f.Type, f.Data)
	}
}

// heartbeatLoop sends a heartbeat every interval and verifies the previous
// one was acknowledged. A missed ack closes the connection, which unblocks
// the read loop with a resumable failure.
func (s *Session) heartbeatLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}, errCh chan<- error) {
	// Ack bookkeeping is per connection: a timeout on the previous
	// connection must not count against this one.
	s.hbMu.Lock()
	s.awaitingAck = false
	s.lastBeatSent = time.Time{}
	s.hbMu.Unlock()

	// First beat after a random fraction of the interval, per protocol
	// guidance, so reconnecting shards don't beat in lockstep.
	first := time.Duration(rand.Float64() * float64(interval))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}

		s.hbMu.Lock()
		missed := s.awaitingAck
		s.hbMu.Unlock()

		if missed {
			errCh <- errHeartbeatTimeout
			conn.Close()
			return
		}

		if err := s.writeFrame(conn, opHeartbeat, s.Sequence()); err != nil {
			errCh <- fmt.Errorf("sending heartbeat: %w", err)
			conn.Close()
			return
		}

		s.hbMu.Lock()
		s.lastBeatSent = time.Now()
		s.awaitingAck = true
		s.hbMu.Unlock()

		timer.Reset(interval)
	}
}

// recordAck marks the outstanding heartbeat as acknowledged.
func (s *Session) recordAck() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.awaitingAck {
		s.awaitingAck = false
		s.latency = time.Since(s.lastBeatSent)
	}
}

// advanceSequence records seq if it is strictly greater than the last-seen
// value, returning false for stale frames.
func (s *Session) advanceSequence(seq int64) bool {
	for {
		current := s.sequence.Load()
		if seq <= current {
			return false
		}
		if s.sequence.CompareAndSwap(current, seq) {
			return true
		}
	}
}

// writeFrame sends one control frame. Gorilla connections allow a single
// concurrent writer, so all writes funnel through writeMu.
func (s *Session) writeFrame(conn *websocket.Conn, op int, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(struct {
		Op   int `json:"op"`
		Data any `json:"d"`
	}{op, data})
}

func (s *Session) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old != state {
		s.logger.Debug("state transition", "from", old.String(), "to", state.String())
	}
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// clearSession discards session id and sequence, forcing a fresh identify.
func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	s.sequence.Store(0)

	if s.store != nil {
		if err := s.store.ClearResumeState(s.shardID); err != nil {
			s.logger.Warn("clearing persisted resume state", "error", err)
		}
	}
}

// loadResumeState primes session id and sequence from the store, if any.
func (s *Session) loadResumeState() {
	if s.store == nil || s.SessionID() != "" {
		return
	}
	sessionID, sequence, ok, err := s.store.ResumeState(s.shardID)
	if err != nil {
		s.logger.Warn("loading persisted resume state", "error", err)
		return
	}
	if ok {
		s.setSessionID(sessionID)
		s.sequence.Store(sequence)
		s.logger.Info("loaded persisted resume state", "session_id", sessionID, "sequence", sequence)
	}
}

// persistResumeState saves the current resume state, if a store is attached.
func (s *Session) persistResumeState() {
	if s.store == nil {
		return
	}
	sessionID := s.SessionID()
	if sessionID == "" {
		return
	}
	if err := s.store.SaveResumeState(s.shardID, sessionID, s.Sequence()); err != nil {
		s.logger.Warn("persisting resume state", "error", err)
	}
}

// reconnectBackoff returns the wait before the next connection attempt:
// immediate-ish after a healthy session, growing exponentially (with ±25%
// jitter, capped) across consecutive failures.
func (s *Session) reconnectBackoff(failures int) time.Duration {
	wait := s.cfg.ReconnectBackoff
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= s.cfg.MaxBackoff {
			wait = s.cfg.MaxBackoff
			break
		}
	}
	if wait > 0 {
		jitter := 0.75 + rand.Float64()*0.5
		wait = time.Duration(float64(wait) * jitter)
	}
	return wait
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
