// Package chatsession implements a session-oriented realtime chat client
// core. It manages an authenticated streaming connection with heartbeat and
// jittered-backoff reconnection, serializes concurrent send operations, and
// reconciles an eventually consistent transcript from out-of-order realtime
// delivery and paginated history fetches.
//
// Example:
//
//	cred := chatsession.Credential{Token: token, Endpoint: "https://chat.example.com"}
//	sess := chatsession.NewSession(details, cred)
//
//	sess.OnMessage(func(f chatsession.Frame) {
//		fmt.Printf("%s: %s\n", f.DisplayName, f.Content)
//	})
//
//	if err := sess.Connect(ctx); err != nil {
//		return err
//	}
//	sess.SendMessage(ctx, chatsession.ContentTypeText, "Hello!")
//	sess.Disconnect(ctx)
package chatsession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// State is the session lifecycle state. StateEnded is terminal and absorbing.
type State string

const (
	StateInitializing            State = "initializing"
	StateConnecting              State = "connecting"
	StateConnected               State = "connected"
	StateReconnecting            State = "reconnecting"
	StateReconnectingPendingAuth State = "reconnecting_pending_auth"
	StateEnded                   State = "ended"
)

// Config tunes the session. Zero values take the defaults below; the backoff
// parameters and pagination direction are design defaults, not protocol
// requirements.
type Config struct {
	ConnectTimeout    time.Duration // default 10s
	HeartbeatInterval time.Duration // default 25s
	HeartbeatDeadline time.Duration // default 45s

	BackoffBase          time.Duration // default 1s
	BackoffCap           time.Duration // default 30s
	MaxReconnectAttempts int           // default 0: unbounded until Disconnect

	MaxRequestRetries int // default 3
	QueueLimit        int // default 50
	PageSize          int // default 100

	// ExpiryLookahead is how far ahead of the credential expiry hint
	// reconnection defers to wait for a refreshed credential.
	ExpiryLookahead time.Duration // default 2m

	// TypingInterval throttles outbound typing events.
	TypingInterval time.Duration // default 3s

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatDeadline == 0 {
		c.HeartbeatDeadline = 45 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRequestRetries == 0 {
		c.MaxRequestRetries = 3
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = 50
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	if c.ExpiryLookahead == 0 {
		c.ExpiryLookahead = 2 * time.Minute
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 3 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// Option configures a Session at construction.
type Option func(*Session)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithHTTPClient sets the HTTP client used for request/response calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.cfg.HTTPClient = c }
}

// WithCredentialRefresher supplies a callback the session invokes when the
// service rejects an expired credential or reconnection is waiting on one.
// Concurrent triggers collapse into a single refresh.
func WithCredentialRefresher(fn func(ctx context.Context) (Credential, error)) Option {
	return func(s *Session) { s.refreshFn = fn }
}

// ============================================================================
// Session
// ============================================================================

type callKind int

const (
	callSendMessage callKind = iota
	callSendEvent
	callFetchTranscript
)

type callResult struct {
	ack  Ack
	page TranscriptPage
	err  error
}

// queuedCall is an operation submitted while the channel is reconnecting,
// held until the session re-enters StateConnected.
type queuedCall struct {
	kind        callKind
	contentType string
	content     string
	req         TranscriptRequest
	done        chan callResult
}

// Session is the orchestrator for one chat conversation: it owns the
// credential store, streaming channel, and request client, exposes the public
// session API, and coordinates reconnection with request retries. Exactly one
// Session exists per conversation. All methods are safe for concurrent use.
type Session struct {
	details ChatDetails
	cfg     Config
	log     zerolog.Logger

	creds      *CredentialStore
	dispatcher *Dispatcher
	transcript *Transcript
	reconciler *Reconciler
	requester  Requester
	channel    channel

	refreshFn func(ctx context.Context) (Credential, error)
	refresh   singleflight.Group
	typing    *rate.Limiter

	// lifecycleMu serializes Connect and Disconnect so only one lifecycle
	// transition is in flight at a time. mu guards state and queue.
	lifecycleMu sync.Mutex
	mu          sync.Mutex
	state       State
	queue       []*queuedCall
}

// NewSession creates a session for the conversation identified by details,
// seeded with the credential from the external auth step. The session starts
// in StateInitializing; call Connect to open the streaming channel.
func NewSession(details ChatDetails, cred Credential, opts ...Option) *Session {
	s := &Session{
		details: details,
		log:     zerolog.Nop(),
		state:   StateInitializing,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.defaults()

	s.creds = NewCredentialStore()
	s.creds.Set(cred)
	s.dispatcher = NewDispatcher(s.log)
	s.transcript = NewTranscript()
	s.reconciler = NewReconciler(s.transcript, s.dispatcher)
	s.requester = newRequestClient(s.creds, &s.cfg, s.log)
	s.typing = rate.NewLimiter(rate.Every(s.cfg.TypingInterval), 1)
	s.channel = newWSChannel(s.creds, &s.cfg, channelHooks{
		onFrame:       s.handleFrame,
		onReady:       s.handleChannelReady,
		onDown:        s.handleChannelDown,
		onPendingAuth: s.handleChannelPendingAuth,
	}, s.log)
	return s
}

// Details returns the conversation identifiers.
func (s *Session) Details() ChatDetails {
	return s.details
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the reconciled transcript so far, in order.
func (s *Session) Transcript() []TranscriptEntry {
	return s.transcript.Entries()
}

// SetCredential replaces the session credential and wakes any reconnection
// parked waiting for a refreshed one. Intended for callers that manage
// refresh themselves rather than using WithCredentialRefresher.
func (s *Session) SetCredential(cred Credential) {
	s.creds.Set(cred)
	s.channel.CredentialRefreshed()
}

// ── Observer registration ──────────────────────────────────────────

// On registers an observer for an event class. Observers run in registration
// order; a failing observer never blocks the others.
func (s *Session) On(class EventClass, obs Observer) { s.dispatcher.Register(class, obs) }

// OnMessage registers an observer for chat messages.
func (s *Session) OnMessage(obs Observer) { s.dispatcher.Register(ClassMessage, obs) }

// OnTyping registers an observer for typing indicators.
func (s *Session) OnTyping(obs Observer) { s.dispatcher.Register(ClassTyping, obs) }

// OnParticipantJoined registers an observer for participant joins.
func (s *Session) OnParticipantJoined(obs Observer) { s.dispatcher.Register(ClassParticipantJoined, obs) }

// OnParticipantLeft registers an observer for participant departures.
func (s *Session) OnParticipantLeft(obs Observer) { s.dispatcher.Register(ClassParticipantLeft, obs) }

// OnConnectionBroken registers an observer notified when the channel drops
// unexpectedly, independent of any pending call.
func (s *Session) OnConnectionBroken(obs Observer) { s.dispatcher.Register(ClassConnectionBroken, obs) }

// OnChatEnded registers an observer for the remote end-of-chat event.
func (s *Session) OnChatEnded(obs Observer) { s.dispatcher.Register(ClassChatEnded, obs) }

// ── Lifecycle ──────────────────────────────────────────────────────

// Connect opens the streaming channel. Idempotent while connected. Returns
// ErrAuthRejected when the service refuses the credential, ErrTimeout or
// ErrConnectionRefused for retryable faults.
func (s *Session) Connect(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return ErrSessionEnded
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateReconnecting, StateReconnectingPendingAuth:
		// The channel is already re-establishing the connection.
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.channel.Connect(ctx); err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateInitializing
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect ends the session: queued calls fail with ErrSessionEnded, a
// best-effort disconnect call is made against the service, and the channel
// and credential are released regardless of its outcome. The session is then
// terminal; it cannot be reconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, qc := range pending {
		qc.done <- callResult{err: ErrSessionEnded}
	}

	var err error
	if _, cerr := s.creds.Current(); cerr == nil {
		if err = s.requester.DisconnectParticipant(ctx); err != nil {
			s.log.Warn().Err(err).Msg("disconnect call failed")
		}
	}

	s.channel.Shutdown()
	s.creds.Clear()
	s.log.Info().Str("contactId", s.details.ContactID).Msg("session ended")
	return err
}

// ── Operations ─────────────────────────────────────────────────────

// SendMessage sends a chat message. While the channel is reconnecting the
// call queues and completes once connectivity is restored; the queue is
// bounded and sheds its oldest entry with ErrBackpressure when full.
func (s *Session) SendMessage(ctx context.Context, contentType, content string) (Ack, error) {
	res := s.submit(ctx, &queuedCall{
		kind:        callSendMessage,
		contentType: contentType,
		content:     content,
		done:        make(chan callResult, 1),
	})
	return res.ack, res.err
}

// SendEvent sends a non-message event such as a typing indicator or delivery
// receipt. Typing events are throttled client-side; a throttled event is
// coalesced and acknowledged locally with a zero Ack.
func (s *Session) SendEvent(ctx context.Context, contentType string) (Ack, error) {
	if contentType == ContentTypeTyping && !s.typing.Allow() {
		return Ack{}, nil
	}
	res := s.submit(ctx, &queuedCall{
		kind:        callSendEvent,
		contentType: contentType,
		done:        make(chan callResult, 1),
	})
	return res.ack, res.err
}

// FetchTranscript fetches one transcript page and merges it into the
// session transcript. Subject to the same state gating as sends.
func (s *Session) FetchTranscript(ctx context.Context, req TranscriptRequest) (TranscriptPage, error) {
	res := s.submit(ctx, &queuedCall{
		kind: callFetchTranscript,
		req:  req,
		done: make(chan callResult, 1),
	})
	return res.page, res.err
}

// submit gates a call on session state: immediate in StateConnected, queued
// during reconnection, rejected once ended or before the first connect.
func (s *Session) submit(ctx context.Context, qc *queuedCall) callResult {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return s.invoke(ctx, qc)

	case StateReconnecting, StateReconnectingPendingAuth:
		s.enqueueLocked(qc)
		s.mu.Unlock()
		select {
		case res := <-qc.done:
			return res
		case <-ctx.Done():
			s.removeQueued(qc)
			return callResult{err: ctx.Err()}
		}

	case StateEnded:
		s.mu.Unlock()
		return callResult{err: ErrSessionEnded}

	default:
		s.mu.Unlock()
		return callResult{err: fmt.Errorf("%w: connect first", ErrNoActiveSession)}
	}
}

// enqueueLocked appends to the reconnect queue, failing the oldest entry with
// ErrBackpressure when the bound is hit. Caller holds mu.
func (s *Session) enqueueLocked(qc *queuedCall) {
	if len(s.queue) >= s.cfg.QueueLimit {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		oldest.done <- callResult{err: ErrBackpressure}
		s.log.Warn().Int("limit", s.cfg.QueueLimit).Msg("send queue overflow")
	}
	s.queue = append(s.queue, qc)
}

func (s *Session) removeQueued(qc *queuedCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == qc {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// invoke performs the call, refreshing the credential and retrying exactly
// once when the service reports it expired.
func (s *Session) invoke(ctx context.Context, qc *queuedCall) callResult {
	res := s.call(ctx, qc)
	if errors.Is(res.err, ErrAuthExpired) {
		if rerr := s.refreshCredential(ctx); rerr == nil {
			return s.call(ctx, qc)
		}
	}
	return res
}

func (s *Session) call(ctx context.Context, qc *queuedCall) callResult {
	switch qc.kind {
	case callSendMessage:
		ack, err := s.requester.SendMessage(ctx, qc.contentType, qc.content)
		return callResult{ack: ack, err: err}
	case callSendEvent:
		ack, err := s.requester.SendEvent(ctx, qc.contentType)
		return callResult{ack: ack, err: err}
	case callFetchTranscript:
		page, err := s.requester.GetTranscript(ctx, qc.req)
		if err == nil {
			s.reconciler.IngestPage(page.Entries)
		}
		return callResult{page: page, err: err}
	default:
		return callResult{err: fmt.Errorf("unknown call kind %d", qc.kind)}
	}
}

// refreshCredential runs the configured refresher, collapsing concurrent
// triggers so at most one refresh is in flight.
func (s *Session) refreshCredential(ctx context.Context) error {
	if s.refreshFn == nil {
		return ErrAuthExpired
	}
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		cred, err := s.refreshFn(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("credential refresh failed")
			return nil, err
		}
		s.creds.Set(cred)
		s.channel.CredentialRefreshed()
		s.log.Debug().Msg("credential refreshed")
		return nil, nil
	})
	return err
}

// ── Channel hooks ──────────────────────────────────────────────────

func (s *Session) handleFrame(f Frame) {
	s.reconciler.IngestRealtime(f)
}

// handleChannelReady runs once per (re)connect, after the service has
// acknowledged the connection and before live frame delivery starts. It
// backfills the interval the channel may have missed, then re-enters
// StateConnected and flushes the queued calls in submission order.
func (s *Session) handleChannelReady(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.backfill(ctx)

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()
	s.log.Info().Str("contactId", s.details.ContactID).Msg("channel connected")

	go s.flushQueue()
}

// backfill fetches one transcript page: the most recent history on first
// connect, or the gap anchored at the last known entry after a reconnect.
func (s *Session) backfill(ctx context.Context) {
	req := TranscriptRequest{SortOrder: SortDescending}
	if last, ok := s.transcript.Last(); ok {
		req.SortOrder = SortAscending
		req.StartTime = last.Timestamp
	}
	page, err := s.requester.GetTranscript(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Msg("transcript backfill failed")
		return
	}
	s.reconciler.IngestPage(page.Entries)
}

// flushQueue drains calls queued during the outage, FIFO, each sent exactly
// once.
func (s *Session) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, qc := range pending {
		qc.done <- s.invoke(context.Background(), qc)
	}
}

func (s *Session) handleChannelDown(reason string) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.dispatcher.Dispatch(Frame{
		ContentType:  ContentTypeConnectionBroken,
		Content:      reason,
		AbsoluteTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleChannelPendingAuth is called when reconnection parks on an expiring
// or rejected credential. With a refresher configured the session resolves it
// itself; otherwise the caller must supply one via SetCredential.
func (s *Session) handleChannelPendingAuth() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnectingPendingAuth
	s.mu.Unlock()

	if s.refreshFn != nil {
		go func() { _ = s.refreshCredential(context.Background()) }()
	}
}
