package chatsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Backoff
// ============================================================================

// backoff produces exponentially growing, fully jittered delays: each delay
// is uniform in [0, min(cap, base*2^attempt)). The attempt counter resets
// after a connection has stayed up for a minute.
type backoff struct {
	base        time.Duration
	ceiling     time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, ceiling time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, ceiling: ceiling, maxAttempts: maxAttempts}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > time.Minute {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
	exp := float64(b.base) * math.Pow(2, float64(b.attempt))
	if ceilingF := float64(b.ceiling); exp > ceilingF {
		exp = ceilingF
	}
	b.attempt++
	return time.Duration(rand.Float64() * exp)
}

// ============================================================================
// Channel
// ============================================================================

// channel is what the session needs from its streaming transport.
type channel interface {
	Connect(ctx context.Context) error
	// CredentialRefreshed wakes a reconnect loop parked waiting for a
	// fresh credential.
	CredentialRefreshed()
	Shutdown()
}

// channelHooks are the session's callbacks out of the transport. onReady runs
// after the connection is acknowledged but before the read loop starts, so
// the session can backfill missed history before live frames resume.
type channelHooks struct {
	onFrame       func(Frame)
	onReady       func(ctx context.Context)
	onDown        func(reason string)
	onPendingAuth func()
}

// wsChannel maintains one logical streaming connection over WebSocket,
// re-established transparently across network faults. Unexpected closure
// triggers reconnection with jittered exponential backoff; reconnection with
// an expiring credential is deferred until the session supplies a fresh one.
type wsChannel struct {
	creds *CredentialStore
	cfg   *Config
	hooks channelHooks
	log   zerolog.Logger
	recon *backoff

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	closed     bool
	cancel     context.CancelFunc
	lastFrame  time.Time

	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newWSChannel(creds *CredentialStore, cfg *Config, hooks channelHooks, log zerolog.Logger) *wsChannel {
	return &wsChannel{
		creds:     creds,
		cfg:       cfg,
		hooks:     hooks,
		log:       log,
		recon:     newBackoff(cfg.BackoffBase, cfg.BackoffCap, cfg.MaxReconnectAttempts),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// streamURL derives the wss endpoint from the credential's HTTPS base.
func streamURL(cred Credential) string {
	base := strings.Replace(cred.Endpoint, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/participant/stream?token=" + url.QueryEscape(cred.Token)
}

// Connect opens the channel and waits for the service's acknowledgment frame.
// Idempotent while connected or connecting.
func (ch *wsChannel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrSessionEnded
	}
	if ch.conn != nil || ch.connecting {
		ch.mu.Unlock()
		return nil
	}
	ch.connecting = true
	ch.mu.Unlock()

	err := ch.dial(ctx)

	ch.mu.Lock()
	ch.connecting = false
	ch.mu.Unlock()
	return err
}

func (ch *wsChannel) dial(ctx context.Context) error {
	cred, err := ch.creds.Current()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, ch.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, streamURL(cred), nil)
	if err != nil {
		return classifyDialError(err, resp)
	}
	conn.SetReadLimit(1 << 20)

	// The first frame must acknowledge the connection before the channel
	// reports connected.
	ackCtx, ackCancel := context.WithTimeout(ctx, ch.cfg.ConnectTimeout)
	defer ackCancel()
	_, data, err := conn.Read(ackCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for acknowledgment", ErrTimeout)
		}
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	var ack Frame
	if err := json.Unmarshal(data, &ack); err != nil || ack.ContentType != ContentTypeConnectionAck {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("%w: expected connection acknowledgment, got %q", ErrConnectionRefused, ack.ContentType)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "session ended")
		return ErrSessionEnded
	}
	ch.conn = conn
	ch.cancel = connCancel
	ch.lastFrame = time.Now()
	ch.mu.Unlock()

	ch.recon.markConnected()

	if ch.hooks.onReady != nil {
		ch.hooks.onReady(ctx)
	}

	go ch.readLoop(connCtx, conn)
	go ch.heartbeatLoop(connCtx, conn)
	return nil
}

func classifyDialError(err error, resp *http.Response) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
}

// Shutdown closes the channel for good. No reconnection follows.
func (ch *wsChannel) Shutdown() {
	ch.mu.Lock()
	ch.closed = true
	conn := ch.conn
	ch.conn = nil
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	ch.mu.Unlock()

	ch.stopOnce.Do(func() { close(ch.stopCh) })

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// CredentialRefreshed signals a reconnect loop parked on an expiring or
// rejected credential that a fresh one is in the store.
func (ch *wsChannel) CredentialRefreshed() {
	select {
	case ch.refreshCh <- struct{}{}:
	default:
	}
}

func (ch *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.handleReadFailure(err)
			return
		}

		ch.mu.Lock()
		ch.lastFrame = time.Now()
		ch.mu.Unlock()

		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.ContentType {
		case ContentTypeHeartbeat, ContentTypeConnectionAck:
			continue
		}
		if ch.hooks.onFrame != nil {
			ch.hooks.onFrame(f)
		}
	}
}

func (ch *wsChannel) handleReadFailure(err error) {
	ch.mu.Lock()
	intentional := ch.closed
	ch.conn = nil
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	ch.mu.Unlock()

	if intentional {
		return
	}

	ch.log.Info().Err(err).Msg("channel closed unexpectedly")
	if ch.hooks.onDown != nil {
		ch.hooks.onDown(err.Error())
	}
	go ch.reconnectLoop()
}

// heartbeatLoop sends periodic liveness frames and force-closes the
// connection when inbound traffic stalls past the deadline, which routes
// recovery through the ordinary reconnect path.
func (ch *wsChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat, _ := json.Marshal(Frame{ContentType: ContentTypeHeartbeat})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			stale := time.Since(ch.lastFrame) > ch.cfg.HeartbeatDeadline
			ch.mu.Unlock()

			if stale {
				ch.log.Info().Msg("heartbeat deadline missed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, beat); err != nil {
				return
			}
		}
	}
}

func (ch *wsChannel) reconnectLoop() {
	for {
		select {
		case <-ch.stopCh:
			return
		default:
		}

		if !ch.recon.shouldRetry() {
			ch.log.Error().Int("attempts", ch.recon.attempt).Msg("reconnect attempts exhausted")
			return
		}

		// An expiring credential defers reconnection until the session
		// supplies a refreshed one.
		if ch.creds.Expiring(ch.cfg.ExpiryLookahead) {
			if !ch.waitForRefresh() {
				return
			}
			continue
		}

		delay := ch.recon.next()
		ch.log.Info().Int("attempt", ch.recon.attempt).Dur("delay", delay).Msg("reconnecting")
		select {
		case <-time.After(delay):
		case <-ch.stopCh:
			return
		}

		err := ch.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrSessionEnded) {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			if !ch.waitForRefresh() {
				return
			}
		}
	}
}

// waitForRefresh parks the reconnect loop until a refreshed credential
// arrives. Reports false when the channel shut down while waiting.
func (ch *wsChannel) waitForRefresh() bool {
	if ch.hooks.onPendingAuth != nil {
		ch.hooks.onPendingAuth()
	}
	select {
	case <-ch.refreshCh:
		return true
	case <-ch.stopCh:
		return false
	}
}
