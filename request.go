package chatsession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Requester issues request/response calls against the chat service. The
// session gates calls on its own state; implementations are stateless apart
// from the credential store they read.
type Requester interface {
	SendMessage(ctx context.Context, contentType, content string) (Ack, error)
	SendEvent(ctx context.Context, contentType string) (Ack, error)
	GetTranscript(ctx context.Context, req TranscriptRequest) (TranscriptPage, error)
	DisconnectParticipant(ctx context.Context) error
}

// ============================================================================
// Wire payloads
// ============================================================================

type sendMessagePayload struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	ClientToken string `json:"clientToken"`
}

type sendEventPayload struct {
	ContentType string `json:"contentType"`
	ClientToken string `json:"clientToken"`
}

type transcriptPayload struct {
	MaxResults int    `json:"maxResults,omitempty"`
	SortOrder  string `json:"sortOrder,omitempty"`
	NextToken  string `json:"nextToken,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
}

type disconnectPayload struct {
	ClientToken string `json:"clientToken"`
}

type transcriptItem struct {
	ID              string `json:"id"`
	ContentType     string `json:"contentType"`
	Content         string `json:"content"`
	ParticipantRole string `json:"participantRole"`
	DisplayName     string `json:"displayName"`
	AbsoluteTime    string `json:"absoluteTime"`
}

type transcriptResponse struct {
	Transcript []transcriptItem `json:"transcript"`
	NextToken  string           `json:"nextToken,omitempty"`
}

type errorResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// ============================================================================
// Request client
// ============================================================================

// requestClient is the HTTP implementation of Requester. Every call carries a
// client-generated token so an ambiguous failure can be retried with the same
// identity and deduplicated server-side. Retries are bounded and follow the
// channel's backoff policy.
type requestClient struct {
	httpClient *http.Client
	creds      *CredentialStore
	cfg        *Config
	log        zerolog.Logger
}

func newRequestClient(creds *CredentialStore, cfg *Config, log zerolog.Logger) *requestClient {
	return &requestClient{
		httpClient: cfg.HTTPClient,
		creds:      creds,
		cfg:        cfg,
		log:        log,
	}
}

func (rc *requestClient) SendMessage(ctx context.Context, contentType, content string) (Ack, error) {
	var ack Ack
	err := rc.do(ctx, "/participant/message", sendMessagePayload{
		ContentType: contentType,
		Content:     content,
		ClientToken: uuid.NewString(),
	}, &ack)
	return ack, err
}

func (rc *requestClient) SendEvent(ctx context.Context, contentType string) (Ack, error) {
	var ack Ack
	err := rc.do(ctx, "/participant/event", sendEventPayload{
		ContentType: contentType,
		ClientToken: uuid.NewString(),
	}, &ack)
	return ack, err
}

func (rc *requestClient) GetTranscript(ctx context.Context, req TranscriptRequest) (TranscriptPage, error) {
	payload := transcriptPayload{
		MaxResults: req.PageSize,
		SortOrder:  string(req.SortOrder),
		NextToken:  req.Cursor,
	}
	if payload.MaxResults == 0 {
		payload.MaxResults = rc.cfg.PageSize
	}
	if !req.StartTime.IsZero() {
		payload.StartTime = req.StartTime.Format(time.RFC3339Nano)
	}

	var resp transcriptResponse
	if err := rc.do(ctx, "/participant/transcript", payload, &resp); err != nil {
		return TranscriptPage{}, err
	}

	page := TranscriptPage{NextCursor: resp.NextToken}
	for _, it := range resp.Transcript {
		ts, _ := time.Parse(time.RFC3339Nano, it.AbsoluteTime)
		page.Entries = append(page.Entries, TranscriptEntry{
			ID:          it.ID,
			Timestamp:   ts,
			ContentType: it.ContentType,
			Role:        ParticipantRole(it.ParticipantRole),
			DisplayName: it.DisplayName,
			Content:     it.Content,
			Origin:      OriginHistory,
		})
	}
	return page, nil
}

func (rc *requestClient) DisconnectParticipant(ctx context.Context) error {
	return rc.do(ctx, "/participant/disconnect", disconnectPayload{
		ClientToken: uuid.NewString(),
	}, nil)
}

// do runs one logical call. The payload, including its client token, is
// marshaled once so every retry attempt is byte-identical. Server errors with
// a retryable status and transport faults consume retry budget; auth and
// other client errors fail fast.
func (rc *requestClient) do(ctx context.Context, path string, payload, out any) error {
	if _, err := rc.creds.Current(); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	bo := newBackoff(rc.cfg.BackoffBase, rc.cfg.BackoffCap, 0)
	var lastErr error

	for attempt := 0; attempt <= rc.cfg.MaxRequestRetries; attempt++ {
		if attempt > 0 {
			delay := bo.next()
			rc.log.Debug().Str("path", path).Int("attempt", attempt).
				Dur("delay", delay).Msg("retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		done, err := rc.attempt(ctx, path, body, out)
		if done {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	rc.log.Warn().Str("path", path).Err(lastErr).Msg("request retries exhausted")
	return fmt.Errorf("%w after %d attempts: %w", ErrRequestFailed, rc.cfg.MaxRequestRetries+1, lastErr)
}

// attempt performs one HTTP round trip. done reports whether the result is
// terminal, success or not.
func (rc *requestClient) attempt(ctx context.Context, path string, body []byte, out any) (done bool, err error) {
	cred, err := rc.creds.Current()
	if err != nil {
		return true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := rc.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return true, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return true, fmt.Errorf("unmarshal response: %w", err)
		}
		return true, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return true, fmt.Errorf("%w: HTTP %d", ErrAuthExpired, resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, httpError(resp.StatusCode, data)

	default:
		return true, httpError(resp.StatusCode, data)
	}
}

func httpError(status int, data []byte) error {
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != nil {
		return er.Error
	}
	return fmt.Errorf("HTTP %d", status)
}
