package chatsession

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := &Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
	cfg.defaults()
	return cfg
}

func newTestRequester(t *testing.T, handler http.HandlerFunc) (*requestClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := NewCredentialStore()
	creds.Set(Credential{Token: "tok-1", Endpoint: srv.URL})
	return newRequestClient(creds, testConfig(), zerolog.Nop()), srv
}

func TestRequestClientSendMessage(t *testing.T) {
	t.Run("success returns ack", func(t *testing.T) {
		rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/participant/message", r.URL.Path)
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

			var p sendMessagePayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			assert.Equal(t, ContentTypeText, p.ContentType)
			assert.Equal(t, "hello", p.Content)
			assert.NotEmpty(t, p.ClientToken)

			json.NewEncoder(w).Encode(Ack{ID: "m1", AbsoluteTime: "2026-08-30T12:00:00Z"})
		})

		ack, err := rc.SendMessage(context.Background(), ContentTypeText, "hello")
		require.NoError(t, err)
		assert.Equal(t, "m1", ack.ID)
	})

	t.Run("retry reuses the client token", func(t *testing.T) {
		var tokens []string
		rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			var p sendMessagePayload
			require.NoError(t, json.Unmarshal(body, &p))
			tokens = append(tokens, p.ClientToken)

			if len(tokens) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(Ack{ID: "m1"})
		})

		_, err := rc.SendMessage(context.Background(), ContentTypeText, "hello")
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		assert.Equal(t, tokens[0], tokens[1], "retry must reuse the correlation id")
	})

	t.Run("retries exhausted surfaces RequestFailed", func(t *testing.T) {
		var calls int
		rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := rc.SendMessage(context.Background(), ContentTypeText, "hello")
		assert.ErrorIs(t, err, ErrRequestFailed)
		assert.Equal(t, 4, calls, "initial attempt plus three retries")
	})

	t.Run("auth rejection fails fast", func(t *testing.T) {
		var calls int
		rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusForbidden)
		})

		_, err := rc.SendMessage(context.Background(), ContentTypeText, "hello")
		assert.ErrorIs(t, err, ErrAuthExpired)
		assert.Equal(t, 1, calls, "auth errors must not consume retry budget")
	})

	t.Run("client error fails fast with the service error", func(t *testing.T) {
		rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(errorResponse{Error: &APIError{
				Code: "INVALID_CONTENT_TYPE", Message: "unsupported content type",
			}})
		})

		_, err := rc.SendMessage(context.Background(), "application/x-bogus", "hello")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "INVALID_CONTENT_TYPE", apiErr.Code)
	})

	t.Run("no credential fails without a network call", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		t.Cleanup(srv.Close)

		rc := newRequestClient(NewCredentialStore(), testConfig(), zerolog.Nop())
		_, err := rc.SendMessage(context.Background(), ContentTypeText, "hello")
		assert.ErrorIs(t, err, ErrNoActiveSession)
		assert.Zero(t, calls)
	})
}

func TestRequestClientGetTranscript(t *testing.T) {
	rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/participant/transcript", r.URL.Path)

		var p transcriptPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, 25, p.MaxResults)
		assert.Equal(t, string(SortAscending), p.SortOrder)
		assert.Equal(t, "2026-08-30T12:00:00Z", p.StartTime)

		json.NewEncoder(w).Encode(transcriptResponse{
			Transcript: []transcriptItem{
				{ID: "m1", ContentType: ContentTypeText, Content: "hi",
					ParticipantRole: "AGENT", AbsoluteTime: "2026-08-30T12:00:01Z"},
				{ID: "m2", ContentType: ContentTypeText, Content: "there",
					ParticipantRole: "CUSTOMER", AbsoluteTime: "2026-08-30T12:00:02Z"},
			},
			NextToken: "page-2",
		})
	})

	page, err := rc.GetTranscript(context.Background(), TranscriptRequest{
		PageSize:  25,
		SortOrder: SortAscending,
		StartTime: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "page-2", page.NextCursor)
	assert.Equal(t, RoleAgent, page.Entries[0].Role)
	assert.Equal(t, OriginHistory, page.Entries[0].Origin)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC), page.Entries[0].Timestamp)
}

func TestRequestClientDisconnect(t *testing.T) {
	var path string
	rc, _ := newTestRequester(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, rc.DisconnectParticipant(context.Background()))
	assert.Equal(t, "/participant/disconnect", path)
}
