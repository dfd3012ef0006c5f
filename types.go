package chatsession

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error payload returned by the chat service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Content Types
// ============================================================================

// Content types carried on frames and transcript items. Message content types
// enter the transcript; event content types are dispatched to observers only.
const (
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"

	ContentTypeTyping            = "application/vnd.wavelink.event.typing"
	ContentTypeParticipantJoined = "application/vnd.wavelink.event.participant.joined"
	ContentTypeParticipantLeft   = "application/vnd.wavelink.event.participant.left"
	ContentTypeChatEnded         = "application/vnd.wavelink.event.chat.ended"
	ContentTypeMessageDelivered  = "application/vnd.wavelink.event.message.delivered"
	ContentTypeMessageRead       = "application/vnd.wavelink.event.message.read"

	// Channel-internal content types. Never enter the transcript.
	ContentTypeConnectionAck    = "application/vnd.wavelink.event.connection.acknowledged"
	ContentTypeConnectionBroken = "application/vnd.wavelink.event.connection.broken"
	ContentTypeHeartbeat        = "application/vnd.wavelink.event.heartbeat"
)

// ============================================================================
// Session Types
// ============================================================================

// Credential is the short-lived token plus endpoint authorizing one chat
// session. Replaced wholesale on refresh, never mutated in place.
type Credential struct {
	// Token is the opaque session token presented on every call.
	Token string
	// Endpoint is the HTTPS base URL of the chat service. The streaming
	// channel derives its wss:// URL from it.
	Endpoint string
	// ExpiresAt is the expiry hint for Token. Zero means the issuing side
	// supplied no hint and expiry is treated as unknown.
	ExpiresAt time.Time
}

// ChatDetails identifies one chat conversation and this participant in it,
// as returned by the external auth issuance endpoint.
type ChatDetails struct {
	ContactID              string
	ParticipantID          string
	DisplayName            string
	ContinuedFromContactID string
}

// ParticipantRole identifies the sender side of a transcript item.
type ParticipantRole string

const (
	RoleCustomer ParticipantRole = "CUSTOMER"
	RoleAgent    ParticipantRole = "AGENT"
	RoleSystem   ParticipantRole = "SYSTEM"
)

// DeliveryOrigin tags how a transcript entry reached the client.
type DeliveryOrigin string

const (
	OriginRealtime DeliveryOrigin = "realtime"
	OriginHistory  DeliveryOrigin = "history"
)

// TranscriptEntry is one immutable, uniquely identified chat item. The ID is
// the dedup key across both delivery origins.
type TranscriptEntry struct {
	ID          string
	Timestamp   time.Time
	ContentType string
	Role        ParticipantRole
	DisplayName string
	Content     string
	Origin      DeliveryOrigin
}

// ============================================================================
// Wire Types
// ============================================================================

// Frame is one unit of data delivered over the streaming channel.
type Frame struct {
	ID              string `json:"id"`
	ContentType     string `json:"contentType"`
	Content         string `json:"content,omitempty"`
	ParticipantID   string `json:"participantId,omitempty"`
	ParticipantRole string `json:"participantRole,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	AbsoluteTime    string `json:"absoluteTime,omitempty"`
}

// Entry converts the frame into a transcript entry with the given origin.
// The server assigns AbsoluteTime monotonically; an unparsable or missing
// timestamp yields a zero time, which sorts before all server-stamped items.
func (f Frame) Entry(origin DeliveryOrigin) TranscriptEntry {
	ts, _ := time.Parse(time.RFC3339Nano, f.AbsoluteTime)
	return TranscriptEntry{
		ID:          f.ID,
		Timestamp:   ts,
		ContentType: f.ContentType,
		Role:        ParticipantRole(f.ParticipantRole),
		DisplayName: f.DisplayName,
		Content:     f.Content,
		Origin:      origin,
	}
}

// Ack is the service's acknowledgment of a send call.
type Ack struct {
	ID           string `json:"id"`
	AbsoluteTime string `json:"absoluteTime"`
}

// SortOrder selects transcript pagination direction.
type SortOrder string

const (
	SortAscending  SortOrder = "ASCENDING"
	SortDescending SortOrder = "DESCENDING"
)

// TranscriptRequest parameterizes one transcript page fetch.
type TranscriptRequest struct {
	// Cursor continues a previous page; empty starts a fresh fetch.
	Cursor string
	// PageSize bounds the number of entries returned. Zero uses the
	// session default.
	PageSize  int
	SortOrder SortOrder
	// StartTime anchors the page at a known position, used for gap
	// backfill after a reconnect. Zero means unanchored.
	StartTime time.Time
}

// TranscriptPage is one page of transcript history.
type TranscriptPage struct {
	Entries    []TranscriptEntry
	NextCursor string
}
