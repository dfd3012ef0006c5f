package chatsession

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// EventClass groups frames by their content-type tag for observer fan-out.
type EventClass string

const (
	ClassMessage           EventClass = "message"
	ClassTyping            EventClass = "typing"
	ClassParticipantJoined EventClass = "participant.joined"
	ClassParticipantLeft   EventClass = "participant.left"
	ClassConnectionBroken  EventClass = "connection.broken"
	ClassChatEnded         EventClass = "chat.ended"
	ClassOther             EventClass = "other"
)

// Classify maps a frame content type to its event class. Unknown content
// types, including event types this client does not model, map to ClassOther.
func Classify(contentType string) EventClass {
	switch contentType {
	case ContentTypeText, ContentTypeMarkdown:
		return ClassMessage
	case ContentTypeTyping:
		return ClassTyping
	case ContentTypeParticipantJoined:
		return ClassParticipantJoined
	case ContentTypeParticipantLeft:
		return ClassParticipantLeft
	case ContentTypeConnectionBroken:
		return ClassConnectionBroken
	case ContentTypeChatEnded:
		return ClassChatEnded
	}
	if strings.HasPrefix(contentType, "text/") {
		return ClassMessage
	}
	return ClassOther
}

// Observer receives frames of the class it was registered for.
type Observer func(Frame)

// Dispatcher fans incoming frames out to registered observers, decoupled from
// channel framing. Observers for a class run in registration order; a panic
// in one observer is caught and logged without preventing delivery to the
// rest.
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[EventClass][]Observer
	log       zerolog.Logger
}

// NewDispatcher returns an empty dispatcher logging to log.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		observers: make(map[EventClass][]Observer),
		log:       log,
	}
}

// Register adds an observer for the given class, after any already registered.
func (d *Dispatcher) Register(class EventClass, obs Observer) {
	d.mu.Lock()
	d.observers[class] = append(d.observers[class], obs)
	d.mu.Unlock()
}

// Dispatch classifies the frame and invokes every observer registered for
// that class, in registration order.
func (d *Dispatcher) Dispatch(f Frame) {
	class := Classify(f.ContentType)

	d.mu.RLock()
	observers := append([]Observer(nil), d.observers[class]...)
	d.mu.RUnlock()

	for i, obs := range observers {
		d.invoke(class, i, obs, f)
	}
}

func (d *Dispatcher) invoke(class EventClass, idx int, obs Observer, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn().
				Str("class", string(class)).
				Int("observer", idx).
				Str("frameId", f.ID).
				Str("error", fmt.Sprint(r)).
				Msg("observer failure")
		}
	}()
	obs(f)
}
