package turn

import (
	"context"
	"errors"

	"github.com/MrWong99/novaflow/internal/generate"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/speech"
	"github.com/MrWong99/novaflow/internal/tools"
	"github.com/MrWong99/novaflow/internal/transcript"
	"github.com/MrWong99/novaflow/pkg/provider/search"
)

// EventType names a server-to-client event.
type EventType string

const (
	EventPartialTranscript EventType = "partial_transcript"
	EventFinalTranscript   EventType = "final_transcript"
	EventToolResult        EventType = "tool_result"
	EventReplyText         EventType = "reply_text"
	EventAudioReady        EventType = "audio_ready"
	EventError             EventType = "error"
	EventNotification      EventType = "notification"
	EventSoundAlert        EventType = "sound_alert"
	EventState             EventType = "state"
)

// ErrorKind is the client-visible failure taxonomy.
type ErrorKind string

const (
	KindTooShort             ErrorKind = "TooShort"
	KindNotFound             ErrorKind = "NotFound"
	KindNoContent            ErrorKind = "NoContent"
	KindSearchUnavailable    ErrorKind = "SearchUnavailable"
	KindGenerationTimeout    ErrorKind = "GenerationTimeout"
	KindGenerationFailed     ErrorKind = "GenerationFailed"
	KindSynthesisUnavailable ErrorKind = "SynthesisUnavailable"
	KindTurnInProgress       ErrorKind = "TurnInProgress"
	KindWebhookFailed        ErrorKind = "WebhookFailed"
	KindNoSpeech             ErrorKind = "NoSpeech"
	KindTranscriptionFailed  ErrorKind = "TranscriptionFailed"
	KindInvalidInput         ErrorKind = "InvalidInput"
)

// KindOf maps an error onto the taxonomy. It returns "" for errors that
// have no client-visible kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTurnInProgress):
		return KindTurnInProgress
	case errors.Is(err, transcript.ErrTooShort):
		return KindTooShort
	case errors.Is(err, ErrNoSpeech):
		return KindNoSpeech
	case errors.Is(err, knowledge.ErrNotFound):
		return KindNotFound
	case errors.Is(err, knowledge.ErrNoContent):
		return KindNoContent
	case errors.Is(err, tools.ErrSearchUnavailable):
		return KindSearchUnavailable
	case errors.Is(err, tools.ErrWebhookFailed), errors.Is(err, tools.ErrNothingToSend):
		return KindWebhookFailed
	case errors.Is(err, generate.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindGenerationTimeout
	case errors.Is(err, generate.ErrEmptyReply):
		return KindGenerationFailed
	case errors.Is(err, speech.ErrSynthesisUnavailable):
		return KindSynthesisUnavailable
	case errors.Is(err, transcript.ErrNoProvider):
		return KindTranscriptionFailed
	}
	return ""
}

// Event is one server-to-client message. Only the fields relevant to Type
// are set.
type Event struct {
	Type   EventType `json:"type"`
	TurnID string    `json:"turn_id,omitempty"`

	// Text carries transcripts and the reply.
	Text string `json:"text,omitempty"`

	// State is the new state's name on state events.
	State string `json:"state,omitempty"`

	// Kind and Message describe errors and notifications.
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`

	// Signal is "start" or "stop" on sound alerts.
	Signal string `json:"signal,omitempty"`

	// DurationSec is how long a notification stays visible.
	DurationSec int `json:"duration,omitempty"`

	Tool  *ToolEvent    `json:"tool,omitempty"`
	Audio *speech.Audio `json:"audio,omitempty"`
}

// ToolEvent summarises a tool execution for the client.
type ToolEvent struct {
	Name      string          `json:"name"`
	Target    string          `json:"target,omitempty"`
	Query     string          `json:"query,omitempty"`
	OK        bool            `json:"ok"`
	Kind      ErrorKind       `json:"kind,omitempty"`
	Note      string          `json:"note,omitempty"`
	Documents []string        `json:"documents,omitempty"`
	Results   []search.Result `json:"results,omitempty"`
}

func toolEvent(r tools.Result) *ToolEvent {
	ev := &ToolEvent{
		Name:    r.Tool,
		Target:  r.Target,
		Query:   r.Query,
		OK:      r.OK(),
		Results: r.Results,
	}
	if !ev.OK {
		ev.Kind = KindOf(r.Err)
		ev.Note = r.Note
	}
	for _, d := range r.Documents {
		ev.Documents = append(ev.Documents, d.Name)
	}
	return ev
}

// Emitter receives a session's events in order. Emit is called with the
// session lock held and must not call back into the session.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(ev Event) { f(ev) }
