// Package turn runs the per-connection turn state machine.
//
// A [Session] owns at most one in-flight [Turn]. Control calls (start, stop,
// text, speak, cancel) come from the connection's read loop and return
// immediately; the stages of a turn run sequentially on their own
// goroutine and report progress to the session's [Emitter]. Events of a
// cancelled or superseded turn are dropped, so the client only ever sees
// the events of the current turn, in generation order.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/novaflow/internal/generate"
	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/intent"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/internal/speech"
	"github.com/MrWong99/novaflow/internal/tools"
	"github.com/MrWong99/novaflow/internal/transcript"
	"github.com/MrWong99/novaflow/pkg/provider/stt"
)

var (
	// ErrTurnInProgress is returned when a turn is requested while the
	// session is not idle. The in-flight turn is unaffected.
	ErrTurnInProgress = errors.New("turn: a turn is already in progress")

	// ErrNotCapturing is returned by StopCapture outside Capturing.
	ErrNotCapturing = errors.New("turn: not capturing")

	// ErrEmptyText is returned for blank text and speak requests.
	ErrEmptyText = errors.New("turn: empty text")

	// ErrNoSpeech marks a capture whose final transcript is empty.
	ErrNoSpeech = errors.New("turn: no speech recognised")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("turn: session closed")
)

// Input says how a turn started.
type Input string

const (
	InputVoice Input = "voice"
	InputText  Input = "text"
	InputSpeak Input = "speak"
)

// Turn is one exchange from input to delivered reply. It lives in memory
// only.
type Turn struct {
	ID         string
	Input      Input
	Transcript string
	Intent     intent.Intent
	Tool       tools.Result
	Reply      string
	Fallback   bool
	Audio      *speech.Audio
	Snapshot   settings.Snapshot
	StartedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// partialsDone is closed once every partial transcript is emitted.
	partialsDone chan struct{}
}

// SettingsSource provides the snapshot a turn captures at start.
type SettingsSource interface {
	Current() settings.Snapshot
}

// HistoryStore is the chat-history collaborator.
type HistoryStore interface {
	Append(ctx context.Context, chatID string, e history.Entry) error
	Read(ctx context.Context, chatID string) ([]history.Entry, error)
}

// Deps are the collaborators of a session. Only Settings, Router, Tools and
// Generator are required.
type Deps struct {
	Settings  SettingsSource
	Router    *intent.Router
	Tools     *tools.Executor
	Generator *generate.Generator

	// STT may be nil, which rejects voice turns.
	STT stt.Provider

	// Speech may be nil, which makes every voice turn text-only.
	Speech *speech.Synthesizer

	// History may be nil, which disables persistence.
	History HistoryStore

	// Catalog names are sent to the STT provider as keyword hints.
	Catalog intent.Catalog

	Metrics *observe.Metrics
}

// Config tunes a session.
type Config struct {
	SampleRate int
	Channels   int
	Language   string

	MinCapture      time.Duration
	FinalizeTimeout time.Duration

	// HistoryWindow is the number of exchanges kept for the model.
	HistoryWindow int
}

// Session is one client connection's turn state. All methods are safe for
// concurrent use.
type Session struct {
	id     string
	chatID string
	sink   Emitter
	deps   Deps
	cfg    Config

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	turn      *Turn
	stream    *transcript.Stream
	recent    []generate.Exchange
	lastReply string
	closed    bool
}

// NewSession creates an idle session for chatID and preloads the recent
// history window. ctx supplies request-scoped values (correlation ID, span)
// to every turn; its cancellation does not end the session.
func NewSession(ctx context.Context, chatID string, sink Emitter, deps Deps, cfg Config) *Session {
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:     uuid.NewString(),
		chatID: chatID,
		sink:   sink,
		deps:   deps,
		cfg:    cfg,
		base:   base,
		cancel: cancel,
	}
	if deps.History != nil && cfg.HistoryWindow > 0 {
		entries, err := deps.History.Read(ctx, chatID)
		if err != nil {
			observe.Logger(ctx).Warn("could not preload chat history", "chat_id", chatID, "err", err)
		}
		for _, e := range history.Recent(entries, cfg.HistoryWindow) {
			s.recent = append(s.recent, generate.Exchange{User: e.UserQuery, Assistant: e.AIResponse})
			s.lastReply = e.AIResponse
		}
	}
	if deps.Metrics != nil {
		deps.Metrics.SessionOpened(base)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ChatID returns the chat this session appends to.
func (s *Session) ChatID() string { return s.chatID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recent returns a copy of the history window.
func (s *Session) Recent() []generate.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]generate.Exchange(nil), s.recent...)
}

// StartCapture begins a voice turn.
func (s *Session) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		return err
	}

	t := s.newTurnLocked(InputVoice)
	var keywords []string
	if s.deps.Catalog != nil {
		keywords = s.deps.Catalog.Names()
	}
	stream, err := transcript.Open(t.ctx, s.deps.STT, transcript.Config{
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		Language:        s.cfg.Language,
		MinDuration:     s.cfg.MinCapture,
		FinalizeTimeout: s.cfg.FinalizeTimeout,
		Keywords:        keywords,
	})
	if err != nil {
		s.emitLocked(t, Event{Type: EventError, Kind: KindTranscriptionFailed, Message: "Speech recognition is unavailable right now."})
		s.finishLocked(t, "failed", err)
		return fmt.Errorf("turn: start capture: %w", err)
	}
	s.stream = stream

	s.setStateLocked(t, StateCapturing)
	if t.Snapshot.EnableSound {
		s.emitLocked(t, Event{Type: EventSoundAlert, Signal: "start"})
	}

	t.partialsDone = make(chan struct{})
	s.wg.Add(1)
	go s.forwardPartials(t, stream)
	return nil
}

// Feed forwards one PCM frame to the capture in progress. Frames outside
// Capturing are dropped.
// The provider write happens outside the session lock.
func (s *Session) Feed(frame []byte) {
	s.mu.Lock()
	if s.state != StateCapturing || s.stream == nil {
		s.mu.Unlock()
		return
	}
	stream, ctx := s.stream, s.turn.ctx
	s.mu.Unlock()

	if err := stream.Write(frame); err != nil {
		observe.Logger(ctx).Debug("dropping audio frame", "err", err)
	}
}

// StopCapture ends the capture and runs the rest of the turn.
func (s *Session) StopCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateCapturing {
		return ErrNotCapturing
	}
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	t, stream := s.turn, s.stream
	s.stream = nil
	s.setStateLocked(t, StateTranscribing)
	if t.Snapshot.EnableSound {
		s.emitLocked(t, Event{Type: EventSoundAlert, Signal: "stop"})
	}
	s.wg.Add(1)
	go s.runVoice(t, stream)
}

// SubmitText runs a text turn. It skips capture and transcription.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		return err
	}
	if text == "" {
		return ErrEmptyText
	}
	t := s.newTurnLocked(InputText)
	t.Transcript = text
	s.setStateLocked(t, StateRouting)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(t)
	}()
	return nil
}

// Speak synthesizes text without routing or generation.
func (s *Session) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		return err
	}
	if text == "" {
		return ErrEmptyText
	}
	t := s.newTurnLocked(InputSpeak)
	t.Reply = text
	s.setStateLocked(t, StateSynthesizing)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.synthesize(t)
		s.deliver(t, "delivered")
	}()
	return nil
}

// Cancel acts as StopCapture while capturing. Later in a turn it abandons
// the turn: in-flight calls are cancelled, their results are discarded and
// the session returns to Idle at once.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return
	case StateCapturing:
		s.stopLocked()
		return
	}
	t := s.turn
	observe.Logger(t.ctx).Info("turn cancelled", "turn_id", t.ID, "stage", s.state.String())
	s.finishLocked(t, "cancelled", context.Canceled)
}

// Close abandons any turn and waits for its goroutines to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.stream != nil {
		s.stream.Abort()
		s.stream = nil
	}
	if t := s.turn; t != nil {
		s.finishLocked(t, "cancelled", context.Canceled)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionClosed(context.Background())
	}
}

// Wait blocks until no turn goroutine is running.
func (s *Session) Wait() { s.wg.Wait() }

// admitLocked rejects a new turn unless the session is idle.
func (s *Session) admitLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		s.sink.Emit(Event{
			Type:    EventError,
			Kind:    KindTurnInProgress,
			Message: "Please wait until the current request has finished.",
		})
		return ErrTurnInProgress
	}
	return nil
}

func (s *Session) newTurnLocked(in Input) *Turn {
	t := &Turn{
		ID:        uuid.NewString(),
		Input:     in,
		Snapshot:  s.deps.Settings.Current(),
		StartedAt: time.Now(),
	}
	ctx, span := observe.StartSpan(s.base, "turn",
		trace.WithAttributes(
			attribute.String("turn.id", t.ID),
			attribute.String("turn.input", string(in)),
			attribute.String("session.id", s.id),
			attribute.String("chat.id", s.chatID),
		))
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.span = span
	s.turn = t
	return t
}

// emitLocked sends ev if t is still the current turn.
func (s *Session) emitLocked(t *Turn, ev Event) bool {
	if s.turn != t {
		return false
	}
	ev.TurnID = t.ID
	s.sink.Emit(ev)
	return true
}

func (s *Session) emit(t *Turn, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(t, ev)
}

func (s *Session) setStateLocked(t *Turn, st State) bool {
	if s.turn != t {
		return false
	}
	s.state = st
	s.sink.Emit(Event{Type: EventState, TurnID: t.ID, State: st.String()})
	return true
}

// advance moves t to st. It reports false when t has been abandoned.
func (s *Session) advance(t *Turn, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(t, st)
}

// finishLocked ends t and returns the session to Idle.
func (s *Session) finishLocked(t *Turn, outcome string, err error) {
	if s.turn != t {
		return
	}
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	}
	t.span.SetAttributes(attribute.String("turn.outcome", outcome), attribute.String("intent", t.Intent.Kind.String()))
	t.span.End()
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTurn(s.base, t.Intent.Kind.String(), outcome)
		s.deps.Metrics.RecordStage(s.base, "turn", time.Since(t.StartedAt))
	}

	s.turn = nil
	s.stream = nil
	s.state = StateIdle
	s.sink.Emit(Event{Type: EventState, TurnID: t.ID, State: StateIdle.String()})
}

func (s *Session) finish(t *Turn, outcome string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(t, outcome, err)
}

// fail reports err to the client and ends t.
func (s *Session) fail(t *Turn, outcome string, kind ErrorKind, msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitLocked(t, Event{Type: EventError, Kind: kind, Message: msg}) {
		observe.Logger(t.ctx).Info("turn failed", "turn_id", t.ID, "kind", string(kind), "err", err)
	}
	s.finishLocked(t, outcome, err)
}

// stage starts a child span and returns a func that ends it and records
// the stage duration.
func (s *Session) stage(t *Turn, name string) (context.Context, func()) {
	ctx, span := observe.StartSpan(t.ctx, name)
	start := time.Now()
	return ctx, func() {
		span.End()
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordStage(ctx, name, time.Since(start))
		}
	}
}

// forwardPartials relays partial transcripts until the stream closes.
func (s *Session) forwardPartials(t *Turn, stream *transcript.Stream) {
	defer s.wg.Done()
	defer close(t.partialsDone)
	for ev := range stream.Events() {
		if ev.Final {
			continue
		}
		s.emit(t, Event{Type: EventPartialTranscript, Text: ev.Text})
	}
}

func (s *Session) runVoice(t *Turn, stream *transcript.Stream) {
	defer s.wg.Done()

	ctx, end := s.stage(t, "transcribe")
	final, err := stream.Stop(ctx)
	end()
	if err != nil {
		stream.Abort()
		switch {
		case errors.Is(err, transcript.ErrTooShort):
			s.fail(t, "too_short", KindTooShort, "Recording too short. Please speak for at least 1 second.", err)
		case t.ctx.Err() != nil:
			s.finish(t, "cancelled", err)
		default:
			s.fail(t, "failed", KindTranscriptionFailed, "Transcription failed.", err)
		}
		return
	}

	// The final must follow every partial.
	<-t.partialsDone

	if final.Text == "" {
		s.fail(t, "no_speech", KindNoSpeech, "No speech was recognised. Please try again.", ErrNoSpeech)
		return
	}

	s.mu.Lock()
	t.Transcript = final.Text
	ok := s.emitLocked(t, Event{Type: EventFinalTranscript, Text: final.Text}) &&
		s.setStateLocked(t, StateRouting)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.process(t)
}

// process runs routing, tool execution, generation and, for voice turns,
// synthesis.
func (s *Session) process(t *Turn) {
	snap := t.Snapshot

	_, end := s.stage(t, "route")
	in := s.deps.Router.Route(t.Transcript, snap)
	end()
	s.mu.Lock()
	t.Intent = in
	s.mu.Unlock()
	t.span.SetAttributes(attribute.String("intent", in.Kind.String()))
	observe.Logger(t.ctx).Debug("routed", "turn_id", t.ID, "intent", in.Kind.String())

	if in.Kind.NeedsTool() {
		if !s.advance(t, StateExecuting) {
			return
		}
		s.mu.Lock()
		last := s.lastReply
		s.mu.Unlock()

		ctx, end := s.stage(t, "tool")
		res := s.deps.Tools.Run(ctx, in, snap, last)
		end()
		t.Tool = res
		if !s.emit(t, Event{Type: EventToolResult, Tool: toolEvent(res)}) {
			return
		}
		if res.Tool == tools.ToolEmail {
			s.notifyEmail(t, res)
		}
	}

	if !s.advance(t, StateGenerating) {
		return
	}
	ctx, end := s.stage(t, "generate")
	reply, err := s.deps.Generator.Generate(ctx, generate.Request{
		Utterance:        t.Transcript,
		Intent:           in,
		Tool:             t.Tool,
		History:          s.Recent(),
		ConversationType: snap.ConversationType,
	})
	end()
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindGenerationFailed
		}
		observe.Logger(t.ctx).Warn("generation failed, using fallback reply", "turn_id", t.ID, "err", err)
		s.emit(t, Event{Type: EventError, Kind: kind, Message: generationMessage(kind)})
		reply = generate.FallbackReply
		t.Fallback = true
	}
	t.Reply = reply
	if !s.emit(t, Event{Type: EventReplyText, Text: reply}) {
		return
	}

	if t.Input == InputVoice && !t.Fallback && s.deps.Speech != nil {
		if !s.advance(t, StateSynthesizing) {
			return
		}
		s.synthesize(t)
	}
	s.deliver(t, "delivered")
}

func generationMessage(kind ErrorKind) string {
	if kind == KindGenerationTimeout {
		return "The assistant could not generate a reply in time."
	}
	return "The assistant could not generate a reply."
}

// synthesize renders t.Reply and emits audio_ready. Failures degrade to
// text-only.
func (s *Session) synthesize(t *Turn) {
	ctx, end := s.stage(t, "synthesize")
	audio, err := s.deps.Speech.Synthesize(ctx, t.Reply, t.Snapshot)
	end()
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		observe.Logger(t.ctx).Warn("synthesis failed, delivering text only", "turn_id", t.ID, "err", err)
		s.emit(t, Event{Type: EventError, Kind: KindSynthesisUnavailable, Message: "Audio is unavailable for this reply."})
		return
	}
	t.Audio = audio
	s.emit(t, Event{Type: EventAudioReady, Audio: audio})
}

// deliver records the exchange and returns to Idle.
func (s *Session) deliver(t *Turn, outcome string) {
	if !s.advance(t, StateDelivered) {
		return
	}
	if t.Input != InputSpeak && !t.Fallback {
		s.mu.Lock()
		s.recent = append(s.recent, generate.Exchange{User: t.Transcript, Assistant: t.Reply})
		if n := s.cfg.HistoryWindow; len(s.recent) > n {
			s.recent = append([]generate.Exchange(nil), s.recent[len(s.recent)-n:]...)
		}
		s.lastReply = t.Reply
		s.mu.Unlock()

		if t.Snapshot.AutoSaveHistory && s.deps.History != nil {
			if err := s.deps.History.Append(t.ctx, s.chatID, history.NewEntry(t.Transcript, t.Reply)); err != nil {
				observe.Logger(t.ctx).Error("failed to save chat history", "chat_id", s.chatID, "turn_id", t.ID, "err", err)
			}
		}
	}
	observe.Logger(t.ctx).Info("turn delivered",
		"turn_id", t.ID,
		"session_id", s.id,
		"chat_id", s.chatID,
		"intent", t.Intent.Kind.String(),
		"fallback", t.Fallback,
		"audio", t.Audio != nil,
		"duration", time.Since(t.StartedAt),
	)
	s.finish(t, outcome, nil)
}

func (s *Session) notifyEmail(t *Turn, res tools.Result) {
	ev := Event{Type: EventNotification, DurationSec: t.Snapshot.NotificationDuration}
	if res.OK() {
		ev.Message = "Email sent successfully"
	} else {
		ev.Kind = KindWebhookFailed
		ev.Message = "The email could not be sent."
		if errors.Is(res.Err, tools.ErrNothingToSend) {
			ev.Message = "There is no reply to email yet."
		}
	}
	s.emit(t, ev)
}
