// Package transcript adapts a streaming STT session to one capture gesture.
//
// A [Stream] forwards PCM frames to the provider, folds the provider's
// partial and final segments into a single running transcript and, on
// [Stream.Stop], waits a bounded time for the provider to flush before
// emitting exactly one final [Event]. Captures shorter than the configured
// minimum are rejected with [ErrTooShort] and never produce a transcript
// event, not even a partial.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/novaflow/pkg/provider/stt"
)

var (
	// ErrTooShort is returned by Stop when less audio than MinDuration was
	// captured.
	ErrTooShort = errors.New("transcript: capture too short")

	// ErrStopped is returned by Write after Stop or Abort.
	ErrStopped = errors.New("transcript: stream stopped")

	// ErrNoProvider is returned by Open when no STT provider is configured.
	ErrNoProvider = errors.New("transcript: no stt provider")
)

const eventBuffer = 64

// Event is one transcript update. Partial events carry every committed
// segment so far plus the current partial.
type Event struct {
	Final bool   `json:"final"`
	Text  string `json:"text"`
}

// Config describes the audio and the timing rules of a stream.
type Config struct {
	SampleRate int
	Channels   int
	Language   string

	// MinDuration is the shortest capture that is transcribed.
	MinDuration time.Duration

	// FinalizeTimeout bounds the wait for the provider's flush on Stop.
	// Default: 5s.
	FinalizeTimeout time.Duration

	// Keywords are passed to the provider as vocabulary hints.
	Keywords []string
}

// Stream is safe for concurrent use. Write is usually called from the
// connection's read loop while Events is drained elsewhere.
type Stream struct {
	cfg    Config
	handle stt.SessionHandle

	captured atomic.Int64
	stopped  atomic.Bool

	mu        sync.Mutex
	committed []string
	partial   string
	events    chan Event
	closed    bool

	// pumped is closed once the provider has closed both of its channels.
	pumped chan struct{}
}

// Open starts a provider session for one gesture.
func Open(ctx context.Context, p stt.Provider, cfg Config) (*Stream, error) {
	if p == nil {
		return nil, ErrNoProvider
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	boosts := make([]stt.KeywordBoost, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		boosts = append(boosts, stt.KeywordBoost{Keyword: k, Boost: 1})
	}
	handle, err := p.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
		Keywords:   boosts,
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: start stream: %w", err)
	}

	s := &Stream{
		cfg:    cfg,
		handle: handle,
		events: make(chan Event, eventBuffer),
		pumped: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Events returns the transcript updates. The channel closes after the final
// event, or without one on ErrTooShort and Abort.
func (s *Stream) Events() <-chan Event { return s.events }

// Write forwards one PCM frame.
func (s *Stream) Write(frame []byte) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if err := s.handle.SendAudio(frame); err != nil {
		return fmt.Errorf("transcript: send audio: %w", err)
	}
	s.captured.Add(int64(len(frame)))
	return nil
}

// Captured returns the duration of the audio written so far.
func (s *Stream) Captured() time.Duration {
	return Duration(s.captured.Load(), s.cfg.SampleRate, s.cfg.Channels)
}

// Duration converts a byte count of 16-bit PCM into playback time.
func Duration(n int64, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate*2*channels)
}

// Stop ends the capture. It returns ErrTooShort for short captures;
// otherwise it closes the provider session, collects its finals within
// FinalizeTimeout and returns the final event, whose text may be empty.
func (s *Stream) Stop(ctx context.Context) (Event, error) {
	if !s.stopped.CompareAndSwap(false, true) {
		return Event{}, ErrStopped
	}

	if s.Captured() < s.cfg.MinDuration {
		s.finish(nil)
		go s.handle.Close()
		return Event{}, fmt.Errorf("%w: captured %s, need %s", ErrTooShort, s.Captured(), s.cfg.MinDuration)
	}

	go s.handle.Close()

	timer := time.NewTimer(s.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-s.pumped:
	case <-timer.C:
	case <-ctx.Done():
		s.finish(nil)
		return Event{}, ctx.Err()
	}

	final := Event{Final: true, Text: s.text(true)}
	s.finish(&final)
	return final, nil
}

// Abort discards the gesture. It is safe to call after Stop.
func (s *Stream) Abort() {
	if s.stopped.CompareAndSwap(false, true) {
		go s.handle.Close()
	}
	s.finish(nil)
}

// pump folds provider output into events until both channels close.
func (s *Stream) pump() {
	defer close(s.pumped)
	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.mu.Lock()
			s.partial = strings.TrimSpace(t.Text)
			s.mu.Unlock()
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.mu.Lock()
			if text := strings.TrimSpace(t.Text); text != "" {
				s.committed = append(s.committed, text)
			}
			s.partial = ""
			s.mu.Unlock()
		}
		s.emitPartial()
	}
}

// emitPartial drops the update when the consumer is behind; a later
// partial or the final supersedes it.
func (s *Stream) emitPartial() {
	if s.Captured() < s.cfg.MinDuration {
		return
	}
	text := s.text(false)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- Event{Text: text}:
	default:
	}
}

// text joins committed segments. The pending partial is included for
// partial events, and for the final only when nothing was committed.
func (s *Stream) text(final bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := append([]string(nil), s.committed...)
	if s.partial != "" && (!final || len(parts) == 0) {
		parts = append(parts, s.partial)
	}
	return strings.Join(parts, " ")
}

// finish sends the optional final event and closes the channel once.
func (s *Stream) finish(final *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if final != nil {
		// Partials may fill the buffer; make room so the final is never lost.
		for len(s.events) == cap(s.events) {
			select {
			case <-s.events:
			default:
			}
		}
		s.events <- *final
	}
	close(s.events)
}
