// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens one SessionHandle per capture gesture. The handle accepts
// raw 16-bit PCM frames and emits two transcript streams: partials, which
// change while the speaker talks, and finals, which the provider has
// committed to. Closing the handle flushes buffered audio; any finals that
// result are delivered before both channels close.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels. Most providers want 1.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider pick its default.
	Language string

	// Keywords are vocabulary hints, e.g. names of uploaded documents.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming session.
//
// All methods must be safe for concurrent use. Callers must call Close.
type SessionHandle interface {
	// SendAudio queues a PCM chunk. It returns an error after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcript segments. Closed when the session
	// ends, after every segment produced by the flush on Close.
	Finals() <-chan Transcript

	// Close flushes pending audio, waits for the provider to finish and
	// releases the connection. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new session. The returned handle accepts audio
	// immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
