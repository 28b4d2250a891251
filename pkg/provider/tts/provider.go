// Package tts defines the Provider interface for text-to-speech backends.
//
// SynthesizeStream takes a channel of text fragments and returns a channel of
// encoded audio chunks in the format requested by the VoiceProfile. The
// audio channel is closed when synthesis is complete, when the provider
// fails, or when ctx is cancelled.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text until the channel closes and emits audio
	// chunks as they arrive. A non-nil error means the stream could not be
	// started; failures after that close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the provider currently offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
