// Package speech renders reply text to audio through a TTS provider.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/resilience"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/pkg/provider/tts"
)

// ErrSynthesisUnavailable wraps every synthesis failure. Callers degrade to
// text-only delivery.
var ErrSynthesisUnavailable = errors.New("speech: synthesis unavailable")

// DefaultFormat is the container requested from the provider.
const DefaultFormat = "WAV"

// Audio is a complete synthesized reply. Data is base64 encoded in JSON.
type Audio struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Data       []byte `json:"data"`
}

// SampleRate maps an audio quality setting to an output rate in Hz.
func SampleRate(quality string) int {
	switch quality {
	case settings.QualityLow:
		return 24000
	case settings.QualityHigh:
		return 48000
	default:
		return 44100
	}
}

// Profile builds the voice request for snap.
func Profile(snap settings.Snapshot) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          snap.VoiceID,
		SpeedFactor: snap.PlaybackSpeed,
		Format:      DefaultFormat,
		SampleRate:  SampleRate(snap.AudioQuality),
	}
}

// Config tunes a Synthesizer.
type Config struct {
	// Timeout bounds a whole synthesis, first chunk to last. Default: 30s.
	Timeout time.Duration

	ProviderName string
	Metrics      *observe.Metrics
}

// Synthesizer is safe for concurrent use. A nil provider makes every call
// fail with [ErrSynthesisUnavailable].
type Synthesizer struct {
	tts   tts.Provider
	cfg   Config
	guard *resilience.Guard
}

// New returns a Synthesizer backed by p.
func New(p tts.Provider, cfg Config) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Synthesizer{
		tts: p,
		cfg: cfg,
		guard: resilience.NewGuard(resilience.GuardConfig{
			Name:    "tts",
			Timeout: cfg.Timeout,
		}),
	}
}

// Synthesize renders text with the voice settings in snap.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, snap settings.Snapshot) (*Audio, error) {
	if s == nil || s.tts == nil {
		return nil, fmt.Errorf("%w: no tts provider configured", ErrSynthesisUnavailable)
	}
	profile := Profile(snap)

	start := time.Now()
	data, err := resilience.Call(ctx, s.guard, func(ctx context.Context) ([]byte, error) {
		return s.collect(ctx, text, profile)
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordProviderCall(ctx, "tts", s.cfg.ProviderName, time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrSynthesisUnavailable, err)
	}
	return &Audio{Format: profile.Format, SampleRate: profile.SampleRate, Data: data}, nil
}

// Voices lists the voices offered by the provider.
func (s *Synthesizer) Voices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if s == nil || s.tts == nil {
		return nil, fmt.Errorf("%w: no tts provider configured", ErrSynthesisUnavailable)
	}
	return resilience.Call(ctx, s.guard, s.tts.ListVoices)
}

// collect sends text as a single fragment and concatenates the audio.
func (s *Synthesizer) collect(ctx context.Context, text string, profile tts.VoiceProfile) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan string, 1)
	in <- text
	close(in)

	chunks, err := s.tts.SynthesizeStream(ctx, in, profile)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for c := range chunks {
		buf.Write(c)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errors.New("provider returned no audio")
	}
	return buf.Bytes(), nil
}
