// Package mock provides a test double for the tts.Provider interface.
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("RIFF"), []byte("data")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/novaflow/pkg/provider/tts"
)

// SynthesizeCall records one SynthesizeStream invocation. Text is the
// concatenation of every fragment the caller sent.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted on the audio channel once the text channel closes.
	Chunks [][]byte

	// Delay postpones the first chunk. The channel still closes early when
	// ctx is cancelled.
	Delay time.Duration

	// Block, if non-nil, holds back the chunks until it is closed, ignoring
	// ctx.
	Block chan struct{}

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	Voices        []tts.VoiceProfile
	ListVoicesErr error

	SynthesizeCalls []SynthesizeCall
}

// SynthesizeStream drains text, records the call and emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.SynthesizeErr
	chunks := p.Chunks
	delay := p.Delay
	block := p.Block
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
		}
		p.mu.Lock()
		p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: sb.String(), Voice: voice})
		p.mu.Unlock()

		if block != nil {
			<-block
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Calls returns a copy of the recorded synthesis calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
