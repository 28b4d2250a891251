// Package mock provides test doubles for the stt package interfaces.
//
// Session closes its channels on Close, after sending FlushFinals, which
// mirrors how real providers deliver the last segment when the stream is
// terminated:
//
//	sess := mock.NewSession()
//	sess.FlushFinals = []string{"hello world"}
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/novaflow/pkg/provider/stt"
)

// StartStreamCall records one Provider.StartStream invocation.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Provider is a mock stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh Session is
	// created per call.
	Session *Session

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session or StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Session is a mock stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// FlushFinals are sent on FinalsCh during Close.
	FlushFinals []string

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioBlock, if non-nil, is waited on by SendAudio before the chunk
	// is recorded. It simulates a stalled provider connection.
	SendAudioBlock chan struct{}

	// CloseBlock, if non-nil, is waited on by Close before the finals are
	// flushed.
	CloseBlock chan struct{}

	sendCalls int

	// Audio holds copies of every chunk passed to SendAudio.
	Audio [][]byte

	CloseCallCount int
	closed         bool
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	s.sendCalls++
	block := s.SendAudioBlock
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// SendCallCount returns the number of SendAudio calls, including ones
// still waiting on SendAudioBlock.
func (s *Session) SendCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Close sends FlushFinals and closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	block := s.CloseBlock
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	for _, text := range s.FlushFinals {
		s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true}
	}
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// AudioBytes returns the total number of bytes received.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.Audio {
		n += len(c)
	}
	return n
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
