// Package assemblyai provides an STT provider backed by the AssemblyAI
// real-time websocket API. It implements the stt.Provider interface.
//
// Audio is sent as base64 JSON frames. The server answers with
// PartialTranscript and FinalTranscript messages; Close sends
// terminate_session and keeps reading until SessionTerminated so that the
// last segment is not lost.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/novaflow/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.assemblyai.com/v2/realtime/ws"
	defaultSampleRate = 44100
	defaultFlushWait  = 5 * time.Second
	defaultWriteWait  = 5 * time.Second
	audioQueueSize    = 256
)

var errClosed = errors.New("assemblyai: session is closed")

// ErrAudioBacklog is returned by SendAudio when the outgoing queue is full.
// The frame is dropped.
var ErrAudioBacklog = errors.New("assemblyai: audio backlog full, frame dropped")

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the websocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithSampleRate sets the default sample rate used when StreamConfig leaves
// it at zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithFlushWait bounds how long Close waits for the final segments after
// terminate_session has been sent.
func WithFlushWait(d time.Duration) Option {
	return func(p *Provider) { p.flushWait = d }
}

// WithWriteTimeout bounds each websocket write. A stalled write ends the
// session.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) { p.writeWait = d }
}

// Provider implements stt.Provider for AssemblyAI.
type Provider struct {
	apiKey     string
	endpoint   string
	sampleRate int
	flushWait  time.Duration
	writeWait  time.Duration
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		sampleRate: defaultSampleRate,
		flushWait:  defaultFlushWait,
		writeWait:  defaultWriteWait,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the real-time endpoint and starts the read and write
// loops. The dial honours ctx; the session itself lives until Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// The loops outlive the dial context.
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:       conn,
		cancel:     cancel,
		flushWait:  p.flushWait,
		writeWait:  p.writeWait,
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		audio:      make(chan []byte, audioQueueSize),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop(loopCtx)
	go s.readLoop(loopCtx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	if len(cfg.Keywords) > 0 {
		words := make([]string, 0, len(cfg.Keywords))
		for _, kw := range cfg.Keywords {
			words = append(words, kw.Keyword)
		}
		raw, err := json.Marshal(words)
		if err != nil {
			return "", err
		}
		q.Set("word_boost", string(raw))
		q.Set("boost_param", boostParam(cfg.Keywords))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// boostParam maps the strongest requested boost onto AssemblyAI's three
// levels.
func boostParam(kws []stt.KeywordBoost) string {
	var max float64
	for _, kw := range kws {
		if kw.Boost > max {
			max = kw.Boost
		}
	}
	switch {
	case max >= 5:
		return "high"
	case max > 0 && max < 2:
		return "low"
	default:
		return "default"
	}
}

// realtimeMessage is the union of the server messages we care about.
type realtimeMessage struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	AudioStart  int     `json:"audio_start"`
	AudioEnd    int     `json:"audio_end"`
	Error       string  `json:"error"`
	Words       []struct {
		Text       string  `json:"text"`
		Start      int     `json:"start"`
		End        int     `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	flushWait time.Duration
	writeWait time.Duration

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	mu         sync.Mutex
	closed     bool
	closing    chan struct{}
	readerDone chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// SendAudio queues chunk without blocking. A full queue drops the chunk
// and returns [ErrAudioBacklog].
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	select {
	case <-s.readerDone:
		return errClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return ErrAudioBacklog
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close stops accepting audio, lets the write loop drain and send
// terminate_session, then waits up to flushWait for the server to finish.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.closing)
		s.mu.Unlock()

		s.wg.Wait()

		select {
		case <-s.readerDone:
		case <-time.After(s.flushWait):
		}
		s.cancel()
		<-s.readerDone
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

type audioFrame struct {
	AudioData string `json:"audio_data"`
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.writeAudio(ctx, chunk); err != nil {
				return
			}
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.writeAudio(ctx, chunk); err != nil {
						return
					}
				default:
					_ = s.write(ctx, []byte(`{"terminate_session":true}`))
					return
				}
			}
		case <-s.readerDone:
			return
		}
	}
}

func (s *session) writeAudio(ctx context.Context, chunk []byte) error {
	msg, err := json.Marshal(audioFrame{AudioData: base64.StdEncoding.EncodeToString(chunk)})
	if err != nil {
		return err
	}
	return s.write(ctx, msg)
}

func (s *session) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeWait)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

func (s *session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	defer close(s.finals)
	defer close(s.partials)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.MessageType == "SessionTerminated" {
			return
		}
		t, ok := toTranscript(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// toTranscript converts a server message. Empty partials and session
// bookkeeping messages are ignored.
func toTranscript(msg realtimeMessage) (stt.Transcript, bool) {
	var final bool
	switch msg.MessageType {
	case "PartialTranscript":
	case "FinalTranscript":
		final = true
	default:
		return stt.Transcript{}, false
	}
	if msg.Text == "" {
		return stt.Transcript{}, false
	}
	words := make([]stt.WordDetail, 0, len(msg.Words))
	for _, w := range msg.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Text,
			Start:      time.Duration(w.Start) * time.Millisecond,
			End:        time.Duration(w.End) * time.Millisecond,
			Confidence: w.Confidence,
		})
	}
	return stt.Transcript{
		Text:       msg.Text,
		IsFinal:    final,
		Confidence: msg.Confidence,
		Words:      words,
		Timestamp:  time.Duration(msg.AudioStart) * time.Millisecond,
		Duration:   time.Duration(msg.AudioEnd-msg.AudioStart) * time.Millisecond,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
