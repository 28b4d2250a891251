// Package murf provides a TTS provider backed by the Murf streaming
// websocket API. It implements the tts.Provider interface.
//
// Each SynthesizeStream call opens one websocket context: it sends the
// voice configuration, forwards every text fragment and marks the end of
// input when the text channel closes. Murf answers with base64 audio
// frames; the last one carries isFinalAudio (older deployments use
// is_final).
package murf

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/novaflow/pkg/provider/tts"
)

const (
	defaultStreamURL  = "wss://api.murf.ai/v1/speech/stream-input"
	defaultVoicesURL  = "https://api.murf.ai/v1/speech/voices"
	defaultStyle      = "Narration"
	defaultFormat     = "WAV"
	defaultSampleRate = 44100
	defaultFirstFrame = 10 * time.Second
	defaultNextFrame  = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithStreamURL overrides the websocket endpoint.
func WithStreamURL(u string) Option {
	return func(p *Provider) { p.streamURL = u }
}

// WithVoicesURL overrides the voice catalogue endpoint.
func WithVoicesURL(u string) Option {
	return func(p *Provider) { p.voicesURL = u }
}

// WithStyle sets the Murf speaking style. Defaults to "Narration".
func WithStyle(style string) Option {
	return func(p *Provider) { p.style = style }
}

// WithFrameTimeouts bounds the wait for the first audio frame and for every
// frame after it.
func WithFrameTimeouts(first, next time.Duration) Option {
	return func(p *Provider) {
		p.firstFrame = first
		p.nextFrame = next
	}
}

// WithHTTPClient sets the client used for ListVoices.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements tts.Provider for Murf.
type Provider struct {
	apiKey     string
	streamURL  string
	voicesURL  string
	style      string
	firstFrame time.Duration
	nextFrame  time.Duration
	client     *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("murf: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		streamURL:  defaultStreamURL,
		voicesURL:  defaultVoicesURL,
		style:      defaultStyle,
		firstFrame: defaultFirstFrame,
		nextFrame:  defaultNextFrame,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type voiceConfig struct {
	VoiceID string  `json:"voiceId"`
	Style   string  `json:"style,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

type outMessage struct {
	Init        bool         `json:"init,omitempty"`
	VoiceConfig *voiceConfig `json:"voice_config,omitempty"`
	Text        *string      `json:"text,omitempty"`
	End         bool         `json:"end,omitempty"`
}

type inMessage struct {
	Audio        string `json:"audio"`
	IsFinalAudio bool   `json:"isFinalAudio"`
	IsFinal      bool   `json:"is_final"`
	Error        string `json:"error"`
}

// SynthesizeStream opens a websocket context and streams audio chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	wsURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("murf: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("murf: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	if err := p.writeJSON(ctx, conn, outMessage{Init: true}); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("murf: send init: %w", err)
	}
	cfg := &voiceConfig{VoiceID: voice.ID, Style: p.style, Speed: voice.SpeedFactor}
	if err := p.writeJSON(ctx, conn, outMessage{VoiceConfig: cfg}); err != nil {
		conn.Close(websocket.StatusInternalError, "voice config failed")
		return nil, fmt.Errorf("murf: send voice config: %w", err)
	}

	audio := make(chan []byte, 32)
	go p.sendText(ctx, conn, text)
	go p.receive(ctx, conn, audio)
	return audio, nil
}

func (p *Provider) buildURL(voice tts.VoiceProfile) (string, error) {
	u, err := url.Parse(p.streamURL)
	if err != nil {
		return "", err
	}
	format := voice.Format
	if format == "" {
		format = defaultFormat
	}
	rate := voice.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("context_id", uuid.NewString())
	q.Set("format", strings.ToUpper(format))
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channel_type", "MONO")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) writeJSON(ctx context.Context, conn *websocket.Conn, msg outMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sendText forwards fragments until text closes, then marks end of input.
func (p *Provider) sendText(ctx context.Context, conn *websocket.Conn, text <-chan string) {
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				empty := ""
				_ = p.writeJSON(ctx, conn, outMessage{Text: &empty, End: true})
				return
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			if err := p.writeJSON(ctx, conn, outMessage{Text: &frag}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// receive decodes audio frames until the final one, a frame timeout or an
// error. The first frame gets a longer deadline than the rest.
func (p *Provider) receive(ctx context.Context, conn *websocket.Conn, audio chan<- []byte) {
	defer close(audio)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	wait := p.firstFrame
	for {
		readCtx, cancel := context.WithTimeout(ctx, wait)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("murf: stream ended before final audio", "err", err)
			}
			return
		}
		wait = p.nextFrame

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			slog.Warn("murf: server error", "err", msg.Error)
			return
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				slog.Warn("murf: bad audio frame", "err", err)
				return
			}
			select {
			case audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if msg.IsFinalAudio || msg.IsFinal {
			return
		}
	}
}

type murfVoice struct {
	VoiceID     string `json:"voiceId"`
	DisplayName string `json:"displayName"`
	Locale      string `json:"locale"`
}

// ListVoices fetches the voice catalogue over HTTP.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("murf: list voices: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("murf: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("murf: list voices: unexpected status %d", resp.StatusCode)
	}

	var voices []murfVoice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("murf: list voices: decode: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		out = append(out, tts.VoiceProfile{ID: v.VoiceID, Name: v.DisplayName, Locale: v.Locale})
	}
	return out, nil
}

var _ tts.Provider = (*Provider)(nil)
