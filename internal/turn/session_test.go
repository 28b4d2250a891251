package turn_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/novaflow/internal/generate"
	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/intent"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/internal/speech"
	"github.com/MrWong99/novaflow/internal/tools"
	"github.com/MrWong99/novaflow/internal/turn"
	"github.com/MrWong99/novaflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/novaflow/pkg/provider/llm/mock"
	"github.com/MrWong99/novaflow/pkg/provider/search"
	searchmock "github.com/MrWong99/novaflow/pkg/provider/search/mock"
	sttmock "github.com/MrWong99/novaflow/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/novaflow/pkg/provider/tts/mock"
)

// ── test doubles ─────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []turn.Event
}

func (r *recorder) Emit(ev turn.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []turn.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]turn.Event(nil), r.events...)
}

// content returns the event types other than state and sound alerts.
func (r *recorder) content() []turn.EventType {
	var out []turn.EventType
	for _, ev := range r.all() {
		if ev.Type == turn.EventState || ev.Type == turn.EventSoundAlert {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) states() []string {
	var out []string
	for _, ev := range r.all() {
		if ev.Type == turn.EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) first(typ turn.EventType) (turn.Event, bool) {
	for _, ev := range r.all() {
		if ev.Type == typ {
			return ev, true
		}
	}
	return turn.Event{}, false
}

func (r *recorder) errorKinds() []turn.ErrorKind {
	var out []turn.ErrorKind
	for _, ev := range r.all() {
		if ev.Type == turn.EventError {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]history.Entry
}

func (h *memHistory) Append(_ context.Context, id string, e history.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries == nil {
		h.entries = map[string][]history.Entry{}
	}
	h.entries[id] = append(h.entries[id], e)
	return nil
}

func (h *memHistory) Read(_ context.Context, id string) ([]history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Entry(nil), h.entries[id]...), nil
}

func (h *memHistory) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[id])
}

// ── fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	settings *settings.Store
	llm      *llmmock.Provider
	search   *searchmock.Provider
	tts      *ttsmock.Provider
	stt      *sttmock.Provider
	sttSess  *sttmock.Session
	history  *memHistory
	kb       *knowledge.Store
	webhook  *httptest.Server
	hookBody chan string

	genTimeout time.Duration
	noSpeech   bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := settings.Open("")
	if err != nil {
		t.Fatal(err)
	}
	kb, err := knowledge.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		settings: st,
		llm:      &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Here is my answer."}},
		search: &searchmock.Provider{Results: []search.Result{
			{Title: "Trend report", Snippet: "Agents everywhere", URL: "https://example.com/1"},
			{Title: "Second", URL: "https://example.com/2"},
			{Title: "Third", URL: "https://example.com/3"},
			{Title: "Fourth", URL: "https://example.com/4"},
		}},
		tts:      &ttsmock.Provider{Chunks: [][]byte{[]byte("RIFF"), []byte("wave")}},
		sttSess:  sttmock.NewSession(),
		history:  &memHistory{},
		kb:       kb,
		hookBody: make(chan string, 4),
	}
	f.sttSess.FlushFinals = []string{"hello there"}
	f.stt = &sttmock.Provider{Session: f.sttSess}
	f.webhook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.hookBody <- string(b)
	}))
	t.Cleanup(f.webhook.Close)
	return f
}

func (f *fixture) session(t *testing.T) (*turn.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	exec := tools.NewExecutor(
		tools.WithDocuments(tools.NewDocumentLookup(f.kb)),
		tools.WithWebSearch(tools.NewWebSearch(f.search), "mock"),
		tools.WithEmail(tools.NewEmailDispatch(f.webhook.URL, f.webhook.Client())),
		tools.WithTimeout(time.Second),
	)
	genTimeout := f.genTimeout
	if genTimeout == 0 {
		genTimeout = 5 * time.Second
	}
	deps := turn.Deps{
		Settings:  f.settings,
		Router:    intent.NewRouter(f.kb),
		Tools:     exec,
		Generator: generate.New(f.llm, generate.Config{Timeout: genTimeout, HistoryWindow: 4}),
		Speech:    speech.New(f.tts, speech.Config{Timeout: time.Second}),
		History:   f.history,
		Catalog:   f.kb,
	}
	if f.stt != nil {
		deps.STT = f.stt
	}
	s := turn.NewSession(context.Background(), "1", rec, deps, turn.Config{
		SampleRate:      8000,
		Channels:        1,
		MinCapture:      time.Second,
		FinalizeTimeout: time.Second,
		HistoryWindow:   4,
	})
	t.Cleanup(s.Close)
	return s, rec
}

// pcm returns d of silence at 8 kHz mono.
func pcm(d time.Duration) []byte { return make([]byte, int(d.Seconds()*16000)) }

func waitState(t *testing.T, s *turn.Session, want turn.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalTypes(a, b []turn.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── text turns ───────────────────────────────────────────────────────────────

func TestTextTurn_GeneralChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	if err := s.SubmitText(context.Background(), "  how are you?  "); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	s.Wait()

	if got := rec.content(); !equalTypes(got, []turn.EventType{turn.EventReplyText}) {
		t.Errorf("events = %v", got)
	}
	wantStates := []string{"routing", "generating", "delivered", "idle"}
	if got := rec.states(); strings.Join(got, ",") != strings.Join(wantStates, ",") {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	if len(f.tts.Calls()) != 0 {
		t.Error("text turn must not synthesize")
	}
	if f.history.count("1") != 1 {
		t.Errorf("history entries = %d, want 1", f.history.count("1"))
	}
	recent := s.Recent()
	if len(recent) != 1 || recent[0].User != "how are you?" || recent[0].Assistant != "Here is my answer." {
		t.Errorf("Recent = %+v", recent)
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestTextTurn_SearchScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	_ = s.SubmitText(context.Background(), "search for AI trends")
	s.Wait()

	want := []turn.EventType{turn.EventToolResult, turn.EventReplyText}
	if got := rec.content(); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	ev, _ := rec.first(turn.EventToolResult)
	if ev.Tool.Name != tools.ToolWebSearch || ev.Tool.Query != "AI trends" || !ev.Tool.OK {
		t.Errorf("tool event = %+v", ev.Tool)
	}
	if n := len(ev.Tool.Results); n == 0 || n > settings.Defaults().MaxSearchResults {
		t.Errorf("got %d results", n)
	}
	req, _ := f.llm.LastRequest()
	if !strings.Contains(req.Messages[len(req.Messages)-1].Content, "Trend report") {
		t.Error("search results were not woven into the prompt")
	}
	if r, _ := rec.first(turn.EventReplyText); r.Text == "" {
		t.Error("empty reply")
	}
}

func TestTextTurn_MissingDocumentStillDelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	_ = s.SubmitText(context.Background(), "Summarize myfile.pdf")
	s.Wait()

	ev, ok := rec.first(turn.EventToolResult)
	if !ok || ev.Tool.OK || ev.Tool.Kind != turn.KindNotFound || ev.Tool.Target != "myfile.pdf" {
		t.Fatalf("tool event = %+v", ev.Tool)
	}
	if !strings.Contains(strings.Join(rec.states(), ","), "delivered") {
		t.Errorf("turn never delivered: %v", rec.states())
	}
	req, _ := f.llm.LastRequest()
	if !strings.Contains(req.Messages[len(req.Messages)-1].Content, "was not found") {
		t.Error("prompt does not tell the model the file is missing")
	}
	if r, _ := rec.first(turn.EventReplyText); r.Text == "" {
		t.Error("empty reply")
	}
}

func TestTextTurn_ToolFailuresDegrade(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		setup func(f *fixture)
		kind  turn.ErrorKind
	}{
		{
			name:  "search down",
			text:  "look up the weather",
			setup: func(f *fixture) { f.search.Err = errors.New("502") },
			kind:  turn.KindSearchUnavailable,
		},
		{
			name: "document without text",
			text: "summarize empty.txt",
			setup: func(f *fixture) {
				if _, err := f.kb.Add("empty.txt", strings.NewReader("")); err != nil {
					panic(err)
				}
			},
			kind: turn.KindNoContent,
		},
		{
			name:  "email with nothing to send",
			text:  "email this",
			setup: func(*fixture) {},
			kind:  turn.KindWebhookFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)
			s, rec := f.session(t)

			_ = s.SubmitText(context.Background(), tt.text)
			s.Wait()

			ev, ok := rec.first(turn.EventToolResult)
			if !ok || ev.Tool.Kind != tt.kind {
				t.Errorf("tool event = %+v, want kind %s", ev.Tool, tt.kind)
			}
			reply, ok := rec.first(turn.EventReplyText)
			if !ok || reply.Text == "" {
				t.Error("no reply delivered")
			}
			if s.State() != turn.StateIdle {
				t.Errorf("state = %s", s.State())
			}
		})
	}
}

func TestTextTurn_EmailSendsPreviousReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	_ = s.SubmitText(context.Background(), "tell me a joke")
	s.Wait()
	_ = s.SubmitText(context.Background(), "please email this to me")
	s.Wait()

	select {
	case body := <-f.hookBody:
		if !strings.Contains(body, "Here is my answer.") {
			t.Errorf("webhook body = %s", body)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook not called")
	}
	n, ok := rec.first(turn.EventNotification)
	if !ok || n.Message != "Email sent successfully" || n.DurationSec != settings.Defaults().NotificationDuration {
		t.Errorf("notification = %+v", n)
	}
}

func TestSubmitText_Empty(t *testing.T) {
	t.Parallel()
	s, rec := newFixture(t).session(t)
	if err := s.SubmitText(context.Background(), "   "); !errors.Is(err, turn.ErrEmptyText) {
		t.Errorf("err = %v", err)
	}
	if len(rec.all()) != 0 {
		t.Errorf("events = %+v", rec.all())
	}
}

// ── voice turns ──────────────────────────────────────────────────────────────

func TestVoiceTurn_Delivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	if err := s.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if s.State() != turn.StateCapturing {
		t.Fatalf("state = %s", s.State())
	}
	s.Feed(pcm(1500 * time.Millisecond))
	if err := s.StopCapture(context.Background()); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	s.Wait()

	var content []turn.EventType
	for _, typ := range rec.content() {
		if typ != turn.EventPartialTranscript {
			content = append(content, typ)
		}
	}
	want := []turn.EventType{turn.EventFinalTranscript, turn.EventReplyText, turn.EventAudioReady}
	if !equalTypes(content, want) {
		t.Errorf("events = %v, want %v", content, want)
	}

	final, _ := rec.first(turn.EventFinalTranscript)
	if final.Text != "hello there" {
		t.Errorf("final transcript = %q", final.Text)
	}
	audio, _ := rec.first(turn.EventAudioReady)
	if audio.Audio == nil || string(audio.Audio.Data) != "RIFFwave" || audio.Audio.SampleRate != 44100 {
		t.Errorf("audio = %+v", audio.Audio)
	}

	var alerts []string
	for _, ev := range rec.all() {
		if ev.Type == turn.EventSoundAlert {
			alerts = append(alerts, ev.Signal)
		}
	}
	if strings.Join(alerts, ",") != "start,stop" {
		t.Errorf("sound alerts = %v", alerts)
	}
	wantStates := "capturing,transcribing,routing,generating,synthesizing,delivered,idle"
	if got := strings.Join(rec.states(), ","); got != wantStates {
		t.Errorf("states = %s", got)
	}
}

func TestVoiceTurn_TooShort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	_ = s.StartCapture(context.Background())
	s.Feed(pcm(400 * time.Millisecond))
	_ = s.StopCapture(context.Background())
	s.Wait()

	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindTooShort {
		t.Errorf("errors = %v", kinds)
	}
	for _, ev := range rec.all() {
		if ev.Type == turn.EventPartialTranscript || ev.Type == turn.EventFinalTranscript {
			t.Errorf("transcript event emitted for a short capture: %+v", ev)
		}
	}
	if f.llm.CallCount() != 0 {
		t.Error("short capture reached generation")
	}
	if strings.Contains(strings.Join(rec.states(), ","), "routing") {
		t.Error("short capture was routed")
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestVoiceTurn_NoSpeech(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sttSess.FlushFinals = nil
	s, rec := f.session(t)

	_ = s.StartCapture(context.Background())
	s.Feed(pcm(time.Second))
	_ = s.StopCapture(context.Background())
	s.Wait()

	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindNoSpeech {
		t.Errorf("errors = %v", kinds)
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestVoiceTurn_SynthesisFailureIsTextOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.SynthesizeErr = errors.New("murf down")
	s, rec := f.session(t)

	_ = s.StartCapture(context.Background())
	s.Feed(pcm(time.Second))
	_ = s.StopCapture(context.Background())
	s.Wait()

	if _, ok := rec.first(turn.EventReplyText); !ok {
		t.Error("reply not delivered")
	}
	if _, ok := rec.first(turn.EventAudioReady); ok {
		t.Error("audio delivered despite failure")
	}
	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindSynthesisUnavailable {
		t.Errorf("errors = %v", kinds)
	}
	if f.history.count("1") != 1 {
		t.Error("degraded turn was not saved")
	}
}

func TestVoiceTurn_NoSTTProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt = nil
	s, rec := f.session(t)

	if err := s.StartCapture(context.Background()); err == nil {
		t.Fatal("expected an error without an STT provider")
	}
	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindTranscriptionFailed {
		t.Errorf("errors = %v", kinds)
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestCancelDuringCaptureActsAsStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	_ = s.StartCapture(context.Background())
	s.Feed(pcm(time.Second))
	s.Cancel()
	s.Wait()

	if _, ok := rec.first(turn.EventFinalTranscript); !ok {
		t.Error("cancel during capture discarded the audio")
	}
	if _, ok := rec.first(turn.EventReplyText); !ok {
		t.Error("no reply after cancel during capture")
	}
}

func TestStopCapture_NotCapturing(t *testing.T) {
	t.Parallel()
	s, _ := newFixture(t).session(t)
	if err := s.StopCapture(context.Background()); !errors.Is(err, turn.ErrNotCapturing) {
		t.Errorf("err = %v", err)
	}
}

// ── concurrency and cancellation ─────────────────────────────────────────────

func TestTurnInProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	f.llm.Block = block
	s, rec := f.session(t)

	if err := s.SubmitText(context.Background(), "first question"); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, turn.StateGenerating)

	if err := s.SubmitText(context.Background(), "second question"); !errors.Is(err, turn.ErrTurnInProgress) {
		t.Errorf("SubmitText: %v", err)
	}
	if err := s.StartCapture(context.Background()); !errors.Is(err, turn.ErrTurnInProgress) {
		t.Errorf("StartCapture: %v", err)
	}
	if err := s.Speak(context.Background(), "hi"); !errors.Is(err, turn.ErrTurnInProgress) {
		t.Errorf("Speak: %v", err)
	}
	if s.State() != turn.StateGenerating {
		t.Errorf("rejected requests disturbed the turn: state %s", s.State())
	}

	close(block)
	s.Wait()

	kinds := rec.errorKinds()
	if len(kinds) != 3 {
		t.Errorf("errors = %v, want 3 TurnInProgress", kinds)
	}
	for _, k := range kinds {
		if k != turn.KindTurnInProgress {
			t.Errorf("unexpected error kind %s", k)
		}
	}
	if f.llm.CallCount() != 1 {
		t.Errorf("llm called %d times, want 1", f.llm.CallCount())
	}
	reply, ok := rec.first(turn.EventReplyText)
	if !ok || reply.Text != "Here is my answer." {
		t.Errorf("original turn not delivered: %+v", reply)
	}
	if f.sttSess.CloseCallCount != 0 || f.stt.CallCount() != 0 {
		t.Error("rejected StartCapture opened an STT stream")
	}
}

func TestTurnInProgress_EveryBusyState(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		want  turn.State
		setup func(f *fixture, block chan struct{})
		start func(s *turn.Session) error
	}{
		{
			name:  "capturing",
			want:  turn.StateCapturing,
			setup: func(*fixture, chan struct{}) {},
			start: func(s *turn.Session) error { return s.StartCapture(context.Background()) },
		},
		{
			name:  "transcribing",
			want:  turn.StateTranscribing,
			setup: func(f *fixture, block chan struct{}) { f.sttSess.CloseBlock = block },
			start: func(s *turn.Session) error {
				if err := s.StartCapture(context.Background()); err != nil {
					return err
				}
				s.Feed(pcm(1500 * time.Millisecond))
				return s.StopCapture(context.Background())
			},
		},
		{
			name:  "executing",
			want:  turn.StateExecuting,
			setup: func(f *fixture, block chan struct{}) { f.search.Block = block },
			start: func(s *turn.Session) error { return s.SubmitText(context.Background(), "search for AI trends") },
		},
		{
			name:  "generating",
			want:  turn.StateGenerating,
			setup: func(f *fixture, block chan struct{}) { f.llm.Block = block },
			start: func(s *turn.Session) error { return s.SubmitText(context.Background(), "hello") },
		},
		{
			name:  "synthesizing",
			want:  turn.StateSynthesizing,
			setup: func(f *fixture, block chan struct{}) { f.tts.Block = block },
			start: func(s *turn.Session) error { return s.Speak(context.Background(), "read this aloud") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			block := make(chan struct{})
			tt.setup(f, block)
			s, rec := f.session(t)
			var once sync.Once
			release := func() { once.Do(func() { close(block) }) }
			t.Cleanup(release)

			if err := tt.start(s); err != nil {
				t.Fatalf("start: %v", err)
			}
			waitState(t, s, tt.want)

			if err := s.SubmitText(context.Background(), "another"); !errors.Is(err, turn.ErrTurnInProgress) {
				t.Errorf("SubmitText: %v", err)
			}
			if err := s.StartCapture(context.Background()); !errors.Is(err, turn.ErrTurnInProgress) {
				t.Errorf("StartCapture: %v", err)
			}
			if err := s.Speak(context.Background(), "hi"); !errors.Is(err, turn.ErrTurnInProgress) {
				t.Errorf("Speak: %v", err)
			}
			if got := s.State(); got != tt.want {
				t.Errorf("rejected requests moved the turn to %s", got)
			}
			var busy int
			for _, k := range rec.errorKinds() {
				if k == turn.KindTurnInProgress {
					busy++
				}
			}
			if busy != 3 {
				t.Errorf("TurnInProgress errors = %d, want 3", busy)
			}

			release()
			s.Cancel()
			s.Wait()
			if s.State() != turn.StateIdle {
				t.Errorf("state after release = %s", s.State())
			}
		})
	}
}

func TestCancelDuringSynthesis(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	f.tts.Block = block
	s, rec := f.session(t)

	if err := s.Speak(context.Background(), "read this aloud"); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, turn.StateSynthesizing)

	s.Cancel()
	if s.State() != turn.StateIdle {
		t.Fatalf("state after cancel = %s", s.State())
	}
	close(block)
	s.Wait()

	if _, ok := rec.first(turn.EventAudioReady); ok {
		t.Error("audio of a cancelled turn was delivered")
	}
	if kinds := rec.errorKinds(); len(kinds) != 0 {
		t.Errorf("cancelled synthesis reported errors %v", kinds)
	}
	if err := s.SubmitText(context.Background(), "next"); err != nil {
		t.Fatalf("session not reusable after cancel: %v", err)
	}
	s.Wait()
	if _, ok := rec.first(turn.EventReplyText); !ok {
		t.Error("follow-up turn not delivered")
	}
}

func TestFeed_StalledProviderDoesNotBlockCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	f.sttSess.SendAudioBlock = block
	s, _ := f.session(t)
	var once sync.Once
	release := func() { once.Do(func() { close(block) }) }
	t.Cleanup(release)

	if err := s.StartCapture(context.Background()); err != nil {
		t.Fatal(err)
	}
	go s.Feed(pcm(100 * time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for f.sttSess.SendCallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Feed never reached the provider")
		}
		time.Sleep(2 * time.Millisecond)
	}

	done := make(chan turn.State, 1)
	go func() {
		s.Cancel()
		done <- s.State()
	}()
	select {
	case st := <-done:
		if st == turn.StateCapturing {
			t.Error("Cancel left the session capturing")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked behind a stalled audio write")
	}

	release()
	s.Wait()
}

func TestCancelDuringGeneration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	f.llm.Block = block
	s, rec := f.session(t)

	_ = s.SubmitText(context.Background(), "a slow question")
	waitState(t, s, turn.StateGenerating)

	s.Cancel()
	if s.State() != turn.StateIdle {
		t.Fatalf("state after cancel = %s", s.State())
	}
	close(block)
	s.Wait()

	if _, ok := rec.first(turn.EventReplyText); ok {
		t.Error("reply of a cancelled turn was delivered")
	}
	if f.history.count("1") != 0 {
		t.Error("cancelled turn was saved")
	}

	if err := s.SubmitText(context.Background(), "next"); err != nil {
		t.Fatalf("session not reusable after cancel: %v", err)
	}
	s.Wait()
	if _, ok := rec.first(turn.EventReplyText); !ok {
		t.Error("follow-up turn not delivered")
	}
}

func TestGenerationTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f.llm.Block = block
	f.genTimeout = 30 * time.Millisecond
	s, rec := f.session(t)

	_ = s.SubmitText(context.Background(), "hello")
	s.Wait()

	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindGenerationTimeout {
		t.Errorf("errors = %v", kinds)
	}
	reply, _ := rec.first(turn.EventReplyText)
	if reply.Text != generate.FallbackReply {
		t.Errorf("reply = %q", reply.Text)
	}
	if f.history.count("1") != 0 {
		t.Error("fallback reply was saved to history")
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestGenerationErrorMessages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		setup    func(f *fixture)
		wantKind turn.ErrorKind
		wantMsg  string
	}{
		{
			name:     "empty reply",
			setup:    func(f *fixture) { f.llm.Response = &llm.CompletionResponse{} },
			wantKind: turn.KindGenerationFailed,
			wantMsg:  "The assistant could not generate a reply.",
		},
		{
			name:     "provider error",
			setup:    func(f *fixture) { f.llm.Err = errors.New("503 from upstream") },
			wantKind: turn.KindGenerationFailed,
			wantMsg:  "The assistant could not generate a reply.",
		},
		{
			name: "timeout",
			setup: func(f *fixture) {
				block := make(chan struct{})
				f.llm.Block = block
				f.genTimeout = 30 * time.Millisecond
			},
			wantKind: turn.KindGenerationTimeout,
			wantMsg:  "The assistant could not generate a reply in time.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)
			if f.llm.Block != nil {
				t.Cleanup(func() { close(f.llm.Block) })
			}
			s, rec := f.session(t)

			_ = s.SubmitText(context.Background(), "hello")
			s.Wait()

			ev, ok := rec.first(turn.EventError)
			if !ok {
				t.Fatal("no error event")
			}
			if ev.Kind != tt.wantKind || ev.Message != tt.wantMsg {
				t.Errorf("error = %s %q, want %s %q", ev.Kind, ev.Message, tt.wantKind, tt.wantMsg)
			}
			if reply, _ := rec.first(turn.EventReplyText); reply.Text != generate.FallbackReply {
				t.Errorf("reply = %q", reply.Text)
			}
		})
	}
}

func TestSnapshotCapturedAtTurnStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	f.llm.Block = block
	s, _ := f.session(t)

	_ = s.SubmitText(context.Background(), "hello")
	waitState(t, s, turn.StateGenerating)
	if _, err := f.settings.Update(context.Background(), map[string]any{"conversationType": "formal"}); err != nil {
		t.Fatal(err)
	}
	close(block)
	s.Wait()

	req, _ := f.llm.LastRequest()
	if req.SystemPrompt != generate.Persona("casual") {
		t.Errorf("in-flight turn saw the updated settings: %q", req.SystemPrompt)
	}

	_ = s.SubmitText(context.Background(), "again")
	s.Wait()
	req, _ = f.llm.LastRequest()
	if req.SystemPrompt != generate.Persona("formal") {
		t.Errorf("next turn did not pick up the update: %q", req.SystemPrompt)
	}
}

func TestAutoSaveHistoryOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.settings.Update(context.Background(), map[string]any{"autoSaveHistory": false}); err != nil {
		t.Fatal(err)
	}
	s, _ := f.session(t)
	_ = s.SubmitText(context.Background(), "hello")
	s.Wait()
	if f.history.count("1") != 0 {
		t.Error("history saved with autoSaveHistory off")
	}
}

func TestSoundAlertsFollowSetting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.settings.Update(context.Background(), map[string]any{"enableSound": false}); err != nil {
		t.Fatal(err)
	}
	s, rec := f.session(t)
	_ = s.StartCapture(context.Background())
	s.Feed(pcm(time.Second))
	_ = s.StopCapture(context.Background())
	s.Wait()
	if _, ok := rec.first(turn.EventSoundAlert); ok {
		t.Error("sound alert emitted with enableSound off")
	}
}

func TestHistoryPreload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for i := range 6 {
		_ = f.history.Append(context.Background(), "1", history.NewEntry("q"+string(rune('a'+i)), "r"))
	}
	s, _ := f.session(t)
	recent := s.Recent()
	if len(recent) != 4 || recent[0].User != "qc" {
		t.Errorf("Recent = %+v", recent)
	}

	_ = s.SubmitText(context.Background(), "hello")
	s.Wait()
	req, _ := f.llm.LastRequest()
	if len(req.Messages) != 9 || req.Messages[0].Content != "qc" {
		t.Errorf("history window not sent: %d messages", len(req.Messages))
	}
}

// ── speak ────────────────────────────────────────────────────────────────────

func TestSpeak(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, rec := f.session(t)

	if err := s.Speak(context.Background(), "read this aloud"); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if got := rec.content(); !equalTypes(got, []turn.EventType{turn.EventAudioReady}) {
		t.Errorf("events = %v", got)
	}
	if calls := f.tts.Calls(); len(calls) != 1 || calls[0].Text != "read this aloud" {
		t.Errorf("tts calls = %+v", calls)
	}
	if f.llm.CallCount() != 0 || f.history.count("1") != 0 {
		t.Error("speak must not generate or save")
	}
}

func TestSpeak_SynthesisUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tts.SynthesizeErr = errors.New("down")
	s, rec := f.session(t)

	_ = s.Speak(context.Background(), "hi")
	s.Wait()
	if kinds := rec.errorKinds(); len(kinds) != 1 || kinds[0] != turn.KindSynthesisUnavailable {
		t.Errorf("errors = %v", kinds)
	}
	if s.State() != turn.StateIdle {
		t.Errorf("state = %s", s.State())
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f.llm.Block = block
	s, _ := f.session(t)

	_ = s.SubmitText(context.Background(), "hello")
	waitState(t, s, turn.StateGenerating)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the provider was blocked")
	}
	if err := s.SubmitText(context.Background(), "again"); !errors.Is(err, turn.ErrClosed) {
		t.Errorf("SubmitText after Close: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want turn.ErrorKind
	}{
		{nil, ""},
		{turn.ErrTurnInProgress, turn.KindTurnInProgress},
		{knowledge.ErrNotFound, turn.KindNotFound},
		{knowledge.ErrNoContent, turn.KindNoContent},
		{tools.ErrSearchUnavailable, turn.KindSearchUnavailable},
		{tools.ErrWebhookFailed, turn.KindWebhookFailed},
		{generate.ErrGenerationTimeout, turn.KindGenerationTimeout},
		{speech.ErrSynthesisUnavailable, turn.KindSynthesisUnavailable},
		{errors.New("other"), ""},
	}
	for _, tt := range tests {
		if got := turn.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
