// Package server exposes the assistant over HTTP: one websocket per client
// connection for turns, plus the REST endpoints for chats, settings and the
// knowledge base.
package server

import (
	"context"
	"net/http"

	"github.com/MrWong99/novaflow/internal/health"
	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/internal/speech"
	"github.com/MrWong99/novaflow/internal/turn"
)

// Sessions opens a turn session per websocket connection and releases it
// when the connection ends.
type Sessions interface {
	Open(ctx context.Context, chatID string, sink turn.Emitter) *turn.Session
	Release(s *turn.Session)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	History   history.Store
	Settings  *settings.Store
	Knowledge *knowledge.Store
	Sessions  Sessions

	// Speech backs /voices. Nil answers 503.
	Speech *speech.Synthesizer

	// Health, when set, serves /healthz and /readyz.
	Health *health.Handler
}

// Config tunes the server.
type Config struct {
	// AllowedOrigins are host patterns accepted on websocket upgrades in
	// addition to same-origin requests.
	AllowedOrigins []string

	// MaxUploadBytes caps /upload bodies. Default: 20 MiB.
	MaxUploadBytes int64

	// Metrics records request durations. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server routes requests to the handlers.
type Server struct {
	deps Deps
	cfg  Config
}

// New returns a Server.
func New(deps Deps, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{deps: deps, cfg: cfg}
}

// Handler returns the routed handler wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("POST /new_chat", s.handleNewChat)
	mux.HandleFunc("GET /chat_history", s.handleChatHistory)
	mux.HandleFunc("POST /clear_chat_history", s.handleClearHistory)

	mux.HandleFunc("GET /get_settings", s.handleGetSettings)
	mux.HandleFunc("POST /set_settings", s.handleSetSettings)
	mux.HandleFunc("POST /reset_settings", s.handleResetSettings)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /clear_knowledge_base", s.handleClearKnowledge)
	mux.HandleFunc("GET /voices", s.handleVoices)

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", observe.MetricsHandler())

	return observe.Middleware(s.cfg.Metrics)(mux)
}
