package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/turn"
)

const (
	// outboxSize bounds the events queued for a slow client. A client that
	// falls this far behind is disconnected.
	outboxSize = 256

	// readLimit caps one client frame (audio chunks included).
	readLimit = 1 << 20

	writeTimeout = 10 * time.Second
)

// ErrUnknownCommand is reported for text frames that are not a command.
var ErrUnknownCommand = errors.New("server: unknown command")

// Command is one parsed client text frame.
type Command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseCommand accepts the plain forms "start", "stop", "cancel",
// "text:<msg>" and "speak:<msg>", or the JSON form {"type":..,"text":..}.
func ParseCommand(data []byte) (Command, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var c Command
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
		c.Type = strings.ToLower(strings.TrimSpace(c.Type))
		switch c.Type {
		case "start", "stop", "cancel", "text", "speak":
			return c, nil
		}
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}

	s := string(trimmed)
	switch strings.ToLower(s) {
	case "start", "stop", "cancel":
		return Command{Type: strings.ToLower(s)}, nil
	}
	for _, prefix := range []string{"text", "speak"} {
		if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)+1], prefix+":") {
			return Command{Type: prefix, Text: s[len(prefix)+1:]}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// hello is the first frame on every connection.
type hello struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

// outbox queues frames for the connection's writer. It implements
// [turn.Emitter] and never blocks.
type outbox struct {
	ch       chan any
	overflow context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newOutbox(overflow context.CancelFunc) *outbox {
	return &outbox{ch: make(chan any, outboxSize), overflow: overflow}
}

// Emit implements turn.Emitter.
func (o *outbox) Emit(ev turn.Event) { o.push(ev) }

func (o *outbox) push(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- v:
	default:
		o.closed = true
		close(o.ch)
		o.overflow()
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// resolveChat returns the chat a connection appends to. An empty id creates
// a chat.
func (s *Server) resolveChat(ctx context.Context, id string) (string, int, error) {
	if id == "" {
		created, err := s.deps.History.Create(ctx)
		if err != nil {
			return "", http.StatusInternalServerError, fmt.Errorf("could not create chat: %w", err)
		}
		return created, 0, nil
	}
	if !history.ValidID(id) {
		return "", http.StatusBadRequest, errors.New("invalid chat_id")
	}
	ok, err := s.deps.History.Exists(ctx, id)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("could not look up chat: %w", err)
	}
	if !ok {
		return "", http.StatusForbidden, errors.New("Chat ID does not exist")
	}
	return id, 0, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	chatID, status, err := s.resolveChat(r.Context(), r.URL.Query().Get("chat_id"))
	if err != nil {
		log.Warn("websocket rejected", "status", status, "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newOutbox(cancel)
	sess := s.deps.Sessions.Open(ctx, chatID, out)
	log = log.With("session_id", sess.ID(), "chat_id", chatID)
	log.Info("websocket connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		writeLoop(ctx, conn, out.ch, cancel)
	}()
	out.push(hello{Type: "session", ChatID: chatID, SessionID: sess.ID()})

	err = s.readLoop(ctx, conn, sess, out)

	s.deps.Sessions.Release(sess)
	out.close()
	<-written

	switch {
	case err == nil, ctx.Err() != nil,
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		log.Info("websocket disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.Warn("websocket read failed", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *turn.Session, out *outbox) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			sess.Feed(data)
		case websocket.MessageText:
			s.dispatch(ctx, sess, out, data)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *turn.Session, out *outbox, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		out.push(turn.Event{Type: turn.EventError, Kind: turn.KindInvalidInput, Message: "Unknown command."})
		return
	}

	switch cmd.Type {
	case "start":
		err = sess.StartCapture(ctx)
	case "stop":
		err = sess.StopCapture(ctx)
	case "cancel":
		sess.Cancel()
	case "text":
		err = sess.SubmitText(ctx, cmd.Text)
	case "speak":
		err = sess.Speak(ctx, cmd.Text)
	}

	switch {
	case err == nil, errors.Is(err, turn.ErrTurnInProgress), errors.Is(err, turn.ErrClosed):
	case errors.Is(err, turn.ErrNotCapturing):
		out.push(turn.Event{Type: turn.EventError, Kind: turn.KindInvalidInput, Message: "Not recording."})
	case errors.Is(err, turn.ErrEmptyText):
		out.push(turn.Event{Type: turn.EventError, Kind: turn.KindInvalidInput, Message: "Message is empty."})
	default:
		// The session has already reported it to the client.
		observe.Logger(ctx).Debug("command failed", "command", cmd.Type, "err", err)
	}
}

// writeLoop sends queued frames until ch closes. A failed write cancels the
// connection.
func writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan any, cancel context.CancelFunc) {
	for v := range ch {
		data, err := json.Marshal(v)
		if err != nil {
			observe.Logger(ctx).Error("failed to encode event", "err", err)
			continue
		}
		wctx, done := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		done()
		if err != nil {
			cancel()
			return
		}
	}
}
