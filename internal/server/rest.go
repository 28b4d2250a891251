package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/settings"
)

// maxJSONBody caps the small JSON request bodies.
const maxJSONBody = 64 << 10

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type settingsResponse struct {
	Message  string            `json:"message"`
	Settings settings.Snapshot `json:"settings"`
}

type uploadResponse struct {
	Message string `json:"message"`
	knowledge.Upload
}

type chatResponse struct {
	ChatID string `json:"chat_id"`
}

type voiceInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// confirm is the body of the destructive endpoints.
type confirm struct {
	Clear bool `json:"clear"`
	Reset bool `json:"reset"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ── chats ────────────────────────────────────────────────────────────────────

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.History.List(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("failed to list chats", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list chats")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.History.Create(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("failed to create chat", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create chat")
		return
	}
	observe.Logger(r.Context()).Info("created chat", "chat_id", id)
	writeJSON(w, http.StatusOK, chatResponse{ChatID: id})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("chat_id")
	if id == "" {
		id = "1"
	}
	if !history.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}
	entries, err := s.deps.History.Read(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to read chat history", "chat_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not read chat history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	var req confirm
	if err := decodeJSON(w, r, &req); err != nil || !req.Clear {
		writeError(w, http.StatusBadRequest, "Invalid clear request")
		return
	}
	if err := s.deps.History.Clear(r.Context()); err != nil {
		observe.Logger(r.Context()).Error("failed to clear chat history", "err", err)
		writeError(w, http.StatusInternalServerError, "could not clear chat history")
		return
	}
	observe.Logger(r.Context()).Info("chat history cleared")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Chat history cleared successfully."})
}

// ── settings ─────────────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Current())
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "settings must be a JSON object")
		return
	}
	snap, err := s.deps.Settings.Update(r.Context(), patch)
	switch {
	case errors.Is(err, settings.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("failed to save settings", "err", err)
		writeError(w, http.StatusInternalServerError, "could not save settings")
		return
	}
	observe.Logger(r.Context()).Info("settings updated", "keys", len(patch))
	writeJSON(w, http.StatusOK, settingsResponse{Message: "Settings saved successfully.", Settings: snap})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	var req confirm
	if err := decodeJSON(w, r, &req); err != nil || !req.Reset {
		writeError(w, http.StatusBadRequest, "Invalid reset request")
		return
	}
	snap, err := s.deps.Settings.Reset(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("failed to reset settings", "err", err)
		writeError(w, http.StatusInternalServerError, "could not reset settings")
		return
	}
	observe.Logger(r.Context()).Info("settings reset to defaults")
	writeJSON(w, http.StatusOK, settingsResponse{Message: "Settings reset successfully.", Settings: snap})
}

// ── knowledge base ───────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tooLarge := fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes)
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	up, err := s.deps.Knowledge.Add(header.Filename, file)
	switch {
	case errors.Is(err, knowledge.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("File %s was not added: only .pdf and .txt are supported.", up.Name))
		return
	case errors.Is(err, knowledge.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	case err != nil:
		observe.Logger(r.Context()).Error("failed to store upload", "name", header.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file %s.", header.Filename))
		return
	}

	msg := fmt.Sprintf("File %s uploaded and processed successfully! Extracted %d words.", up.Name, up.Words)
	if !up.Extracted {
		msg = fmt.Sprintf("File %s uploaded, but no text could be extracted.", up.Name)
	}
	writeJSON(w, http.StatusOK, uploadResponse{Message: msg, Upload: up})
}

func (s *Server) handleClearKnowledge(w http.ResponseWriter, r *http.Request) {
	var req confirm
	if err := decodeJSON(w, r, &req); err != nil || !req.Clear {
		writeError(w, http.StatusBadRequest, "Invalid clear request")
		return
	}
	if err := s.deps.Knowledge.Clear(); err != nil {
		observe.Logger(r.Context()).Error("failed to clear knowledge base", "err", err)
		writeError(w, http.StatusInternalServerError, "could not clear knowledge base")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Knowledge base cleared successfully."})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		writeError(w, http.StatusServiceUnavailable, "speech synthesis is not configured")
		return
	}
	profiles, err := s.deps.Speech.Voices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("failed to list voices", "err", err)
		writeError(w, http.StatusBadGateway, "voices are unavailable right now")
		return
	}
	out := make([]voiceInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, voiceInfo{ID: p.ID, Name: p.Name, Locale: p.Locale})
	}
	writeJSON(w, http.StatusOK, out)
}
