// Package server exposes the HTTP ingest surface: device event
// endpoints feeding the dispatch coordinator, plus push-token
// registration and chat-history reads.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"apphub/internal/chatstore"
	"apphub/internal/config"
	"apphub/internal/dispatch"
	"apphub/internal/model"
	logx "apphub/pkg/logx"
)

const maxBodyBytes = 4 << 20

type Server struct {
	http  *http.Server
	coord *dispatch.Coordinator
	store *chatstore.Store
	log   logx.Logger
}

func New(cfg config.ServerConfig, coord *dispatch.Coordinator, store *chatstore.Store, log logx.Logger) *Server {
	s := &Server{coord: coord, store: store, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/events/conversation", s.handleConversation)
	mux.HandleFunc("POST /v1/events/transcript", s.handleTranscript)
	mux.HandleFunc("POST /v1/events/audio", s.handleAudio)
	mux.HandleFunc("POST /v1/events/image", s.handleImage)
	mux.HandleFunc("POST /v1/users/{uid}/token", s.handleSetToken)
	mux.HandleFunc("GET /v1/users/{uid}/messages", s.handleMessages)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  durationOr(log, "server.read_timeout", cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: durationOr(log, "server.write_timeout", cfg.WriteTimeout, 60*time.Second),
	}
	return s
}

func durationOr(log logx.Logger, path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		log.Warn("invalid duration; using default", logx.String("field", path), logx.Err(err))
		return def
	}
	return d
}

func (s *Server) Addr() string { return s.http.Addr }

// ListenAndServe blocks until the server stops. Returns nil on a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", logx.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ---- Handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid required")
		return
	}
	var conv model.Conversation
	if err := decodeJSON(r, &conv); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.coord.OnConversationCreated(r.Context(), uid, conv)
	if err != nil {
		s.log.Warn("conversation dispatch failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid required")
		return
	}
	var req struct {
		Segments       []model.TranscriptSegment `json:"segments"`
		ConversationID string                    `json:"conversation_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.coord.OnTranscriptSegments(r.Context(), uid, req.Segments, req.ConversationID)
	if err != nil {
		s.log.Warn("transcript dispatch failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid := q.Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid required")
		return
	}
	sampleRate, err := strconv.Atoi(q.Get("sample_rate"))
	if err != nil || sampleRate <= 0 {
		writeError(w, http.StatusBadRequest, "sample_rate required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio chunk")
		return
	}
	results, err := s.coord.OnAudioBytes(r.Context(), uid, sampleRate, data)
	if err != nil {
		s.log.Warn("audio dispatch failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid required")
		return
	}
	var req struct {
		Description string `json:"description"`
		ImageURL    string `json:"image_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		writeError(w, http.StatusBadRequest, "image_url required")
		return
	}
	verdicts, err := s.coord.OnImageCaptured(r.Context(), uid, req.Description, req.ImageURL)
	if err != nil {
		s.log.Warn("image analysis failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	if err := s.store.SetToken(r.Context(), uid, req.Token); err != nil {
		s.log.Warn("token store failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "app_id required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.store.Recent(r.Context(), uid, appID, limit)
	if err != nil {
		s.log.Warn("message read failed", logx.String("uid", uid), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ---- Helpers ----

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
