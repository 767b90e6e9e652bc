// Package httpapi serves the local control surface: engine start/stop/state,
// settings, the order log and the websocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"claim_engine/internal/config"
	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
	"claim_engine/internal/notify"
	"claim_engine/internal/store/sqlite"
	"claim_engine/internal/ws"
)

type Options struct {
	Cfg    config.Config
	Bus    *logbus.Bus
	Store  *sqlite.Store
	Engine notify.Engine
}

type Server struct {
	cfg    config.Config
	bus    *logbus.Bus
	store  *sqlite.Store
	engine notify.Engine
	ws     *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:    opts.Cfg,
		bus:    opts.Bus,
		store:  opts.Store,
		engine: opts.Engine,
		ws:     ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/engine/start", s.handleEngineStart)
	api.HandleFunc("/api/v1/engine/stop", s.handleEngineStop)
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/engine/retry", s.handleEngineRetry)
	api.HandleFunc("/api/v1/settings", s.handleSettings)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/orders", s.handleOrders)
	api.HandleFunc("/api/v1/orders/stats", s.handleOrderStats)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	settings, ok, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Credentials().Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "credentials are not set"})
		return
	}
	if !s.engine.Start(settings.Credentials(), settings.Filter()) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "worker did not start"})
		return
	}
	settings.Active = true
	_ = s.store.UpsertSettings(r.Context(), settings)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	s.engine.Stop()
	if settings, ok, err := s.store.GetSettings(r.Context()); err == nil && ok {
		settings.Active = false
		_ = s.store.UpsertSettings(r.Context(), settings)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	st := s.engine.State()
	if settings, ok, err := s.store.GetSettings(r.Context()); err == nil && ok {
		st.HasCredentials = settings.Credentials().Valid()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": st})
}

func (s *Server) handleEngineRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var body struct {
		Slug string `json:"slug"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	slug := strings.TrimSpace(body.Slug)
	if slug == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "slug is required"})
		return
	}
	s.engine.RequestRetry(slug)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, _, err := s.store.GetSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": redactSettings(settings)})
	case http.MethodPost:
		var body model.Settings
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		current, _, err := s.store.GetSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if strings.TrimSpace(body.Login) != "" {
			current.Login = strings.TrimSpace(body.Login)
		}
		// An empty password in the payload keeps the stored one, so the UI
		// can update the filter without re-sending the secret.
		if body.Password != "" {
			current.Password = body.Password
		}
		current.MinAmount = body.MinAmount
		current.MaxAmount = body.MaxAmount
		if err := s.store.UpsertSettings(r.Context(), current); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": redactSettings(current)})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		settings.AuthCode = ""
		writeJSON(w, http.StatusOK, map[string]any{"data": settings})
	case http.MethodPost:
		var body model.EmailSettings
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		current.Enabled = body.Enabled
		if strings.TrimSpace(body.Email) != "" {
			current.Email = strings.TrimSpace(body.Email)
		}
		if body.AuthCode != "" {
			current.AuthCode = body.AuthCode
		}
		if strings.TrimSpace(body.SMTPHost) != "" {
			current.SMTPHost = strings.TrimSpace(body.SMTPHost)
		}
		if body.SMTPPort > 0 {
			current.SMTPPort = body.SMTPPort
		}
		if strings.TrimSpace(body.To) != "" {
			current.To = strings.TrimSpace(body.To)
		}
		if err := s.store.UpsertEmailSettings(r.Context(), current); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		current.AuthCode = ""
		writeJSON(w, http.StatusOK, map[string]any{"data": current})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.store.LastEntries(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (s *Server) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"claimed": counts[model.OutcomeClaimed],
		"failed":  counts[model.OutcomeFailed],
	}})
}

// redactSettings strips the password before the settings leave the process.
func redactSettings(s model.Settings) map[string]any {
	out := map[string]any{
		"login":       s.Login,
		"hasPassword": s.Password != "",
		"active":      s.Active,
	}
	if s.MinAmount != nil {
		out["minAmount"] = s.MinAmount.String()
	}
	if s.MaxAmount != nil {
		out["maxAmount"] = s.MaxAmount.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
