// Package web is the local workspace UI: plain server-rendered pages for
// Home, Result and BuyCredit plus JSON operation endpoints. It is strictly a
// caller of the session manager; every error it shows comes from the
// session's normalized taxonomy.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/imagify-app/imagify-desk/internal/models"
	"github.com/imagify-app/imagify-desk/internal/session"
	"github.com/imagify-app/imagify-desk/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// ImageArchiver uploads a generated image and returns its public URL.
type ImageArchiver interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Server struct {
	addr     string
	log      *slog.Logger
	session  *session.Manager
	history  store.HistoryStore
	archiver ImageArchiver
	keyID    string
	provider string
	router   *chi.Mux
	tmpl     *template.Template
}

func NewServer(addr string, log *slog.Logger, sess *session.Manager, history store.HistoryStore, archiver ImageArchiver, keyID, provider string) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		log:      log,
		session:  sess,
		history:  history,
		archiver: archiver,
		keyID:    keyID,
		provider: provider,
		router:   r,
		tmpl:     tmpl,
	}

	r.Get("/", s.handleHome)
	r.Get("/result", s.handleResult)
	r.Get("/buy", s.handleBuy)

	r.Route("/api", func(api chi.Router) {
		api.Get("/session", s.handleSession)
		api.Post("/login", s.handleLogin)
		api.Post("/register", s.handleRegister)
		api.Post("/logout", s.handleLogout)
		api.Post("/generate", s.handleGenerate)
		api.Get("/history", s.handleHistory)
		api.Post("/purchase", s.handlePurchase)
		api.Post("/purchase/verify", s.handleVerify)
	})

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // generation requests are slow
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("workspace shutdown error", "err", err)
		}
	}()

	s.log.Info("workspace listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("workspace listen: %w", err)
	}
	return nil
}

type pageData struct {
	Snapshot session.Snapshot
	Plans    []models.Plan
	History  []models.HistoryEntry
	KeyID    string
	Provider string
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.render(w, "home.html", pageData{Snapshot: s.session.Snapshot()})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	data := pageData{Snapshot: s.session.Snapshot()}
	if data.Snapshot.User != nil {
		entries, err := s.history.List(data.Snapshot.User.ID)
		if err != nil {
			s.log.Error("list history", "err", err)
		}
		data.History = entries
	}
	s.render(w, "result.html", data)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.render(w, "buy.html", pageData{
		Snapshot: s.session.Snapshot(),
		Plans:    models.Plans,
		KeyID:    s.keyID,
		Provider: s.provider,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":         snap.State,
		"user":          snap.User,
		"credits":       snap.Credits,
		"loginRequired": snap.LoginRequired,
	})
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.session.Login(r.Context(), req.Email, req.Password); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.session.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.session.Generate(r.Context(), req)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	snap := s.session.Snapshot()
	entry := models.HistoryEntry{
		Prompt:    req.Prompt,
		ImageData: result.ImageData,
		CreatedAt: time.Now().UTC(),
	}
	if s.archiver != nil {
		if raw, mime, decErr := models.DecodeImagePayload(result.ImageData); decErr == nil {
			if url, upErr := s.archiver.Upload(r.Context(), raw, mime); upErr == nil {
				entry.ArchiveURL = url
			} else {
				s.log.Error("archive generation", "err", upErr)
			}
		}
	}
	if snap.User != nil {
		if err := s.history.Append(snap.User.ID, entry); err != nil {
			s.log.Error("append history", "err", err)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"image":   result.ImageData,
		"credits": snap.Credits,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	if snap.User == nil {
		s.writeJSON(w, http.StatusOK, []models.HistoryEntry{})
		return
	}
	entries, err := s.history.List(snap.User.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type purchaseRequest struct {
	PlanID string `json:"planId"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	order, err := s.session.InitiatePurchase(r.Context(), req.PlanID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"order":    json.RawMessage(order),
		"keyId":    s.keyID,
		"provider": s.provider,
	})
}

type verifyRequest struct {
	Response json.RawMessage `json:"response"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.session.CompletePurchase(r.Context(), req.Response); err != nil {
		s.writeOpError(w, err)
		return
	}

	snap := s.session.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"credits": snap.Credits,
	})
}

// writeOpError maps the session error taxonomy onto HTTP responses. Each
// error kind yields exactly one user-facing message; auth-required responses
// instead tell the page to open the login prompt.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": err.Error(),
		})
	case errors.Is(err, models.ErrAuthRequired):
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success":       false,
			"loginRequired": true,
		})
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrSessionChanged):
		// Nothing to show: either the same submission is already running
		// or the result belongs to a previous identity.
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"silent":  true,
		})
	case errors.Is(err, models.ErrPaymentVerification):
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "Payment verification failed. Please contact support.",
		})
	case errors.Is(err, models.ErrNetwork):
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "Network error. Please try again.",
		})
	default:
		if msg, ok := models.BackendMessage(err); ok {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success": false,
				"message": msg,
			})
			return
		}
		s.internalError(w, err)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("render template", "template", name, "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("internal error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
