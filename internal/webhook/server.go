package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

// maxBodyBytes caps a webhook delivery. Forge payloads stay well under this.
const maxBodyBytes = 2 << 20

// Server receives forge webhooks, routes them through the configured trigger
// table and turns accepted events into tasks.
type Server struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
}

// New creates a webhook Server. Call Start() to begin serving.
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	return &Server{cfg: cfg, orch: orch}
}

// Handler wires the webhook routes onto a new ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /webhook/{provider}", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{provider}/{repo_id}", s.handleWebhook)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Webhook.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	ev, err := parseEvent(r.Header.Get(eventHeader(provider)), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	repo, err := s.resolveRepo(r.Context(), ev.Payload)
	if err != nil || repo == nil {
		writeError(w, http.StatusNotFound, "unknown repository")
		return
	}

	if !s.verifySignature(r.Header.Get(tokenHeader(provider)), repo) {
		slog.Warn("webhook signature rejected", "repo", repo.Slug, "provider", provider)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// Reserved routing context for downstream consumers of the payload.
	ev.Payload["_autodev"] = map[string]any{
		"repo_id":       repo.ID,
		"autonomy_mode": repo.AutonomyMode,
	}

	result := s.route(r.Context(), repo, ev)
	writeJSON(w, http.StatusOK, result)
}

// resolveRepo finds the target repo from the payload's project reference.
// The legacy route's path segment is accepted but not consulted.
func (s *Server) resolveRepo(ctx context.Context, payload map[string]any) (*models.Repo, error) {
	ref := projectRef(payload)
	if ref == "" {
		return nil, fmt.Errorf("no project reference in payload")
	}
	return s.orch.GetRepoByProjectRef(ctx, ref)
}

// verifySignature compares the delivery token against the repo's stored
// secret, falling back to the global secret env. A repo with no secret
// configured anywhere rejects every delivery.
func (s *Server) verifySignature(token string, repo *models.Repo) bool {
	secret := repo.ParsedSettings().WebhookSecret
	if secret == "" && s.cfg.Webhook.SecretEnv != "" {
		secret = os.Getenv(s.cfg.Webhook.SecretEnv)
	}
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func eventHeader(provider string) string {
	return "X-" + titleCase(provider) + "-Event"
}

func tokenHeader(provider string) string {
	return "X-" + titleCase(provider) + "-Token"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
