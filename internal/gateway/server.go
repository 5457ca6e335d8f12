package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/lifecycle"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/MEKXH/giftbot/internal/version"
	"github.com/google/uuid"
)

// RequestService is the part of the gift service the operator API drives.
type RequestService interface {
	Lookup(ctx context.Context, requestID string) (int64, store.Request, error)
	Resolve(ctx context.Context, requestID string, actor lifecycle.Actor) (store.Request, bool, error)
	CompleteByID(ctx context.Context, requestID string) (store.Request, error)
}

type Server struct {
	cfg        config.GatewayConfig
	requests   RequestService
	metrics    http.Handler
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, requests RequestService, metrics http.Handler) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 18791
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:      cfg,
		requests: requests,
		metrics:  metrics,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	mux := NewHandler(s.cfg.Token, s.requests, s.metrics)
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// NewHandler builds the operator API. Request endpoints require the bearer
// token when one is configured; metrics may be nil.
func NewHandler(token string, requests RequestService, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"commit":     version.Commit,
			"request_id": requestID,
		})
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := authorize(w, r, token, requests)
		if !ok {
			return
		}
		ownerID, req, err := requests.Lookup(r.Context(), r.PathValue("id"))
		if err != nil {
			writeLifecycleError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request":    req,
			"owner_id":   ownerID,
			"request_id": requestID,
		})
	})
	mux.HandleFunc("POST /requests/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := authorize(w, r, token, requests)
		if !ok {
			return
		}
		ctx := bus.WithRequestID(r.Context(), requestID)
		req, won, err := requests.Resolve(ctx, r.PathValue("id"), lifecycle.ActorManual)
		if err != nil {
			writeLifecycleError(w, requestID, err)
			return
		}
		slog.Info("gateway accept", "request_id", req.ID, "trace_id", requestID, "accepted", won)
		writeJSON(w, http.StatusOK, map[string]any{
			"request":    req,
			"accepted":   won,
			"request_id": requestID,
		})
	})
	mux.HandleFunc("POST /requests/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := authorize(w, r, token, requests)
		if !ok {
			return
		}
		ctx := bus.WithRequestID(r.Context(), requestID)
		req, err := requests.CompleteByID(ctx, r.PathValue("id"))
		if err != nil {
			writeLifecycleError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request":    req,
			"request_id": requestID,
		})
	})
	return mux
}

func authorize(w http.ResponseWriter, r *http.Request, token string, requests RequestService) (string, bool) {
	requestID := getRequestID(r)
	if strings.TrimSpace(token) != "" && !isAuthorized(r, token) {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return requestID, false
	}
	if requests == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "request service is not configured")
		return requestID, false
	}
	return requestID, true
}

func writeLifecycleError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", "request not found")
	case errors.Is(err, lifecycle.ErrAlreadyResolved):
		writeError(w, requestID, http.StatusConflict, "conflict", err.Error())
	case store.IsIOError(err):
		slog.Error("gateway store failure", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "store_unavailable", "record store is unavailable")
	default:
		slog.Error("gateway request failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to process request")
	}
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
