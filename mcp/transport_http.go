package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultMaxBody = 1 << 20

// HTTPHandlerConfig configures NewHTTPHandler.
type HTTPHandlerConfig struct {
	MaxBody int64
	Logger  *slog.Logger
}

// NewHTTPHandler exposes server over HTTP: POST /mcp takes one JSON-RPC
// message and answers with its response, GET /healthz reports liveness.
func NewHTTPHandler(server *Server, cfg HTTPHandlerConfig) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(cfg.Logger))

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Post("/mcp", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, rpcErrorf(CodeInvalidRequest, "request body too large")))
			return
		}

		var message Message
		if err := json.Unmarshal(body, &message); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(nil, rpcErrorf(CodeParseError, "Parse error")))
			return
		}

		response, ok, err := server.HandleLimited(r.Context(), message)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse(message.ID, rpcErrorf(CodeInternalError, "request abandoned while waiting: %v", err)))
			return
		}
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, response)
	})

	return mux
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(started).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// HTTPTransport is the client side of NewHTTPHandler. Each Send posts one
// message; responses are queued for Receive.
type HTTPTransport struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	pending []Message
	ready   chan struct{}
	closed  bool
}

// NewHTTPTransport returns a transport posting to url. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(url string, client *http.Client) (*HTTPTransport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("mcp: http url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		url:    url,
		client: client,
		ready:  make(chan struct{}, 1),
	}, nil
}

// Send posts message and queues the response, if any.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: http transport is closed")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcp: build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	var response Message
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("mcp: decode http response (status %d): %w", resp.StatusCode, err)
	}

	t.mu.Lock()
	t.pending = append(t.pending, response)
	t.mu.Unlock()
	select {
	case t.ready <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the oldest queued response.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			message := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return message, nil
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return Message{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-t.ready:
		}
	}
}

// Close marks the transport closed.
func (t *HTTPTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
