// Package httpapi exposes the chat relay over HTTP: one-shot and streaming
// chat, the tool-call approval round trip, and tool-server inspection.
// Streaming responses use data-frame encoding terminated by a [DONE] frame.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/dotcommander/relay/internal/chat"
	"github.com/dotcommander/relay/internal/config"
)

type handlers struct {
	chat   *chat.Service
	cfg    *config.Config
	logger *slog.Logger
}

// NewRouter builds the HTTP surface over the chat service.
func NewRouter(svc *chat.Service, cfg *config.Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{chat: svc, cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat_streaming", h.handleChatStreaming)
	mux.HandleFunc("POST /mcp/approve_tool_calls_streaming", h.handleApproveToolCalls)
	mux.HandleFunc("GET /mcp/servers", h.handleServers)
	mux.HandleFunc("GET /mcp/tools/{server_type}", h.handleServerTools)
	mux.HandleFunc("POST /mcp/cleanup", h.handleCleanup)

	return chain(
		requestLoggingMiddleware(logger),
		corsMiddleware,
	)(mux)
}

type middleware func(http.Handler) http.Handler

func chain(middlewares ...middleware) middleware {
	return func(next http.Handler) http.Handler {
		wrapped := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			wrapped = middlewares[i](wrapped)
		}
		return wrapped
	}
}
