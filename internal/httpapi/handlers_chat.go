package httpapi

import (
	"fmt"
	"net/http"

	"github.com/dotcommander/relay/internal/chat"
	"github.com/dotcommander/relay/internal/proto"
)

type chatRequest struct {
	ModelID        string          `json:"model_id"`
	ChatHistory    []proto.Message `json:"chat_history"`
	UseMCP         bool            `json:"use_mcp"`
	MCPServerType  string          `json:"mcp_server_type"`
	MCPAutoApprove bool            `json:"mcp_auto_approve"`
}

type approvalRequest struct {
	PendingID string `json:"pending_id"`
	Approved  bool   `json:"approved"`

	// Inline round state, accepted when no pending id is quoted (or its
	// record expired). Matches the shape of the pending notice frame.
	ToolCalls     []proto.ToolCall `json:"tool_calls"`
	ChatHistory   []proto.Message  `json:"chat_history"`
	ModelID       string           `json:"model_id"`
	MCPServerType string           `json:"mcp_server_type"`
}

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		writeInvalidRequest(w, "prompt query parameter is required")
		return
	}

	raw, err := h.chat.Chat(r.Context(), r.URL.Query().Get("model_id"), prompt)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (h *handlers) handleChatStreaming(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	if len(req.ChatHistory) == 0 {
		writeInvalidRequest(w, "chat_history must not be empty")
		return
	}

	serverType := ""
	if req.UseMCP {
		if req.MCPServerType == "" {
			writeInvalidRequest(w, "mcp_server_type is required when use_mcp is set")
			return
		}
		serverType = req.MCPServerType
	}

	seq, err := h.chat.StreamChat(r.Context(), chat.Request{
		ModelID:     req.ModelID,
		Messages:    req.ChatHistory,
		ServerType:  serverType,
		AutoApprove: req.MCPAutoApprove,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	h.streamEvents(w, seq)
}

func (h *handlers) handleApproveToolCalls(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}

	p, err := h.resolvePending(req)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	h.streamEvents(w, h.chat.Resume(r.Context(), p, req.Approved))
}

// resolvePending loads the suspended round by id, falling back to the
// inline state echoed by the client.
func (h *handlers) resolvePending(req approvalRequest) (chat.Pending, error) {
	if req.PendingID != "" {
		p, err := h.chat.LoadPending(req.PendingID)
		if err == nil {
			return p, nil
		}
		if !chat.IsNotExist(err) {
			return chat.Pending{}, err
		}
		if len(req.ToolCalls) == 0 {
			return chat.Pending{}, fmt.Errorf("%w: %q", errPendingNotFound, req.PendingID)
		}
	}

	if len(req.ToolCalls) == 0 {
		return chat.Pending{}, invalidRequestError("pending_id or tool_calls is required")
	}
	if req.Approved && req.ModelID == "" {
		return chat.Pending{}, invalidRequestError("model_id is required to resume with inline tool calls")
	}

	return chat.Pending{
		ModelID:    req.ModelID,
		ServerType: req.MCPServerType,
		Messages:   req.ChatHistory,
		ToolCalls:  req.ToolCalls,
	}, nil
}
