package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/dotcommander/relay/internal/chat"
	"github.com/dotcommander/relay/internal/proto"
)

const approvalPrompt = "The AI wants to use tools. Do you approve?"

// pendingNotice is the frame that suspends a streaming round for approval.
// The client answers it on the approval endpoint, quoting the pending id.
type pendingNotice struct {
	Type             string           `json:"type"`
	PendingID        string           `json:"pending_id"`
	ToolCalls        []proto.ToolCall `json:"tool_calls"`
	Message          string           `json:"message"`
	AssistantMessage string           `json:"assistant_message"`
}

// streamEvents writes a chat event sequence as data frames. Ordinary
// completion ends with a [DONE] frame; an error or a pending notice is
// itself the final frame.
func (h *handlers) streamEvents(w http.ResponseWriter, seq iter.Seq[chat.Event]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeRuntime,
			"streaming is unsupported by response writer")
		return
	}

	w.Header().Set("Content-Type", "application/stream+json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for ev := range seq {
		switch {
		case ev.Err != nil:
			h.logger.Error("stream failed", "error", ev.Err)
			writeFrame(w, flusher, errorFrame(ev.Err))
			return
		case ev.Pending != nil:
			writeFrame(w, flusher, noticeFrame(ev.Pending))
			return
		default:
			writeFrame(w, flusher, ev.Data)
		}
	}
	writeFrame(w, flusher, "[DONE]")
}

func writeFrame(w io.Writer, flusher http.Flusher, payload string) {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return
	}
	flusher.Flush()
}

func noticeFrame(p *chat.Pending) string {
	b, err := json.Marshal(pendingNotice{
		Type:             "tool_calls_pending",
		PendingID:        p.ID,
		ToolCalls:        p.ToolCalls,
		Message:          approvalPrompt,
		AssistantMessage: p.AssistantText,
	})
	if err != nil {
		return `{"type":"tool_calls_pending"}`
	}
	return string(b)
}

func errorFrame(err error) string {
	b, merr := json.Marshal(map[string]string{"error": errorMessage(err)})
	if merr != nil {
		return `{"error":"internal error"}`
	}
	return string(b)
}
