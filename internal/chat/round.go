package chat

import (
	"strings"

	"github.com/dotcommander/relay/internal/proto"
)

// toolCallAccumulator merges streamed tool-call fragments into complete
// calls. Fragments arrive keyed by call index: the id and function name are
// set once, the arguments string grows by concatenation.
type toolCallAccumulator struct {
	calls []proto.ToolCall
}

func (a *toolCallAccumulator) add(deltas []proto.ToolCallDelta) {
	for _, d := range deltas {
		if d.Index == nil {
			continue
		}
		i := *d.Index
		if i < 0 {
			continue
		}
		for len(a.calls) <= i {
			a.calls = append(a.calls, proto.ToolCall{Type: "function"})
		}
		if d.ID != "" {
			a.calls[i].ID = d.ID
		}
		if d.Function.Name != "" {
			a.calls[i].Function.Name = d.Function.Name
		}
		a.calls[i].Function.Arguments += d.Function.Arguments
	}
}

// empty reports whether no fragments have arrived yet.
func (a *toolCallAccumulator) empty() bool {
	return len(a.calls) == 0
}

// round tracks everything the first streaming pass accumulates: tool-call
// fragments and the assistant text seen alongside them.
type round struct {
	acc  toolCallAccumulator
	text strings.Builder
}

func (r *round) addText(s string) {
	if s != "" {
		r.text.WriteString(s)
	}
}

func (r *round) toolCalls() []proto.ToolCall {
	return r.acc.calls
}

func (r *round) assistantText() string {
	return r.text.String()
}
