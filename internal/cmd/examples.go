package cmd

import (
	"math/rand"
	"regexp"

	"github.com/dotcommander/relay/internal/present"
)

var examples = map[string]string{
	"Start the relay on another port": `relay --http-addr :9000`,
	"Stream a chat completion":        `curl -N localhost:8000/chat_streaming -d '{"chat_history":[{"role":"user","content":"hello"}]}'`,
	"Chat with auto-approved tools":   `curl -N localhost:8000/chat_streaming -d '{"chat_history":[{"role":"user","content":"list /tmp"}],"use_mcp":true,"mcp_server_type":"filesystem","mcp_auto_approve":true}'`,
}

func randomExample() string {
	keys := make([]string, 0, len(examples))
	for k := range examples {
		keys = append(keys, k)
	}
	desc := keys[rand.Intn(len(keys))] //nolint:gosec
	return desc
}

func cheapHighlighting(s present.Styles, code string) string {
	code = regexp.
		MustCompile(`"([^"\\]|\\.)*"`).
		ReplaceAllStringFunc(code, func(x string) string {
			return s.Quote.Render(x)
		})
	code = regexp.
		MustCompile(`\|`).
		ReplaceAllStringFunc(code, func(x string) string {
			return s.Pipe.Render(x)
		})
	return code
}
