package httpapi

import (
	"io"
	"net/http"

	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/proto"
)

// serverConfig is the externally visible slice of a tool-server
// configuration. Env is deliberately omitted; it may carry credentials.
type serverConfig struct {
	Type    string   `json:"type,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type serversResponse struct {
	Servers []string                `json:"servers"`
	Configs map[string]serverConfig `json:"configs"`
}

type toolsResponse struct {
	ServerType string                 `json:"server_type"`
	Tools      []proto.ToolDescriptor `json:"tools"`
	Connected  bool                   `json:"connected"`
}

func (h *handlers) handleServers(w http.ResponseWriter, _ *http.Request) {
	names := h.chat.Servers()
	if names == nil {
		names = []string{}
	}
	configs := make(map[string]serverConfig, len(names))
	for _, name := range names {
		configs[name] = newServerConfig(h.cfg.MCPServers[name])
	}
	writeJSON(w, http.StatusOK, serversResponse{Servers: names, Configs: configs})
}

func (h *handlers) handleServerTools(w http.ResponseWriter, r *http.Request) {
	serverType := r.PathValue("server_type")
	tools, err := h.chat.ServerTools(r.Context(), serverType)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolsResponse{
		ServerType: serverType,
		Tools:      tools,
		Connected:  h.chat.ServerConnected(serverType),
	})
}

func (h *handlers) handleCleanup(w http.ResponseWriter, _ *http.Request) {
	h.chat.CloseToolConnections()
	writeJSON(w, http.StatusOK, map[string]string{"message": "All MCP connections cleaned up"})
}

func (h *handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func newServerConfig(server config.MCPServerConfig) serverConfig {
	return serverConfig{
		Type:    server.Type,
		Command: server.Command,
		Args:    server.Args,
		URL:     server.URL,
	}
}
