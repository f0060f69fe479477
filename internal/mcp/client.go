package mcp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/proto"
)

// Session is the transport surface of one connected tool server. The live
// implementation wraps an MCP client over a subprocess or network transport;
// tests substitute fakes.
type Session interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Connector establishes one tool-server session and returns it together with
// the server's advertised tools. Each establishment step is bounded by
// stepTimeout independently.
type Connector func(ctx context.Context, serverType string, server config.MCPServerConfig, stepTimeout time.Duration) (Session, []mcp.Tool, error)

// clientSession adapts a real MCP client to the Session interface.
type clientSession struct {
	cli *client.Client
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return s.cli.CallTool(ctx, request)
}

func (s *clientSession) Close() error {
	return s.cli.Close()
}

// newConnector returns the Connector used outside of tests. Stdio servers are
// spawned as subprocesses; sse and http servers are dialed over the network.
func newConnector(cfg *config.Config) Connector {
	return func(ctx context.Context, serverType string, server config.MCPServerConfig, stepTimeout time.Duration) (Session, []mcp.Tool, error) {
		cli, err := newClient(cfg, server)
		if err != nil {
			return nil, nil, &ConnectError{ServerType: serverType, Step: StepCreate, Err: err}
		}

		step := func(name string, fn func(context.Context) error) error {
			stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
			defer cancel()
			if err := fn(stepCtx); err != nil {
				if stepCtx.Err() != nil {
					err = fmt.Errorf("%w: %v", stepCtx.Err(), err)
				}
				cli.Close() //nolint:errcheck,gosec
				return &ConnectError{ServerType: serverType, Step: name, Err: err}
			}
			return nil
		}

		if err := step(StepStart, cli.Start); err != nil {
			return nil, nil, err
		}
		if err := step(StepInitialize, func(ctx context.Context) error {
			_, err := cli.Initialize(ctx, mcp.InitializeRequest{})
			return err
		}); err != nil {
			return nil, nil, err
		}

		var tools []mcp.Tool
		if err := step(StepListTools, func(ctx context.Context) error {
			listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
			if err != nil {
				return err
			}
			tools = listed.Tools
			return nil
		}); err != nil {
			return nil, nil, err
		}

		return &clientSession{cli: cli}, tools, nil
	}
}

func newClient(cfg *config.Config, server config.MCPServerConfig) (*client.Client, error) {
	var cli *client.Client
	var err error

	switch server.Type {
	case "", "stdio":
		env := server.Env
		if cfg != nil && !cfg.MCPNoInheritEnv {
			env = append(os.Environ(), server.Env...)
		}
		cli, err = client.NewStdioMCPClient(
			server.Command,
			env,
			server.Args...,
		)
	case "sse":
		cli, err = client.NewSSEMCPClient(server.URL)
	case "http":
		cli, err = client.NewStreamableHttpClient(server.URL)
	default:
		return nil, fmt.Errorf("unsupported MCP server type: %q, supported types are: stdio, sse, http", server.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	return cli, nil
}

// convertTools maps MCP tool listings into the descriptor form advertised to
// the model.
func convertTools(tools []mcp.Tool) []proto.ToolDescriptor {
	out := make([]proto.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		props := t.InputSchema.Properties
		if props == nil {
			props = map[string]any{}
		}
		required := t.InputSchema.Required
		if required == nil {
			required = []string{}
		}
		out = append(out, proto.ToolDescriptor{
			Type: "function",
			Function: proto.Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}
