package cmd

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/dotcommander/relay/internal/config"
	imcp "github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/present"
	"github.com/dotcommander/relay/internal/proto"
	"github.com/spf13/cobra"
)

func newMCPCmd(rt *runtime) *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server integration",
	}

	mcpCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			mcpList(&rt.cfg)
			return nil
		},
	})

	mcpCmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "List tools from enabled MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.MCPConnectTimeout)
			defer cancel()
			return mcpListTools(ctx, &rt.cfg)
		},
	})

	return mcpCmd
}

func mcpList(cfg *config.Config) {
	manager := imcp.New(cfg, nil)
	names := slices.Collect(maps.Keys(cfg.MCPServers))
	slices.Sort(names)
	for _, name := range names {
		s := name
		if manager.IsEnabled(name) {
			s += present.StdoutStyles().Timeago.Render(" (enabled)")
		}
		fmt.Println(s)
	}
}

func mcpListTools(ctx context.Context, cfg *config.Config) error {
	manager := imcp.New(cfg, nil)
	defer manager.CleanupAll()

	servers, err := manager.Tools(ctx)
	if err != nil {
		return fmt.Errorf("mcp list tools: %w", err)
	}

	names := slices.Collect(maps.Keys(servers))
	slices.Sort(names)
	for _, sname := range names {
		tools := servers[sname]
		slices.SortFunc(tools, func(a, b proto.ToolDescriptor) int {
			return strings.Compare(a.Function.Name, b.Function.Name)
		})
		for _, tool := range tools {
			_, _ = fmt.Fprint(os.Stdout, present.StdoutStyles().Timeago.Render(sname+" > "))
			_, _ = fmt.Fprintln(os.Stdout, tool.Function.Name)
		}
	}
	return nil
}
