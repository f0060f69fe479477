package cmd

import (
	"github.com/dotcommander/relay/internal/config"
	"github.com/dotcommander/relay/internal/present"
	"github.com/spf13/cobra"
)

var helpText = map[string]string{
	"http-addr":          "Address for the HTTP server to listen on",
	"model":              "Default model when a request does not name one",
	"http-proxy":         "HTTP proxy to use for upstream requests",
	"catalog-ttl":        "How long the model catalog is cached (1h, 1d, 1w, ...)",
	"shutdown-timeout":   "How long to wait for in-flight requests on shutdown",
	"mcp-disable":        "Disable specific MCP servers; use * to disable all",
	"mcp-no-inherit-env": "Do not pass the relay's environment to MCP subprocesses",
	"debug":              "Log at debug level",
}

func initRootFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, present.StdoutStyles().FlagDesc.Render(helpText["http-addr"]))
	flags.StringVarP(&cfg.DefaultModel, "model", "m", cfg.DefaultModel, present.StdoutStyles().FlagDesc.Render(helpText["model"]))
	flags.StringVarP(&cfg.HTTPProxy, "http-proxy", "x", cfg.HTTPProxy, present.StdoutStyles().FlagDesc.Render(helpText["http-proxy"]))
	flags.Var(newDurationFlag(cfg.CatalogTTL, &cfg.CatalogTTL), "catalog-ttl", present.StdoutStyles().FlagDesc.Render(helpText["catalog-ttl"]))
	flags.Var(newDurationFlag(cfg.ShutdownTimeout, &cfg.ShutdownTimeout), "shutdown-timeout", present.StdoutStyles().FlagDesc.Render(helpText["shutdown-timeout"]))
	flags.StringArrayVar(&cfg.MCPDisable, "mcp-disable", cfg.MCPDisable, present.StdoutStyles().FlagDesc.Render(helpText["mcp-disable"]))
	flags.BoolVar(&cfg.MCPNoInheritEnv, "mcp-no-inherit-env", cfg.MCPNoInheritEnv, present.StdoutStyles().FlagDesc.Render(helpText["mcp-no-inherit-env"]))
	flags.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, present.StdoutStyles().FlagDesc.Render(helpText["debug"]))
	flags.SortFlags = false

	flags.BoolVar(&memprofile, "memprofile", false, "Write memory profiles to CWD")
	_ = flags.MarkHidden("memprofile")
}
