package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/caarlos0/go-shellwords"

	"github.com/dotcommander/relay/internal/errs"
)

// ResolveAPIKey resolves the upstream API key from the settings, in order:
// the literal api-key, the api-key-env environment variable, the output of
// api-key-cmd, and finally the default environment variable.
func ResolveAPIKey(ctx context.Context, cfg *Config) (string, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" && cfg.APIKeyCmd == "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" && cfg.APIKeyCmd != "" {
		args, err := shellwords.Parse(cfg.APIKeyCmd)
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Failed to parse api-key-cmd"}
		}
		// #nosec G204 -- api-key-cmd is explicitly configured by the local user.
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Cannot exec api-key-cmd"}
		}
		key = strings.TrimSpace(string(out))
	}
	if key == "" {
		key = os.Getenv("OPENROUTER_API_KEY")
	}
	if key != "" {
		return key, nil
	}
	return "", errs.Error{
		Reason: fmt.Sprintf("An OpenRouter API key is required; set %s or update %s.", cfg.APIKeyEnv, cfg.SettingsPath),
		Err:    errs.UserErrorf("You can grab one at https://openrouter.ai/keys"),
	}
}
