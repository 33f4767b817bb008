package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quailyquaily/gemigram/internal/logutil"
)

var secretKeys = []string{
	"telegram.bot_token",
	"gemini.api_key",
	"history.dsn",
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := renderConfig(viper.AllSettings())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func renderConfig(settings map[string]any) (string, error) {
	redactSettings(settings, secretKeys)
	delete(settings, "config")
	b, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}

// redactSettings replaces dotted keys in a nested settings map in place.
func redactSettings(settings map[string]any, keys []string) {
	for _, key := range keys {
		parts := strings.Split(key, ".")
		m := settings
		for i, part := range parts {
			v, ok := m[part]
			if !ok {
				break
			}
			if i == len(parts)-1 {
				if s, ok := v.(string); ok {
					m[part] = logutil.RedactSecret(s)
				}
				break
			}
			next, ok := v.(map[string]any)
			if !ok {
				break
			}
			m = next
		}
	}
}
