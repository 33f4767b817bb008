package main

import (
	"time"

	"github.com/spf13/viper"

	"github.com/quailyquaily/gemigram/internal/gemini"
	"github.com/quailyquaily/gemigram/internal/mediagroup"
	"github.com/quailyquaily/gemigram/internal/relay"
	"github.com/quailyquaily/gemigram/internal/telegram"
)

func initViperDefaults() {
	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.base_url", telegram.DefaultBaseURL)
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.max_concurrency", 3)
	viper.SetDefault("telegram.allowed_chat_ids", []string{})

	// Groups
	viper.SetDefault("group.triggers", relay.DefaultTriggers)

	// Images
	viper.SetDefault("images.enabled", true)
	viper.SetDefault("images.max_per_album", mediagroup.DefaultMaxImages)
	viper.SetDefault("images.album_delay", mediagroup.DefaultDelay)
	viper.SetDefault("images.default_prompt", relay.DefaultImagePrompt)

	// History
	viper.SetDefault("history.driver", "none")
	viper.SetDefault("history.dsn", "")
	viper.SetDefault("history.limit", relay.DefaultHistoryLimit)
	viper.SetDefault("history.auto_migrate", true)

	// Gemini
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", gemini.DefaultModel)
	viper.SetDefault("gemini.system_instruction", "You are a very smart assistant.")
	viper.SetDefault("gemini.thinking_model", "gemini-2.5-flash")
	viper.SetDefault("gemini.thinking_budget", 4096)
	viper.SetDefault("gemini.thinking_indicator", relay.DefaultThinkingIndicator)
	viper.SetDefault("gemini.request_timeout", 90*time.Second)

	// Commands
	viper.SetDefault("commands.enabled", relay.DefaultCommands)
}
