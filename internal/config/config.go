package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/user/switchboard/internal/settings"
)

// Config is the process-wide configuration file. The Settings field is the
// global level of the settings cascade; Channels holds per-channel overrides
// keyed by channel name. Session-level overrides live in the store, not here.
type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	ListenAddr    string `json:"listen_addr"`
	SystemPrompt  string `json:"system_prompt_path,omitempty"`
	SkillsDir     string `json:"skills_dir,omitempty"`

	Settings settings.Settings             `json:"settings"`
	Channels map[string]*settings.Settings `json:"channels,omitempty"`

	LLM struct {
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Discord struct {
		Token string `json:"token"`
	} `json:"discord"`
}

// Load reads the config file at path, writing compiled-in defaults there on
// first run. A .env file next to the config is loaded first; environment
// variables take highest precedence for secrets.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".switchboard"),
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxToolRounds: 10,
		ListenAddr:    "127.0.0.1:8347",
	}
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dcToken := os.Getenv("DISCORD_BOT_TOKEN"); dcToken != "" {
		cfg.Discord.Token = dcToken
	}

	return cfg, nil
}

// ChannelSettings returns the channel-level cascade entry, or nil when the
// channel has no override.
func (c *Config) ChannelSettings(channel string) *settings.Settings {
	if c.Channels == nil {
		return nil
	}
	return c.Channels[channel]
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
