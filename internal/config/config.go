// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// ErrNoCredentials indicates no model API key is configured. This is fatal
// at startup: the server cannot answer a single question without one.
var ErrNoCredentials = errors.New("no model API credentials configured: set DOCQ_GEMINI_API_KEY or DOCQ_GEMINI_API_KEY1..N")

type Config struct {
	Server    ServerConfig
	Model     ModelConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type ModelConfig struct {
	// Credentials is the ordered API key list the rotator is seeded from.
	Credentials []string
	ChatModel   string
	EmbedModel  string
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
}

type RetrievalConfig struct {
	TopK int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Model: ModelConfig{
			ChatModel:  "gemini-2.0-flash",
			EmbedModel: "text-embedding-004",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			UploadDir: filepath.Join(dataDir, "uploads"),
		},
		Retrieval: RetrievalConfig{TopK: 4},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration from DOCQ_* environment variables. A .env file
// in the working directory is loaded first if present; real environment
// variables win over .env entries.
func Load() (Config, error) {
	// godotenv never overrides variables already set in the environment.
	_ = godotenv.Load()

	cfg := defaults()

	if raw := os.Getenv("DOCQ_SERVER_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing DOCQ_SERVER_PORT=%q: %w", raw, err)
		}
		cfg.Server.Port = p
	}
	if raw := os.Getenv("DOCQ_SERVER_MCP_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing DOCQ_SERVER_MCP_PORT=%q: %w", raw, err)
		}
		cfg.Server.MCPPort = p
	}
	if v := os.Getenv("DOCQ_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("DOCQ_CHAT_MODEL"); v != "" {
		cfg.Model.ChatModel = v
	}
	if v := os.Getenv("DOCQ_EMBED_MODEL"); v != "" {
		cfg.Model.EmbedModel = v
	}
	if v := os.Getenv("DOCQ_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		cfg.Storage.UploadDir = filepath.Join(v, "uploads")
	}
	if v := os.Getenv("DOCQ_UPLOAD_DIR"); v != "" {
		cfg.Storage.UploadDir = v
	}
	if raw := os.Getenv("DOCQ_RETRIEVAL_TOP_K"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			return Config{}, fmt.Errorf("parsing DOCQ_RETRIEVAL_TOP_K=%q: must be a positive integer", raw)
		}
		cfg.Retrieval.TopK = k
	}
	if v := os.Getenv("DOCQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	cfg.Model.Credentials = loadCredentials()
	if len(cfg.Model.Credentials) == 0 {
		return Config{}, ErrNoCredentials
	}

	return cfg, nil
}

// loadCredentials collects API keys from DOCQ_GEMINI_API_KEY1..N, stopping
// at the first gap, then falls back to the single DOCQ_GEMINI_API_KEY.
func loadCredentials() []string {
	var keys []string
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("DOCQ_GEMINI_API_KEY%d", i))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	if len(keys) == 0 {
		if v := os.Getenv("DOCQ_GEMINI_API_KEY"); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "docq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "docq")
}
