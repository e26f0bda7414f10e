// Package config loads daemon configuration from a TOML file, with
// environment variables overriding API keys and a few operational knobs.
//
// A minimal mnemo.toml:
//
//	[server]
//	addr = ":8000"
//
//	[store]
//	dir = "./data"
//
//	[embedder]
//	backend = "onnx"
//
//	[embedder.onnx]
//	model_path = "models/all-MiniLM-L6-v2/model.onnx"
//	tokenizer_path = "models/all-MiniLM-L6-v2/tokenizer.json"
//
//	[inference]
//	backend = "anthropic"
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is consulted when no config path is given.
const DefaultPath = "mnemo.toml"

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Embedder  EmbedderConfig  `toml:"embedder"`
	Inference InferenceConfig `toml:"inference"`
	Memory    MemoryConfig    `toml:"memory"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
	// AllowedOrigins is the CORS allow-list for browser clients.
	// "*" as the sole entry allows any origin.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StoreConfig configures on-disk persistence.
type StoreConfig struct {
	Dir string `toml:"dir"`
}

// EmbedderConfig selects and configures the embedding backend.
// Backend is one of "mock", "onnx", "openai" or "ollama".
type EmbedderConfig struct {
	Backend string               `toml:"backend"`
	ONNX    ONNXConfig           `toml:"onnx"`
	OpenAI  OpenAIEmbedderConfig `toml:"openai"`
	Ollama  OllamaConfig         `toml:"ollama"`
}

// ONNXConfig configures the local ONNX embedder.
type ONNXConfig struct {
	ModelPath     string `toml:"model_path"`
	TokenizerPath string `toml:"tokenizer_path"`
	LibraryPath   string `toml:"library_path"`
	Dimensions    int    `toml:"dimensions"`
}

// OpenAIEmbedderConfig configures the OpenAI embedding backend.
type OpenAIEmbedderConfig struct {
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	BaseURL    string `toml:"base_url"`
}

// OllamaConfig configures the Ollama embedding backend.
type OllamaConfig struct {
	BaseURL    string   `toml:"base_url"`
	Model      string   `toml:"model"`
	Dimensions int      `toml:"dimensions"`
	Timeout    duration `toml:"timeout"`
}

// InferenceConfig selects and configures the completion backend.
// Backend is one of "httpchat", "anthropic" or "openai".
type InferenceConfig struct {
	Backend     string           `toml:"backend"`
	Temperature float64          `toml:"temperature"`
	HTTPChat    HTTPChatConfig   `toml:"httpchat"`
	Anthropic   AnthropicConfig  `toml:"anthropic"`
	OpenAI      OpenAIChatConfig `toml:"openai"`
}

// HTTPChatConfig configures the generic HTTP completion backend.
type HTTPChatConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// AnthropicConfig configures the Anthropic completion backend.
type AnthropicConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
}

// OpenAIChatConfig configures the OpenAI completion backend.
type OpenAIChatConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
}

// MemoryConfig tunes retrieval and context assembly.
type MemoryConfig struct {
	MaxRecentMessages   int     `toml:"max_recent_messages"`
	RetrievalTopK       int     `toml:"retrieval_top_k"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	CrossConversation   bool    `toml:"cross_conversation"`
	CachePersistEvery   int     `toml:"cache_persist_every"`
	Persona             string  `toml:"persona"`
	Index               string  `toml:"index"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Store: StoreConfig{Dir: "./data"},
		Embedder: EmbedderConfig{
			Backend: "mock",
			ONNX:    ONNXConfig{Dimensions: 384},
			OpenAI:  OpenAIEmbedderConfig{Model: "text-embedding-3-small", Dimensions: 384},
			Ollama: OllamaConfig{
				BaseURL:    "http://localhost:11434",
				Model:      "nomic-embed-text",
				Dimensions: 768,
				Timeout:    duration{30 * time.Second},
			},
		},
		Inference: InferenceConfig{
			Backend:     "anthropic",
			Temperature: 0.7,
			HTTPChat: HTTPChatConfig{
				BaseURL: "http://localhost:8080",
				Timeout: duration{60 * time.Second},
			},
			Anthropic: AnthropicConfig{
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 4096,
			},
			OpenAI: OpenAIChatConfig{Model: "gpt-4o"},
		},
		Memory: MemoryConfig{
			MaxRecentMessages:   16,
			RetrievalTopK:       10,
			SimilarityThreshold: 0.3,
			CrossConversation:   true,
			CachePersistEvery:   100,
			Index:               "chromem",
		},
	}
}

// Load reads the configuration at path over the defaults. An empty path
// falls back to mnemo.toml in the working directory, then to
// mnemo/mnemo.toml under the user config directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = lookupPath()
	}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			log.Printf("[CONFIG] ignoring unknown keys in %s: %v", path, keys)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lookupPath returns the first config file found on the standard lookup
// paths, or empty when none exists.
func lookupPath() string {
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(dir, "mnemo", DefaultPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnv fills secrets and operational overrides from the environment.
// Environment values win over file values for keys; the file wins for
// addresses already set there.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Inference.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Inference.OpenAI.APIKey == "" {
			c.Inference.OpenAI.APIKey = v
		}
		if c.Embedder.OpenAI.APIKey == "" {
			c.Embedder.OpenAI.APIKey = v
		}
	}
	if v := os.Getenv("ONNXRUNTIME_LIB"); v != "" && c.Embedder.ONNX.LibraryPath == "" {
		c.Embedder.ONNX.LibraryPath = v
	}
	if v := os.Getenv("MNEMO_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MNEMO_DATA_DIR"); v != "" {
		c.Store.Dir = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Embedder.Backend {
	case "mock", "onnx", "openai", "ollama":
	default:
		return fmt.Errorf("unknown embedder backend %q (want mock, onnx, openai or ollama)", c.Embedder.Backend)
	}
	switch c.Inference.Backend {
	case "httpchat", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown inference backend %q (want httpchat, anthropic or openai)", c.Inference.Backend)
	}
	switch c.Memory.Index {
	case "chromem", "linear":
	default:
		return fmt.Errorf("unknown index backend %q (want chromem or linear)", c.Memory.Index)
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold %v out of range [0, 1]", c.Memory.SimilarityThreshold)
	}
	if c.Memory.MaxRecentMessages < 2 {
		return fmt.Errorf("max_recent_messages %d too small (want at least 2)", c.Memory.MaxRecentMessages)
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", c.Inference.Temperature)
	}
	return nil
}

// duration decodes TOML strings like "60s" or "2m" into a time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}
