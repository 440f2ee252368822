// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.quiver/config.yaml)
//  3. Default values
//
// Main categories:
//   - Vector index: API key, project ID, controller host, index name, namespace
//   - Embedding: API key, model, dimension
//   - Generation: model, system prompt, conversation mode
//   - Retrieval: topK, context size, metadata filter presets
//   - Chunking: target size and overlap overrides
//
// Security: API keys are never logged; the config directory uses 0750
// permissions. Validation uses sentinel errors for errors.Is() checks.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidTopK indicates the topK value is out of range.
	ErrInvalidTopK = errors.New("invalid topK")

	// ErrInvalidDimension indicates the embedding dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidChunkSize indicates the chunk target size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk target size")

	// ErrInvalidOverlap indicates the chunk overlap is out of range.
	ErrInvalidOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidConversationMode indicates an unknown conversation mode.
	ErrInvalidConversationMode = errors.New("invalid conversation mode")

	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidHistoryWindow indicates the history window is out of range.
	ErrInvalidHistoryWindow = errors.New("invalid history window")
)

// Conversation mode identifiers used in Config.ConversationMode.
const (
	// ConversationClientBounded sends a bounded local history window with
	// every generation request.
	ConversationClientBounded = "client"

	// ConversationServerManaged reuses a server-side conversation ID and
	// sends no local history.
	ConversationServerManaged = "server"
)

const (
	// DefaultEmbeddingModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to the index dimension via
	// OutputDimensionality (Matryoshka Representation Learning).
	DefaultEmbeddingModel = "gemini-embedding-001"

	// DefaultGenerationModel is the default generation model.
	DefaultGenerationModel = "gemini-2.5-flash"

	// DefaultTopK is the default number of matches requested per query.
	DefaultTopK = 10

	// MaxTopK bounds topK to prevent oversized result pages.
	MaxTopK = 100

	// DefaultHistoryWindow is the number of finalized turns sent as history
	// in client-bounded conversation mode.
	DefaultHistoryWindow = 8
)

// FilterPreset is a named metadata filter that can be toggled per query.
type FilterPreset struct {
	Name  string `mapstructure:"name" json:"name"`
	Field string `mapstructure:"field" json:"field"`
	Value string `mapstructure:"value" json:"value"`
}

// Config stores application configuration.
// SECURITY: key fields are sensitive; never log the full struct.
type Config struct {
	// Vector index configuration
	IndexAPIKey    string `mapstructure:"index_api_key" json:"-"` // SENSITIVE
	ProjectID      string `mapstructure:"project_id" json:"project_id"`
	ControllerHost string `mapstructure:"controller_host" json:"controller_host"`
	IndexName      string `mapstructure:"index_name" json:"index_name"`
	Namespace      string `mapstructure:"namespace" json:"namespace"`

	// Embedding configuration
	EmbeddingAPIKey string `mapstructure:"embedding_api_key" json:"-"` // SENSITIVE
	EmbeddingModel  string `mapstructure:"embedding_model" json:"embedding_model"`
	Dimension       int    `mapstructure:"dimension" json:"dimension"`

	// Generation configuration
	GenerationModel  string `mapstructure:"generation_model" json:"generation_model"`
	SystemPrompt     string `mapstructure:"system_prompt" json:"system_prompt"`
	ConversationMode string `mapstructure:"conversation_mode" json:"conversation_mode"`
	HistoryWindow    int    `mapstructure:"history_window" json:"history_window"`

	// Retrieval configuration
	TopK          int            `mapstructure:"top_k" json:"top_k"`
	FilterPresets []FilterPreset `mapstructure:"filter_presets" json:"filter_presets"`

	// Chunking overrides (zero means "use the MIME profile value")
	ChunkTargetSize int `mapstructure:"chunk_target_size" json:"chunk_target_size"`
	ChunkOverlap    int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".quiver")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("controller_host", "api.vectorindex.dev")
	v.SetDefault("namespace", "")

	v.SetDefault("embedding_model", DefaultEmbeddingModel)
	v.SetDefault("dimension", 768)

	v.SetDefault("generation_model", DefaultGenerationModel)
	v.SetDefault("system_prompt", defaultSystemPrompt)
	v.SetDefault("conversation_mode", ConversationClientBounded)
	v.SetDefault("history_window", DefaultHistoryWindow)

	v.SetDefault("top_k", DefaultTopK)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds sensitive environment variables explicitly.
// Secrets never live in the config file by default.
func bindEnvVariables(v *viper.Viper) {
	// Errors from BindEnv only occur with zero arguments; safe to ignore.
	_ = v.BindEnv("index_api_key", "QUIVER_INDEX_API_KEY")
	_ = v.BindEnv("embedding_api_key", "QUIVER_EMBEDDING_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("project_id", "QUIVER_PROJECT_ID")
	_ = v.BindEnv("index_name", "QUIVER_INDEX")
	_ = v.BindEnv("log_level", "QUIVER_LOG_LEVEL")
}

const defaultSystemPrompt = `You are a careful assistant that answers questions using only the provided source excerpts.
Cite the sources you used. If the excerpts do not contain the answer, say so plainly.`

// Validate checks configuration ranges and required values.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.IndexAPIKey) == "" {
		return fmt.Errorf("%w: set QUIVER_INDEX_API_KEY", ErrMissingAPIKey)
	}
	if strings.TrimSpace(c.EmbeddingAPIKey) == "" {
		return fmt.Errorf("%w: set QUIVER_EMBEDDING_API_KEY or GEMINI_API_KEY", ErrMissingAPIKey)
	}

	if c.TopK <= 0 || c.TopK > MaxTopK {
		return fmt.Errorf("%w: must be in 1..%d, got %d", ErrInvalidTopK, MaxTopK, c.TopK)
	}
	if c.Dimension <= 0 || c.Dimension > 4096 {
		return fmt.Errorf("%w: must be in 1..4096, got %d", ErrInvalidDimension, c.Dimension)
	}

	if c.ChunkTargetSize < 0 || (c.ChunkTargetSize > 0 && c.ChunkTargetSize < 64) {
		return fmt.Errorf("%w: must be 0 (profile default) or >= 64, got %d", ErrInvalidChunkSize, c.ChunkTargetSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidOverlap, c.ChunkOverlap)
	}
	if c.ChunkTargetSize > 0 && c.ChunkOverlap >= c.ChunkTargetSize {
		return fmt.Errorf("%w: overlap %d must be smaller than target size %d",
			ErrInvalidOverlap, c.ChunkOverlap, c.ChunkTargetSize)
	}

	switch c.ConversationMode {
	case ConversationClientBounded, ConversationServerManaged:
	default:
		return fmt.Errorf("%w: %q (want %q or %q)",
			ErrInvalidConversationMode, c.ConversationMode,
			ConversationClientBounded, ConversationServerManaged)
	}

	if c.HistoryWindow <= 0 || c.HistoryWindow > 64 {
		return fmt.Errorf("%w: must be in 1..64, got %d", ErrInvalidHistoryWindow, c.HistoryWindow)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}
