package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ImageProviderGemini  = "gemini"
	ImageProviderBedrock = "bedrock"
)

// Config stores runtime configuration for the live session server.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Deepgram   DeepgramConfig
	Gemini     GeminiConfig
	Bedrock    BedrockConfig
	Image      ImageConfig
	Analysis   AnalysisConfig
	Meta       MetaConfig
	Audio      AudioConfig
	Store      StoreConfig
	Vocabulary VocabularyConfig
}

type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type DeepgramConfig struct {
	APIKey           string
	APIBaseURL       string
	Model            string
	Language         string
	SmartFormat      bool
	Diarize          bool
	UtteranceEndMs   int
	Encoding         string
	SampleRate       int
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
}

type GeminiConfig struct {
	APIKey        string
	APIBaseURL    string
	AnalysisModel string
	SummaryModel  string
	Timeout       time.Duration
}

type BedrockConfig struct {
	Region string
}

type ImageConfig struct {
	Provider       string
	StandardModel  string
	HighModel      string
	DefaultQuality string
	StylePrefix    string
	MaxAttempts    int
	InitialBackoff time.Duration
}

type AnalysisConfig struct {
	Interval      time.Duration
	WordThreshold int
	CheckInterval time.Duration
}

type MetaConfig struct {
	SessionThreshold int
	Interval         time.Duration
	CheckInterval    time.Duration
}

type AudioConfig struct {
	MaxPendingChunks     int
	MaxPendingChunkBytes int
	MaxPendingBytes      int
}

type StoreConfig struct {
	Path           string
	RecentAnalyses int
	RecentImages   int
	MetaSummaries  int
	Themes         int
}

type VocabularyConfig struct {
	Path           string
	IterationLimit int
	Watch          bool
}

var defaultImageModels = map[string][2]string{
	ImageProviderGemini:  {"gemini-2.5-flash-image", "gemini-3-pro-image-preview"},
	ImageProviderBedrock: {"amazon.titan-image-generator-v2:0", "amazon.nova-canvas-v1:0"},
}

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	dataDir := filepath.Join(home, ".local", "share", "livelens")
	defaultVocabulary := filepath.Join(home, ".config", "livelens", "vocabulary.rules")

	provider := strings.ToLower(envOrDefault("LIVELENS_IMAGE_PROVIDER", ImageProviderGemini))
	if _, ok := defaultImageModels[provider]; !ok {
		return Config{}, errors.New("LIVELENS_IMAGE_PROVIDER must be gemini or bedrock")
	}
	models := defaultImageModels[provider]

	cfg := Config{
		Server: ServerConfig{
			Addr:            envOrDefault("LIVELENS_ADDR", ":8080"),
			AllowedOrigins:  splitList(os.Getenv("LIVELENS_ALLOWED_ORIGINS")),
			ShutdownTimeout: envOrDefaultDuration("LIVELENS_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envOrDefault("LIVELENS_LOG_LEVEL", "info")),
			Format: strings.ToLower(envOrDefault("LIVELENS_LOG_FORMAT", "text")),
		},
		Deepgram: DeepgramConfig{
			APIKey:           strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:       envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:            envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:         envOrDefault("DEEPGRAM_LANGUAGE", "en-US"),
			SmartFormat:      envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
			Diarize:          envOrDefaultBool("DEEPGRAM_DIARIZE", true),
			UtteranceEndMs:   envOrDefaultInt("DEEPGRAM_UTTERANCE_END_MS", 1000),
			Encoding:         strings.TrimSpace(os.Getenv("DEEPGRAM_ENCODING")),
			SampleRate:       envOrDefaultInt("DEEPGRAM_SAMPLE_RATE", 16000),
			HandshakeTimeout: envOrDefaultDuration("DEEPGRAM_HANDSHAKE_TIMEOUT", 10*time.Second),
			KeepAlive:        envOrDefaultDuration("DEEPGRAM_KEEPALIVE_INTERVAL", 8*time.Second),
		},
		Gemini: GeminiConfig{
			APIKey:        firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
			APIBaseURL:    envOrDefault("GEMINI_API_BASE", "https://generativelanguage.googleapis.com/v1beta"),
			AnalysisModel: envOrDefault("GEMINI_ANALYSIS_MODEL", "gemini-2.5-flash"),
			SummaryModel:  envOrDefault("GEMINI_SUMMARY_MODEL", "gemini-2.5-flash"),
			Timeout:       envOrDefaultDuration("GEMINI_TIMEOUT", 60*time.Second),
		},
		Bedrock: BedrockConfig{
			Region: firstNonEmpty(os.Getenv("BEDROCK_REGION"), os.Getenv("AWS_REGION"), "us-east-1"),
		},
		Image: ImageConfig{
			Provider:       provider,
			StandardModel:  envOrDefault("LIVELENS_IMAGE_MODEL_STANDARD", models[0]),
			HighModel:      envOrDefault("LIVELENS_IMAGE_MODEL_HIGH", models[1]),
			DefaultQuality: strings.ToLower(envOrDefault("LIVELENS_IMAGE_QUALITY", "standard")),
			StylePrefix:    strings.TrimSpace(os.Getenv("LIVELENS_IMAGE_STYLE_PREFIX")),
			MaxAttempts:    envOrDefaultInt("LIVELENS_IMAGE_MAX_ATTEMPTS", 3),
			InitialBackoff: envOrDefaultDuration("LIVELENS_IMAGE_INITIAL_BACKOFF", 2*time.Second),
		},
		Analysis: AnalysisConfig{
			Interval:      envOrDefaultDuration("LIVELENS_ANALYSIS_INTERVAL", 60*time.Second),
			WordThreshold: envOrDefaultInt("LIVELENS_ANALYSIS_WORD_THRESHOLD", 120),
			CheckInterval: envOrDefaultDuration("LIVELENS_ANALYSIS_CHECK_INTERVAL", 30*time.Second),
		},
		Meta: MetaConfig{
			SessionThreshold: envOrDefaultInt("LIVELENS_META_SESSION_THRESHOLD", 10),
			Interval:         envOrDefaultDuration("LIVELENS_META_INTERVAL", 30*time.Minute),
			CheckInterval:    envOrDefaultDuration("LIVELENS_META_CHECK_INTERVAL", time.Minute),
		},
		Audio: AudioConfig{
			MaxPendingChunks:     envOrDefaultInt("LIVELENS_MAX_PENDING_CHUNKS", 100),
			MaxPendingChunkBytes: envOrDefaultInt("LIVELENS_MAX_PENDING_CHUNK_BYTES", 64*1024),
			MaxPendingBytes:      envOrDefaultInt("LIVELENS_MAX_PENDING_BYTES", 1024*1024),
		},
		Store: StoreConfig{
			Path:           envOrDefault("LIVELENS_DB_PATH", filepath.Join(dataDir, "livelens.db")),
			RecentAnalyses: envOrDefaultInt("LIVELENS_CONTEXT_ANALYSES", 3),
			RecentImages:   envOrDefaultInt("LIVELENS_CONTEXT_IMAGES", 2),
			MetaSummaries:  envOrDefaultInt("LIVELENS_CONTEXT_META_SUMMARIES", 6),
			Themes:         envOrDefaultInt("LIVELENS_CONTEXT_THEMES", 8),
		},
		Vocabulary: VocabularyConfig{
			Path:           envOrDefault("LIVELENS_VOCABULARY_FILE", defaultVocabulary),
			IterationLimit: envOrDefaultInt("LIVELENS_VOCABULARY_ITERATION_LIMIT", 30),
			Watch:          envOrDefaultBool("LIVELENS_VOCABULARY_WATCH", true),
		},
	}

	if cfg.Deepgram.UtteranceEndMs < 0 {
		cfg.Deepgram.UtteranceEndMs = 0
	}
	if cfg.Deepgram.SampleRate <= 0 {
		cfg.Deepgram.SampleRate = 16000
	}
	if cfg.Image.MaxAttempts < 1 {
		cfg.Image.MaxAttempts = 3
	}
	if cfg.Image.DefaultQuality != "standard" && cfg.Image.DefaultQuality != "high" {
		cfg.Image.DefaultQuality = "standard"
	}
	if cfg.Analysis.WordThreshold <= 0 {
		cfg.Analysis.WordThreshold = 120
	}
	if cfg.Meta.SessionThreshold < 1 {
		cfg.Meta.SessionThreshold = 10
	}
	if cfg.Vocabulary.IterationLimit <= 0 {
		cfg.Vocabulary.IterationLimit = 30
	}

	return cfg, nil
}

// Redacted returns non-sensitive settings for startup logs.
func (c Config) Redacted() map[string]string {
	return map[string]string{
		"addr":           c.Server.Addr,
		"deepgramKey":    redact(c.Deepgram.APIKey),
		"deepgramModel":  c.Deepgram.Model,
		"geminiKey":      redact(c.Gemini.APIKey),
		"analysisModel":  c.Gemini.AnalysisModel,
		"imageProvider":  c.Image.Provider,
		"imageModel":     c.Image.StandardModel,
		"imageModelHigh": c.Image.HighModel,
		"database":       c.Store.Path,
		"vocabulary":     c.Vocabulary.Path,
	}
}

func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration accepts Go durations ("90s") or bare milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		if ms <= 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
