package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort                 = "8080"
	defaultExaBaseURL           = "https://api.exa.ai"
	defaultInferenceBaseURL     = "https://api.cerebras.ai/v1"
	defaultInferenceModels      = "llama-3.3-70b,qwen-3-32b,llama-4-scout-17b-16e-instruct,llama3.1-8b"
	defaultDatabaseURL          = "file:deep-research.db"
	defaultResearchTimeoutSecs  = 600
	defaultModelCooldownSecs    = 60
	defaultSearchRequestsPerSec = 5
	defaultQueryPacingMillis    = 300
	defaultInferenceMaxTokens   = 4096
	defaultRunSpacingSecs       = 10
)

type Config struct {
	Port                    string
	Environment             string
	AllowedOrigins          []string
	AuthRequired            bool
	GoogleClientID          string
	AllowedGoogleEmails     map[string]struct{}
	ExaAPIKey               string
	ExaBaseURL              string
	SearchRequestsPerSecond int
	InferenceAPIKey         string
	InferenceBaseURL        string
	InferenceModels         []string
	InferenceMaxTokens      int
	InferenceTemperature    float64
	InferenceTopP           float64
	ModelCooldown           time.Duration
	QueryPacing             time.Duration
	DatabaseURL             string
	DatabaseAuthToken       string
	ReportExportBucket      string
	ResearchTimeout         time.Duration
	RunSpacing              time.Duration
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads configuration from the environment and, when DEEP_RESEARCH_CONFIG
// points at a file, from that file. Environment values win.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", defaultPort)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("AUTH_REQUIRED", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:4173")
	v.SetDefault("EXA_BASE_URL", defaultExaBaseURL)
	v.SetDefault("SEARCH_REQUESTS_PER_SECOND", defaultSearchRequestsPerSec)
	v.SetDefault("INFERENCE_BASE_URL", defaultInferenceBaseURL)
	v.SetDefault("INFERENCE_MODELS", defaultInferenceModels)
	v.SetDefault("INFERENCE_MAX_TOKENS", defaultInferenceMaxTokens)
	v.SetDefault("INFERENCE_TEMPERATURE", 0.7)
	v.SetDefault("INFERENCE_TOP_P", 0.9)
	v.SetDefault("MODEL_COOLDOWN_SECONDS", defaultModelCooldownSecs)
	v.SetDefault("QUERY_PACING_MILLIS", defaultQueryPacingMillis)
	v.SetDefault("DATABASE_URL", defaultDatabaseURL)
	v.SetDefault("RESEARCH_TIMEOUT_SECONDS", defaultResearchTimeoutSecs)
	v.SetDefault("RUN_SPACING_SECONDS", defaultRunSpacingSecs)

	if path := strings.TrimSpace(v.GetString("DEEP_RESEARCH_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		Port:                    trimmed(v, "PORT"),
		Environment:             trimmed(v, "APP_ENV"),
		AuthRequired:            v.GetBool("AUTH_REQUIRED"),
		GoogleClientID:          trimmed(v, "GOOGLE_CLIENT_ID"),
		ExaAPIKey:               trimmed(v, "EXA_API_KEY"),
		ExaBaseURL:              strings.TrimRight(trimmed(v, "EXA_BASE_URL"), "/"),
		SearchRequestsPerSecond: v.GetInt("SEARCH_REQUESTS_PER_SECOND"),
		InferenceAPIKey:         trimmed(v, "INFERENCE_API_KEY"),
		InferenceBaseURL:        strings.TrimRight(trimmed(v, "INFERENCE_BASE_URL"), "/"),
		InferenceModels:         parseList(v.GetString("INFERENCE_MODELS")),
		InferenceMaxTokens:      v.GetInt("INFERENCE_MAX_TOKENS"),
		InferenceTemperature:    v.GetFloat64("INFERENCE_TEMPERATURE"),
		InferenceTopP:           v.GetFloat64("INFERENCE_TOP_P"),
		ModelCooldown:           time.Duration(v.GetInt("MODEL_COOLDOWN_SECONDS")) * time.Second,
		QueryPacing:             time.Duration(v.GetInt("QUERY_PACING_MILLIS")) * time.Millisecond,
		DatabaseURL:             trimmed(v, "DATABASE_URL"),
		DatabaseAuthToken:       trimmed(v, "DATABASE_AUTH_TOKEN"),
		ReportExportBucket:      trimmed(v, "REPORT_EXPORT_BUCKET"),
		ResearchTimeout:         time.Duration(v.GetInt("RESEARCH_TIMEOUT_SECONDS")) * time.Second,
		RunSpacing:              time.Duration(v.GetInt("RUN_SPACING_SECONDS")) * time.Second,
		AllowedGoogleEmails:     parseEmailSet(v.GetString("ALLOWED_GOOGLE_EMAILS")),
		AllowedOrigins:          parseList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}

	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	if len(cfg.InferenceModels) == 0 {
		return Config{}, errors.New("INFERENCE_MODELS must name at least one model")
	}
	if cfg.SearchRequestsPerSecond <= 0 {
		return Config{}, errors.New("SEARCH_REQUESTS_PER_SECOND must be > 0")
	}
	if cfg.ModelCooldown <= 0 {
		return Config{}, errors.New("MODEL_COOLDOWN_SECONDS must be > 0")
	}
	if cfg.ResearchTimeout <= 0 {
		return Config{}, errors.New("RESEARCH_TIMEOUT_SECONDS must be > 0")
	}
	if cfg.RunSpacing < 0 {
		cfg.RunSpacing = 0
	}
	if cfg.QueryPacing < 0 {
		cfg.QueryPacing = 0
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.DatabaseAuthToken == "" {
		return Config{}, errors.New("DATABASE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.AuthRequired && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required when AUTH_REQUIRED=true")
	}

	return cfg, nil
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseEmailSet(raw string) map[string]struct{} {
	emails := parseList(raw)
	out := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		out[strings.ToLower(email)] = struct{}{}
	}
	return out
}
