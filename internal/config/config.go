package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline   PipelineConfig           `validate:"required"`
	Scoring    policy.ScoringConfig     `validate:"required"`
	Confidence envelope.ConfidenceModel `validate:"required"`
	Tools      ToolsConfig              `validate:"required"`
	LLM        LLMConfig
	Server     ServerConfig   `validate:"required"`
	Database   DatabaseConfig `validate:"required"`
}

// PipelineConfig holds run layout and reporting settings
type PipelineConfig struct {
	OutputRoot       string `validate:"required"`
	RunningLogDir    string `validate:"required"`
	LLMLogDir        string `validate:"required"`
	PolicyCorpusPath string
	CodeVersion      string `validate:"required"`
	LogLevel         string `validate:"omitempty,oneof=ERROR WARN INFO DEBUG TRACE"`
	MinReportChars   int    `validate:"gte=0"`
	MaxMeasures      int    `validate:"gt=0"`
}

// ToolsConfig holds tool timeouts
type ToolsConfig struct {
	DefaultTimeout time.Duration `validate:"gt=0"`
	HeavyTimeout   time.Duration `validate:"gt=0,gtefield=DefaultTimeout"`
}

// LLMConfig holds narrative generation settings. An empty APIKey is valid:
// narratives fall back to their deterministic text.
type LLMConfig struct {
	APIKey      string
	Model       string        `validate:"required"`
	BaseURL     string        `validate:"required,url"`
	MaxTokens   int           `validate:"gt=0"`
	Temperature float64       `validate:"gte=0,lte=2"`
	Timeout     time.Duration `validate:"gt=0"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port              string `validate:"required"`
	GinMode           string `validate:"oneof=debug release test"`
	MaxConcurrentRuns int64  `validate:"gt=0"`
}

// DatabaseConfig holds run store connection settings
type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite postgres"`
	DSN    string `validate:"required"`
}

// LoadDotEnv reads .env files when present. A missing file is not an error.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Pipeline:   loadPipelineConfig(),
		Scoring:    loadScoringConfig(),
		Confidence: loadConfidenceModel(),
		Tools:      loadToolsConfig(),
		LLM:        loadLLMConfig(),
		Server:     loadServerConfig(),
		Database:   loadDatabaseConfig(),
	}

	if err := Validate(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// Default returns the configuration with every default applied and no
// environment overrides.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			OutputRoot:     "outputs",
			RunningLogDir:  "logs_running",
			LLMLogDir:      "logs_llm_direct",
			CodeVersion:    "dev",
			LogLevel:       "INFO",
			MinReportChars: 1000,
			MaxMeasures:    6,
		},
		Scoring:    policy.DefaultScoringConfig(),
		Confidence: envelope.DefaultConfidenceModel(),
		Tools:      ToolsConfig{DefaultTimeout: 20 * time.Second, HeavyTimeout: 120 * time.Second},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   2000,
			Temperature: 0.2,
			Timeout:     60 * time.Second,
		},
		Server:   ServerConfig{Port: "8080", GinMode: "release", MaxConcurrentRuns: 4},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "energyagent.db"},
	}
}

// Validate checks struct constraints.
func Validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}
	return nil
}

func loadPipelineConfig() PipelineConfig {
	d := Default().Pipeline
	return PipelineConfig{
		OutputRoot:       getEnvOrDefault("OUTPUT_ROOT", d.OutputRoot),
		RunningLogDir:    getEnvOrDefault("RUNNING_LOG_DIR", d.RunningLogDir),
		LLMLogDir:        getEnvOrDefault("LLM_LOG_DIR", d.LLMLogDir),
		PolicyCorpusPath: getEnvOrDefault("POLICY_KG_PATH", ""),
		CodeVersion:      getEnvOrDefault("CODE_VERSION", d.CodeVersion),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", d.LogLevel),
		MinReportChars:   getEnvIntOrDefault("MIN_REPORT_CHARS", d.MinReportChars),
		MaxMeasures:      getEnvIntOrDefault("MAX_MEASURES", d.MaxMeasures),
	}
}

func loadScoringConfig() policy.ScoringConfig {
	d := policy.DefaultScoringConfig()
	return policy.ScoringConfig{
		Base:               getEnvFloatOrDefault("SCORE_BASE", d.Base),
		AdminTagged:        getEnvFloatOrDefault("SCORE_ADMIN_TAGGED", d.AdminTagged),
		AdminUntagged:      getEnvFloatOrDefault("SCORE_ADMIN_UNTAGGED", d.AdminUntagged),
		MeasureTagged:      getEnvFloatOrDefault("SCORE_MEASURE_TAGGED", d.MeasureTagged),
		MeasureUntagged:    getEnvFloatOrDefault("SCORE_MEASURE_UNTAGGED", d.MeasureUntagged),
		IndustryBothTagged: getEnvFloatOrDefault("SCORE_INDUSTRY_BOTH", d.IndustryBothTagged),
		Cap:                getEnvFloatOrDefault("SCORE_CAP", d.Cap),
		TopK:               getEnvIntOrDefault("MATCH_TOP_K", d.TopK),
	}
}

func loadConfidenceModel() envelope.ConfidenceModel {
	d := envelope.DefaultConfidenceModel()
	return envelope.ConfidenceModel{
		Base:            getEnvFloatOrDefault("CONFIDENCE_BASE", d.Base),
		Step:            getEnvFloatOrDefault("CONFIDENCE_STEP", d.Step),
		HighGapPenalty:  getEnvFloatOrDefault("CONFIDENCE_HIGH_GAP_PENALTY", d.HighGapPenalty),
		Min:             getEnvFloatOrDefault("CONFIDENCE_MIN", d.Min),
		Max:             getEnvFloatOrDefault("CONFIDENCE_MAX", d.Max),
		ReviewThreshold: getEnvFloatOrDefault("REVIEW_THRESHOLD", d.ReviewThreshold),

		PolicyMatchBonus:    getEnvFloatOrDefault("CONFIDENCE_POLICY_MATCH_BONUS", d.PolicyMatchBonus),
		PolicyAdminBonus:    getEnvFloatOrDefault("CONFIDENCE_POLICY_ADMIN_BONUS", d.PolicyAdminBonus),
		PolicyIndustryBonus: getEnvFloatOrDefault("CONFIDENCE_POLICY_INDUSTRY_BONUS", d.PolicyIndustryBonus),
		CompletenessSignal:  getEnvFloatOrDefault("CONFIDENCE_COMPLETENESS_SIGNAL", d.CompletenessSignal),

		ReportComplete: getEnvFloatOrDefault("CONFIDENCE_REPORT_COMPLETE", d.ReportComplete),
		ReportWithGaps: getEnvFloatOrDefault("CONFIDENCE_REPORT_WITH_GAPS", d.ReportWithGaps),
	}
}

func loadToolsConfig() ToolsConfig {
	d := Default().Tools
	return ToolsConfig{
		DefaultTimeout: getEnvDurationOrDefault("TOOL_TIMEOUT", d.DefaultTimeout),
		HeavyTimeout:   getEnvDurationOrDefault("TOOL_HEAVY_TIMEOUT", d.HeavyTimeout),
	}
}

func loadLLMConfig() LLMConfig {
	d := Default().LLM
	return LLMConfig{
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		Model:       getEnvOrDefault("LLM_MODEL", d.Model),
		BaseURL:     getEnvOrDefault("OPENAI_BASE_URL", d.BaseURL),
		MaxTokens:   getEnvIntOrDefault("MAX_TOKENS", d.MaxTokens),
		Temperature: getEnvFloatOrDefault("TEMPERATURE", d.Temperature),
		Timeout:     getEnvDurationOrDefault("LLM_TIMEOUT", d.Timeout),
	}
}

func loadServerConfig() ServerConfig {
	d := Default().Server
	return ServerConfig{
		Port:              getEnvOrDefault("PORT", d.Port),
		GinMode:           getEnvOrDefault("GIN_MODE", d.GinMode),
		MaxConcurrentRuns: int64(getEnvIntOrDefault("MAX_CONCURRENT_RUNS", int(d.MaxConcurrentRuns))),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	d := Default().Database
	return DatabaseConfig{
		Driver: getEnvOrDefault("DB_DRIVER", d.Driver),
		DSN:    getEnvOrDefault("DATABASE_URL", d.DSN),
	}
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
