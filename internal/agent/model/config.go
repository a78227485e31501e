package model

import "time"

// ================ Config ================

type ReasoningConfig struct {
	Provider    string        `envconfig:"REASONING_PROVIDER" default:"gemini"`
	APIKey      string        `envconfig:"REASONING_API_KEY"`
	BaseURL     string        `envconfig:"REASONING_BASE_URL"`
	Model       string        `envconfig:"REASONING_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int           `envconfig:"REASONING_MAX_TOKENS" default:"1024"`
	Temperature float32       `envconfig:"REASONING_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"REASONING_TIMEOUT" default:"8s"`
}

type PipelineConfig struct {
	GateTimeout           time.Duration `envconfig:"PIPELINE_GATE_TIMEOUT" default:"20s"`
	ResolverConcurrency   int           `envconfig:"PIPELINE_RESOLVER_CONCURRENCY" default:"4"`
	ModelConfidenceFloor  float64       `envconfig:"PIPELINE_MODEL_CONFIDENCE_FLOOR" default:"0.6"`
	MappingMinConfidence  float64       `envconfig:"PIPELINE_MAPPING_MIN_CONFIDENCE" default:"0.5"`
	HighBand              float64       `envconfig:"PIPELINE_HIGH_BAND" default:"0.9"`
	MediumBand            float64       `envconfig:"PIPELINE_MEDIUM_BAND" default:"0.7"`
	ExecutionRetries      int           `envconfig:"PIPELINE_EXECUTION_RETRIES" default:"2"`
	ExecutionTimeout      time.Duration `envconfig:"PIPELINE_EXECUTION_TIMEOUT" default:"10s"`
	ExecutionBackoff      time.Duration `envconfig:"PIPELINE_EXECUTION_BACKOFF" default:"200ms"`
	DefaultLimit          int           `envconfig:"PIPELINE_DEFAULT_LIMIT" default:"100"`
	CountLimit            int           `envconfig:"PIPELINE_COUNT_LIMIT" default:"10000"`
	MaxSteps              int           `envconfig:"PIPELINE_MAX_STEPS" default:"20"`
	PriorTurns            int           `envconfig:"PIPELINE_PRIOR_TURNS" default:"3"`
}

type CatalogConfig struct {
	TTL time.Duration `envconfig:"CATALOG_TTL" default:"10m"`
}

type AuditConfig struct {
	TTL     time.Duration `envconfig:"AUDIT_TTL" default:"720h"`
	Timeout time.Duration `envconfig:"AUDIT_TIMEOUT" default:"2s"`
}

// DefaultPipelineConfig mirrors the envconfig defaults for callers that do
// not go through the environment (tests, embedding).
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		GateTimeout:          20 * time.Second,
		ResolverConcurrency:  4,
		ModelConfidenceFloor: 0.6,
		MappingMinConfidence: 0.5,
		HighBand:             0.9,
		MediumBand:           0.7,
		ExecutionRetries:     2,
		ExecutionTimeout:     10 * time.Second,
		ExecutionBackoff:     200 * time.Millisecond,
		DefaultLimit:         100,
		CountLimit:           10000,
		MaxSteps:             20,
		PriorTurns:           3,
	}
}

// BandOf places a confidence into the high/medium/low bands.
func (c PipelineConfig) BandOf(confidence float64) Band {
	switch {
	case confidence >= c.HighBand:
		return BandHigh
	case confidence >= c.MediumBand:
		return BandMedium
	default:
		return BandLow
	}
}
