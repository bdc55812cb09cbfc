// Package config defines the process configuration for doclens.
//
// Configuration is loaded once at startup from a YAML file with ${ENV_VAR}
// expansion, then passed into constructors. Components never read config
// globally.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the doclens process.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Store    StoreConfig    `yaml:"store"`
	Agent    AgentConfig    `yaml:"agent"`
}

// LoggingConfig controls slog initialization.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "simple" (level + message) or "verbose" (adds timestamps).
	Format string `yaml:"format"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LLMConfig configures the chat-completion provider.
type LLMConfig struct {
	// Type selects the provider implementation (currently "openai").
	Type string `yaml:"type"`

	// Host is the API base URL (any OpenAI-compatible endpoint).
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`

	Temperature float64 `yaml:"temperature"`

	// Timeout is the per-request timeout in seconds.
	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay"`
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	Host      string `yaml:"host"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	Timeout   int    `yaml:"timeout"`

	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay"`
}

// StoreConfig configures the segment store backends.
type StoreConfig struct {
	// Postgres DSN. Postgres serves full-text search and segment
	// resolution always, and vector search unless Qdrant is enabled.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Qdrant, when enabled, takes over vector search and the document
	// prefilter; Postgres keeps full-text search and resolution.
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig configures the optional Qdrant vector backend.
type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection"`
}

// AgentConfig carries the routing, retrieval and orchestration knobs.
type AgentConfig struct {
	Router     RouterConfig     `yaml:"router"`
	Escalation EscalationConfig `yaml:"escalation"`
	Probe      ProbeConfig      `yaml:"probe"`
	ShortPath  ShortPathConfig  `yaml:"short_path"`
	LongPath   LongPathConfig   `yaml:"long_path"`
	Response   ResponseConfig   `yaml:"response"`
}

// RouterConfig holds the linear scoring model for path selection.
// Positive weights push toward the short path, negative toward the long path.
type RouterConfig struct {
	WeightAvgVecSim       float64 `yaml:"weight_avg_vec_sim"`
	WeightFTSHitRate      float64 `yaml:"weight_fts_hit_rate"`
	WeightTopDocShare     float64 `yaml:"weight_top_doc_share"`
	WeightUniqueDocs      float64 `yaml:"weight_unique_docs"`
	WeightQuoteIDs        float64 `yaml:"weight_quote_ids"`
	WeightTemporalMarkers float64 `yaml:"weight_temporal_markers"`

	// Threshold is the score below which the long path is selected.
	Threshold float64 `yaml:"threshold"`
}

// EscalationConfig holds the hard override thresholds. Any single trigger
// forces the long path regardless of the soft score.
type EscalationConfig struct {
	// MinStrongSegments is the minimum number of probe candidates above
	// StrongSimCutoff before the result set counts as confidently anchored.
	MinStrongSegments int     `yaml:"min_strong_segments"`
	MaxDistinctDocs   int     `yaml:"max_distinct_docs"`
	MinAvgVecSim      float64 `yaml:"min_avg_vec_sim"`
	MinFTSHitRate     float64 `yaml:"min_fts_hit_rate"`
	StrongSimCutoff   float64 `yaml:"strong_sim_cutoff"`
}

// ProbeConfig bounds the cheap pre-retrieval sampling pass.
type ProbeConfig struct {
	DocLimit          int `yaml:"doc_limit"`
	CandidatesPerType int `yaml:"candidates_per_type"`
}

// ShortPathConfig bounds single-pass hybrid retrieval.
type ShortPathConfig struct {
	TopDocs     int `yaml:"top_docs"`
	PerDoc      int `yaml:"per_doc"`
	VectorLimit int `yaml:"vector_limit"`
	TextLimit   int `yaml:"text_limit"`

	// Alpha blends vector vs text rank in the reciprocal rank fusion.
	Alpha float64 `yaml:"alpha"`
}

// LongPathConfig bounds the multi-step orchestration.
type LongPathConfig struct {
	MaxSubqueries int `yaml:"max_subqueries"`
	MaxSteps      int `yaml:"max_steps"`
	BudgetTokens  int `yaml:"budget_tokens"`
	BudgetTimeSec int `yaml:"budget_time_sec"`
	Parallelism   int `yaml:"parallelism"`

	// Per-subquery retrieval limits, smaller than the short path since
	// several steps contribute to one context.
	StepVectorLimit int `yaml:"step_vector_limit"`
	StepTextLimit   int `yaml:"step_text_limit"`
	StepTopDocs     int `yaml:"step_top_docs"`
	StepPerDoc      int `yaml:"step_per_doc"`
}

// ResponseConfig caps synthesis inputs and outputs.
type ResponseConfig struct {
	MaxResponseTokens int `yaml:"max_response_tokens"`
	MaxContextTokens  int `yaml:"max_context_tokens"`
	MaxContextChars   int `yaml:"max_context_chars"`
}

// SetDefaults applies default values for unset fields.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}

	if c.LLM.Type == "" {
		c.LLM.Type = "openai"
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.3
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryDelay == 0 {
		c.LLM.RetryDelay = 2
	}

	if c.Embedder.Host == "" {
		c.Embedder.Host = "https://api.openai.com/v1"
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-3-small"
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1536
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30
	}
	if c.Embedder.MaxRetries == 0 {
		c.Embedder.MaxRetries = 3
	}
	if c.Embedder.RetryDelay == 0 {
		c.Embedder.RetryDelay = 2
	}

	if c.Store.Qdrant.Enabled {
		if c.Store.Qdrant.Host == "" {
			c.Store.Qdrant.Host = "localhost"
		}
		if c.Store.Qdrant.Port == 0 {
			c.Store.Qdrant.Port = 6334
		}
		if c.Store.Qdrant.Collection == "" {
			c.Store.Qdrant.Collection = "segments"
		}
	}

	c.Agent.SetDefaults()
}

// SetDefaults applies the tuned defaults for routing and retrieval.
func (a *AgentConfig) SetDefaults() {
	r := &a.Router
	if r.WeightAvgVecSim == 0 {
		r.WeightAvgVecSim = 0.9
	}
	if r.WeightFTSHitRate == 0 {
		r.WeightFTSHitRate = 0.5
	}
	if r.WeightTopDocShare == 0 {
		r.WeightTopDocShare = 0.8
	}
	if r.WeightUniqueDocs == 0 {
		r.WeightUniqueDocs = -0.7
	}
	if r.WeightQuoteIDs == 0 {
		r.WeightQuoteIDs = -0.1
	}
	if r.WeightTemporalMarkers == 0 {
		r.WeightTemporalMarkers = -0.6
	}
	if r.Threshold == 0 {
		r.Threshold = 0.5
	}

	e := &a.Escalation
	if e.MinStrongSegments == 0 {
		e.MinStrongSegments = 2
	}
	if e.MaxDistinctDocs == 0 {
		e.MaxDistinctDocs = 4
	}
	if e.MinAvgVecSim == 0 {
		e.MinAvgVecSim = 0.60
	}
	if e.MinFTSHitRate == 0 {
		e.MinFTSHitRate = 0.10
	}
	if e.StrongSimCutoff == 0 {
		e.StrongSimCutoff = 0.75
	}

	if a.Probe.DocLimit == 0 {
		a.Probe.DocLimit = 10
	}
	if a.Probe.CandidatesPerType == 0 {
		a.Probe.CandidatesPerType = 3
	}

	s := &a.ShortPath
	if s.TopDocs == 0 {
		s.TopDocs = 15
	}
	if s.PerDoc == 0 {
		s.PerDoc = 3
	}
	if s.VectorLimit == 0 {
		s.VectorLimit = 20
	}
	if s.TextLimit == 0 {
		s.TextLimit = 20
	}
	if s.Alpha == 0 {
		s.Alpha = 0.6
	}

	l := &a.LongPath
	if l.MaxSubqueries == 0 {
		l.MaxSubqueries = 3
	}
	if l.MaxSteps == 0 {
		l.MaxSteps = 5
	}
	if l.BudgetTokens == 0 {
		l.BudgetTokens = 8000
	}
	if l.BudgetTimeSec == 0 {
		l.BudgetTimeSec = 30
	}
	if l.Parallelism == 0 {
		l.Parallelism = 3
	}
	if l.StepVectorLimit == 0 {
		l.StepVectorLimit = 10
	}
	if l.StepTextLimit == 0 {
		l.StepTextLimit = 10
	}
	if l.StepTopDocs == 0 {
		l.StepTopDocs = 5
	}
	if l.StepPerDoc == 0 {
		l.StepPerDoc = 2
	}

	resp := &a.Response
	if resp.MaxResponseTokens == 0 {
		resp.MaxResponseTokens = 4000
	}
	if resp.MaxContextTokens == 0 {
		resp.MaxContextTokens = 12000
	}
	if resp.MaxContextChars == 0 {
		resp.MaxContextChars = 48000
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Store.PostgresDSN == "" {
		return fmt.Errorf("store: postgres_dsn is required")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

// Validate rejects limits that would disable routing or retrieval outright.
func (a *AgentConfig) Validate() error {
	if a.Probe.DocLimit <= 0 {
		return fmt.Errorf("probe doc_limit must be positive, got %d", a.Probe.DocLimit)
	}
	if a.Probe.CandidatesPerType <= 0 {
		return fmt.Errorf("probe candidates_per_type must be positive, got %d", a.Probe.CandidatesPerType)
	}
	if a.ShortPath.Alpha <= 0 || a.ShortPath.Alpha > 1 {
		return fmt.Errorf("short_path alpha must be in (0, 1], got %g", a.ShortPath.Alpha)
	}
	if a.ShortPath.TopDocs <= 0 || a.ShortPath.PerDoc <= 0 {
		return fmt.Errorf("short_path top_docs and per_doc must be positive")
	}
	if a.ShortPath.VectorLimit <= 0 || a.ShortPath.TextLimit <= 0 {
		return fmt.Errorf("short_path search limits must be positive")
	}
	if a.LongPath.MaxSubqueries <= 0 {
		return fmt.Errorf("long_path max_subqueries must be positive, got %d", a.LongPath.MaxSubqueries)
	}
	if a.LongPath.MaxSteps <= 0 {
		return fmt.Errorf("long_path max_steps must be positive, got %d", a.LongPath.MaxSteps)
	}
	if a.LongPath.BudgetTokens <= 0 || a.LongPath.BudgetTimeSec <= 0 {
		return fmt.Errorf("long_path budgets must be positive")
	}
	if a.LongPath.Parallelism <= 0 {
		return fmt.Errorf("long_path parallelism must be positive, got %d", a.LongPath.Parallelism)
	}
	if a.Response.MaxResponseTokens <= 0 || a.Response.MaxContextChars <= 0 {
		return fmt.Errorf("response caps must be positive")
	}
	if a.Escalation.StrongSimCutoff <= 0 || a.Escalation.StrongSimCutoff > 1 {
		return fmt.Errorf("escalation strong_sim_cutoff must be in (0, 1], got %g", a.Escalation.StrongSimCutoff)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted config without reading a file.
// The store DSN must still be provided by the caller.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
