// Package config loads and validates orcheval's orchestrator.yaml and
// policies.yaml files into a resolved, typed Config consumed by the core.
package config

// Config is the fully resolved configuration handed to the orchestration
// core. The core never reads YAML itself; it only sees this struct.
type Config struct {
	ReportsDir string   `yaml:"reports_dir"`
	Run        RunConfig `yaml:"run"`
	Datasets   Datasets `yaml:"datasets"`
	Budget     Budget   `yaml:"budget"`

	BaseURL         string            `yaml:"base_url"`
	AllowedHosts    []string          `yaml:"allowed_hosts"`
	HostAliases     map[string]string `yaml:"host_aliases"`
	HealthEndpoints []string          `yaml:"health_endpoints"`
	HealthTimeoutS  float64           `yaml:"health_timeout_s"`

	RunnerCmd      string  `yaml:"runner_cmd"`
	RunnerTimeoutS float64 `yaml:"runner_timeout_s"`
	RunsDir        string  `yaml:"runs_dir"`
	MockRunner     bool    `yaml:"mock_runner"`

	Smoke StageConfig `yaml:"smoke"`
	Grid  StageConfig `yaml:"grid"`
	AB    StageConfig `yaml:"ab"`

	Reflection ReflectionConfig `yaml:"reflection"`
	LLM        LLMConfig        `yaml:"llm"`

	SLAPolicyPath  string `yaml:"sla_policy_path"`
	PoliciesPath   string `yaml:"policies_path"`
	BaselinePolicy string `yaml:"baseline_policy"`
	WinnersSource  string `yaml:"winners_source"`

	AlignmentAuditorCmd string `yaml:"alignment_auditor_cmd"`

	configDir string
}

// RunConfig controls Scheduler intake: worker pool size, queue depth, and
// the default dry-run posture when a client omits both dry_run and commit.
type RunConfig struct {
	ConcurrencyLimit int  `yaml:"concurrency_limit"`
	QueueSize        int  `yaml:"queue_size"`
	DryRunDefault    bool `yaml:"dry_run_default"`
}

// Datasets gates which dataset identifiers the Scheduler accepts and
// resolves their queries/qrels paths when a plan omits them.
type Datasets struct {
	Whitelist  []string          `yaml:"whitelist"`
	Disabled   []string          `yaml:"disabled"`
	QueriesMap map[string]string `yaml:"queries_map"`
	QrelsMap   map[string]string `yaml:"qrels_map"`
}

// Budget bounds intake-time resource estimates.
type Budget struct {
	MaxConcurrentRuns int     `yaml:"max_concurrent_runs"`
	MaxTokens         int     `yaml:"max_tokens"`
	MaxCostUSD        float64 `yaml:"max_cost_usd"`
}

// StageConfig parameterizes one of the smoke/grid/ab sections: default
// search values plus the runner's retry/rate/timeout discipline.
type StageConfig struct {
	Sample          int     `yaml:"sample"`
	TopK            []int   `yaml:"top_k"`
	MMR             []any   `yaml:"mmr"`
	EfSearch        []int   `yaml:"ef_search"`
	Seed            int     `yaml:"seed"`
	Concurrency     int     `yaml:"concurrency"`
	TimeoutS        float64 `yaml:"timeout_s"`
	MaxRetries      int     `yaml:"max_retries"`
	BackoffS        float64 `yaml:"backoff_s"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// ReflectionConfig holds PostPhaseReflect's early_stop/shrink thresholds.
type ReflectionConfig struct {
	FailureRate    float64 `yaml:"failure_rate"`
	RecallVariance float64 `yaml:"recall_variance"`
}

// LLMConfig configures the Reflector's optional language-model summary.
type LLMConfig struct {
	Enable      bool    `yaml:"enable"`
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	CostCapUSD  float64 `yaml:"cost_cap_usd"`
	Endpoint    string  `yaml:"endpoint"`
	APIKeyEnv   string  `yaml:"api_key_env"`
}

// Policy is a named preset resolved from the policy store and, when a
// plan sets baseline_id, merged into the plan's metadata.
type Policy struct {
	Dataset     string  `yaml:"dataset"`
	QueriesPath string  `yaml:"queries_path"`
	QrelsPath   string  `yaml:"qrels_path"`
	TopK        int     `yaml:"top_k"`
	MMR         bool    `yaml:"mmr"`
	MMRLambda   float64 `yaml:"mmr_lambda"`
	EfSearch    int     `yaml:"ef_search"`
}

// ConfigDir returns the directory the configuration was loaded from, for
// resolving sibling paths (policies.yaml, sla policy files, caches).
func (c *Config) ConfigDir() string {
	return c.configDir
}
