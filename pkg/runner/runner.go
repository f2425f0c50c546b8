// Package runner invokes the external evaluation runner as a child
// process, enforcing host allow-listing, timeout, retry with backoff,
// a per-job-prefix rate limit, and a per-concurrency-limit semaphore. A
// MockRunner mode synthesizes metrics.json for dry runs and tests.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/justapithecus/orcheval/pkg/orcherr"
)

// JobSpec is the fully-resolved set of parameters for one runner
// invocation, after section-config fallback resolution.
type JobSpec struct {
	JobPrefix   string
	Section     string
	Dataset     string
	Sample      int
	TopK        int
	Concurrency int
	MMR         bool
	MMRLambda   float64
	EfSearch    *int
	ExtraArgs   map[string]any
	QrelsPath   string
	QueriesPath string

	TimeoutS       float64
	MaxRetries     int
	BackoffS       float64
	RatePerSec     float64
	RunnerTimeoutS float64
}

// Result is what a successful runner invocation produces.
type Result struct {
	JobID              string
	MetricsPath        string
	Status             string
	Metrics            map[string]any
	LatencyBreakdownMs map[string]any
}

// Config is the subset of the orchestrator's resolved configuration the
// runner adapter consumes.
type Config struct {
	BaseURL         string
	AllowedHosts    []string
	HostAliases     map[string]string
	HealthEndpoints []string
	HealthTimeoutS  float64
	RunnerCmd       string
	RunsDir         string
	MockRunner      bool
}

// Runner is the pluggable boundary over the external evaluation runner,
// named per spec: {Run(job_spec) -> (job_id, metrics_path) | error}.
type Runner interface {
	Run(ctx context.Context, spec JobSpec, cfg Config) (Result, error)
}

// Adapter is the production Runner: subprocess execution with retry,
// rate limiting, and bounded concurrency.
type Adapter struct {
	httpClient *http.Client

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	semaphores map[int]*semaphore.Weighted
}

// NewAdapter returns a ready Adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		httpClient: &http.Client{},
		limiters:   map[string]*rate.Limiter{},
		semaphores: map[int]*semaphore.Weighted{},
	}
}

func (a *Adapter) limiterFor(jobPrefix string, ratePerSec float64) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.limiters[jobPrefix]
	if !ok {
		limiter = newRateLimiter(ratePerSec)
		a.limiters[jobPrefix] = limiter
	}
	return limiter
}

func newRateLimiter(ratePerSec float64) *rate.Limiter {
	if ratePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), 1)
}

func (a *Adapter) semaphoreFor(limit int) *semaphore.Weighted {
	if limit < 1 {
		limit = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.semaphores[limit]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		a.semaphores[limit] = sem
	}
	return sem
}

// Run validates the target host(s), resolves a mock or real execution
// path, and enforces retry/backoff on subprocess failure.
func (a *Adapter) Run(ctx context.Context, spec JobSpec, cfg Config) (Result, error) {
	if cfg.MockRunner {
		return mockRun(spec, cfg)
	}

	if err := a.checkBackendHealth(ctx, cfg); err != nil {
		return Result{}, err
	}

	effectiveBase := effectiveBaseURL(cfg)
	if err := validateHost(cfg.BaseURL, cfg.AllowedHosts); err != nil {
		return Result{}, err
	}
	if effectiveBase != "" && effectiveBase != cfg.BaseURL {
		if err := validateHost(effectiveBase, cfg.AllowedHosts); err != nil {
			return Result{}, err
		}
	}

	command, err := buildRunnerCommand(spec, cfg, effectiveBase)
	if err != nil {
		return Result{}, err
	}

	runsDir := cfg.RunsDir
	if runsDir == "" {
		runsDir = ".runs"
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("runner: create runs dir: %w", err)
	}

	jobID := createJobID(spec.JobPrefix)
	metricsPath := filepath.Join(runsDir, jobID, "metrics.json")

	limiter := a.limiterFor(spec.JobPrefix, spec.RatePerSec)
	sem := a.semaphoreFor(spec.Concurrency)

	maxRetries := spec.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoffS := spec.BackoffS
	if backoffS <= 0 {
		backoffS = 2.0
	}
	runnerTimeout := spec.RunnerTimeoutS
	if runnerTimeout <= 0 {
		runnerTimeout = spec.TimeoutS
	}

	var lastErr error
	var result Result
	attempt := 0
	policy := backoff.WithContext(retryBackoffPolicy(backoffS, maxRetries-1), ctx)
	opErr := backoff.Retry(func() error {
		attempt++
		if err := sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(fmt.Errorf("runner: acquire concurrency slot: %w", err))
		}
		if err := limiter.Wait(ctx); err != nil {
			sem.Release(1)
			return backoff.Permanent(fmt.Errorf("runner: rate limiter wait: %w", err))
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(runnerTimeout*float64(time.Second)))
		var runErr error
		result, runErr = a.runOnce(runCtx, command, runsDir, jobID, effectiveBase, cfg.BaseURL, metricsPath)
		cancel()
		sem.Release(1)

		if runErr == nil {
			return nil
		}
		lastErr = runErr
		return runErr
	}, policy)

	if opErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if isTimeoutErr(lastErr) {
		return Result{}, orcherr.NewBlockError(orcherr.ErrRunnerTimeout,
			fmt.Sprintf("%s runner timed out after %.0f seconds", spec.JobPrefix, runnerTimeout),
			"check backend health or raise runner_timeout_s",
			map[string]any{"command": strings.Join(command, " "), "timeout_s": runnerTimeout, "attempt": attempt})
	}
	return Result{}, orcherr.NewBlockError(orcherr.ErrRunnerFailed,
		fmt.Sprintf("%s evaluation failed after %d attempts: %v", spec.JobPrefix, attempt, lastErr),
		"inspect runner output and backend logs",
		map[string]any{"command": strings.Join(command, " "), "attempt": attempt})
}

type timeoutError struct{ err error }

func (t timeoutError) Error() string { return t.err.Error() }
func (t timeoutError) Unwrap() error { return t.err }

func isTimeoutErr(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

func (a *Adapter) runOnce(ctx context.Context, command []string, runsDir, jobID, effectiveBase, baseURL, metricsPath string) (Result, error) {
	if len(command) == 0 {
		return Result{}, fmt.Errorf("runner: empty command")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(),
		"RUNS_DIR="+runsDir,
		"JOB_ID="+jobID,
		"BASE="+firstNonEmpty(effectiveBase, baseURL),
	)

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, timeoutError{ctx.Err()}
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("runner executable not found: %w", err)
	}

	return readMetrics(jobID, metricsPath)
}

func readMetrics(jobID, metricsPath string) (Result, error) {
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		return Result{}, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable,
			fmt.Sprintf("metrics.json not found at %s", metricsPath), "", nil)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{}, fmt.Errorf("runner: decode metrics.json: %w", err)
	}

	result := Result{
		JobID:  stringOr(doc["job_id"], jobID),
		Status: stringOr(doc["status"], "unknown"),
	}
	if m, ok := doc["metrics"].(map[string]any); ok {
		result.Metrics = m
	} else {
		result.Metrics = map[string]any{}
	}
	if m, ok := doc["latency_breakdown_ms"].(map[string]any); ok {
		result.LatencyBreakdownMs = m
	} else {
		result.LatencyBreakdownMs = map[string]any{}
	}
	result.MetricsPath = metricsPath
	return result, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func createJobID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, randomHex12())
}

// randomHex12 mirrors the source's uuid4().hex[:12].
func randomHex12() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func validateHost(rawURL string, allowedHosts []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return orcherr.NewBlockError(orcherr.ErrSecurityBlock, fmt.Sprintf("invalid base URL: %s", rawURL), "", nil)
	}
	host := strings.ToLower(parsed.Host)
	allowed := map[string]struct{}{}
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}
	if _, ok := allowed[host]; !ok {
		return orcherr.NewBlockError(orcherr.ErrSecurityBlock,
			fmt.Sprintf("host %q not in allowed list", host),
			"add the host to allowed_hosts", map[string]any{"host": host})
	}
	return nil
}

func effectiveBaseURL(cfg Config) string {
	if cfg.BaseURL == "" {
		return ""
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return cfg.BaseURL
	}
	alias, ok := cfg.HostAliases[parsed.Hostname()]
	if !ok || alias == "" {
		return cfg.BaseURL
	}
	host := alias
	if parsed.Port() != "" {
		host = alias + ":" + parsed.Port()
	}
	parsed.Host = host
	return parsed.String()
}

func (a *Adapter) checkBackendHealth(ctx context.Context, cfg Config) error {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return orcherr.NewBlockError(orcherr.ErrHealthCheck, "base_url is not configured", "set base_url in the orchestrator config to point at the real API", nil)
	}
	effectiveBase := strings.TrimRight(effectiveBaseURL(cfg), "/")
	if effectiveBase == "" {
		effectiveBase = baseURL
	}
	timeout := cfg.HealthTimeoutS
	if timeout <= 0 {
		timeout = 10.0
	}

	for _, endpoint := range cfg.HealthEndpoints {
		if endpoint == "" {
			continue
		}
		target := effectiveBase + "/" + strings.TrimLeft(endpoint, "/")
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return orcherr.NewBlockError(orcherr.ErrHealthCheck, err.Error(), "", nil)
		}
		resp, err := a.httpClient.Do(req)
		cancel()
		if err != nil {
			return orcherr.NewBlockError(orcherr.ErrHealthCheck,
				fmt.Sprintf("health check request to %s failed: %v", target, err),
				"confirm the backend API is running and network-reachable",
				map[string]any{"url": target, "timeout_s": timeout})
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return orcherr.NewBlockError(orcherr.ErrHealthCheck,
				fmt.Sprintf("health check %s returned status %d", target, resp.StatusCode),
				"inspect service logs or the health endpoint response",
				map[string]any{"url": target, "status_code": resp.StatusCode})
		}
	}
	return nil
}

func buildRunnerCommand(spec JobSpec, cfg Config, effectiveBase string) ([]string, error) {
	runnerCmd := cfg.RunnerCmd
	if runnerCmd == "" {
		runnerCmd = "python -m experiments.fiqa_suite_runner"
	}
	cmd := strings.Fields(runnerCmd)
	if len(cmd) == 0 {
		return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, "runner_cmd must not be empty", "", nil)
	}
	if resolved, err := exec.LookPath(cmd[0]); err == nil {
		cmd[0] = resolved
	}

	base := firstNonEmpty(effectiveBase, cfg.BaseURL)
	cmd = append(cmd,
		"--base", base,
		"--collection", spec.Dataset,
		"--sample", strconv.Itoa(spec.Sample),
		"--top_k", strconv.Itoa(spec.TopK),
		"--concurrency", strconv.Itoa(spec.Concurrency),
	)
	if spec.QrelsPath != "" {
		cmd = append(cmd, "--qrels", spec.QrelsPath)
	}
	if spec.QueriesPath != "" {
		cmd = append(cmd, "--queries", spec.QueriesPath)
	}
	if spec.EfSearch != nil {
		cmd = append(cmd, "--ef-search", strconv.Itoa(*spec.EfSearch))
	}
	if spec.MMR {
		cmd = append(cmd, "--mmr", "--mmr-lambda", strconv.FormatFloat(spec.MMRLambda, 'g', -1, 64))
	}
	for key, value := range spec.ExtraArgs {
		if value == nil || key == "use_hybrid" || key == "warm_cache" {
			continue
		}
		flag := "--" + strings.ReplaceAll(key, "_", "-")
		if b, ok := value.(bool); ok {
			if b {
				cmd = append(cmd, flag)
			}
			continue
		}
		cmd = append(cmd, flag, fmt.Sprint(value))
	}
	return cmd, nil
}

func mockRun(spec JobSpec, cfg Config) (Result, error) {
	runsDir := cfg.RunsDir
	if runsDir == "" {
		runsDir = ".runs"
	}
	jobID := createJobID(spec.JobPrefix + "-mock")
	jobDir := filepath.Join(runsDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("runner: create job dir: %w", err)
	}
	metricsPath := filepath.Join(jobDir, "metrics.json")

	sample := spec.Sample
	if sample == 0 {
		sample = 50
	}
	topK := spec.TopK
	if topK == 0 {
		topK = 10
	}
	recall := math.Min(0.99, 0.4+0.02*float64(topK))
	p95Ms := float64(80 + 3*topK)
	cost := 0.001 * float64(topK)

	payload := map[string]any{
		"job_id": jobID,
		"status": "ok",
		"metrics": map[string]any{
			"recall_at_10":   recall,
			"p95_ms":         p95Ms,
			"cost_per_query": cost,
			"count":          sample,
		},
		"latency_breakdown_ms": map[string]any{"search": p95Ms / 2.0},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(metricsPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("runner: write mock metrics: %w", err)
	}

	return Result{
		JobID:              jobID,
		MetricsPath:        metricsPath,
		Status:             "ok",
		Metrics:            payload["metrics"].(map[string]any),
		LatencyBreakdownMs: payload["latency_breakdown_ms"].(map[string]any),
	}, nil
}

// retryBackoffPolicy builds the backoff_s*2^(attempt-1) schedule used
// by Run's retry loop, capped at maxRetries additional attempts after
// the first.
func retryBackoffPolicy(backoffS float64, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(backoffS * float64(time.Second))
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}
