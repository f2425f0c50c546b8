// Package sla verifies aggregated metrics against an optional YAML SLA
// policy, producing a pass/warn/fail verdict plus the individual checks
// that contributed to it.
package sla

import (
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Check is one threshold comparison's result.
type Check struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Status    string  `json:"status"`
}

// Verdict is the overall SLA verification result.
type Verdict struct {
	Verdict string  `json:"verdict"`
	Checks  []Check `json:"checks"`
	Reason  string  `json:"reason,omitempty"`
}

// Policy mirrors the YAML SLA policy document's recognized fields.
type Policy struct {
	RecallAt10Min float64 `yaml:"recall_at_10_min"`
	P95MsMax      float64 `yaml:"p95_ms_max"`
	CostMax       float64 `yaml:"cost_max"`
}

// Metrics is the subset of an aggregated metrics summary the policy
// checks against.
type Metrics struct {
	RecallAt10 float64
	P95Ms      float64
	Cost       float64
}

// Verify checks metrics against the policy at policyPath. An empty path
// or a missing file is treated as "no policy configured" and always
// passes; a policy file that fails to parse degrades to a warn verdict
// rather than blocking the run.
func Verify(metrics Metrics, policyPath string) Verdict {
	if policyPath == "" {
		return Verdict{Verdict: "pass", Checks: []Check{}, Reason: "No SLA policy configured"}
	}
	data, err := os.ReadFile(policyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Verdict{Verdict: "pass", Checks: []Check{}, Reason: "SLA policy file not found"}
		}
		return Verdict{Verdict: "warn", Checks: []Check{}, Reason: "Failed to load SLA policy"}
	}

	var policy Policy
	policy.P95MsMax = math.Inf(1)
	policy.CostMax = math.Inf(1)
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Verdict{Verdict: "warn", Checks: []Check{}, Reason: "Failed to load SLA policy"}
	}

	var checks []Check
	verdict := "pass"

	if metrics.RecallAt10 < policy.RecallAt10Min {
		checks = append(checks, Check{Metric: "recall_at_10", Value: metrics.RecallAt10, Threshold: policy.RecallAt10Min, Status: "fail"})
		verdict = "fail"
	} else if metrics.RecallAt10 < policy.RecallAt10Min*1.1 {
		checks = append(checks, Check{Metric: "recall_at_10", Value: metrics.RecallAt10, Threshold: policy.RecallAt10Min, Status: "warn"})
		if verdict == "pass" {
			verdict = "warn"
		}
	}

	if metrics.P95Ms > policy.P95MsMax {
		checks = append(checks, Check{Metric: "p95_ms", Value: metrics.P95Ms, Threshold: policy.P95MsMax, Status: "fail"})
		verdict = "fail"
	} else if metrics.P95Ms > policy.P95MsMax*0.9 {
		checks = append(checks, Check{Metric: "p95_ms", Value: metrics.P95Ms, Threshold: policy.P95MsMax, Status: "warn"})
		if verdict == "pass" {
			verdict = "warn"
		}
	}

	if metrics.Cost > policy.CostMax {
		checks = append(checks, Check{Metric: "cost", Value: metrics.Cost, Threshold: policy.CostMax, Status: "fail"})
		verdict = "fail"
	}

	if checks == nil {
		checks = []Check{}
	}
	return Verdict{Verdict: verdict, Checks: checks}
}
