// Package fingerprint computes the four-part idempotency key used to
// detect duplicate submissions of an equivalent plan: a hash of the
// dataset/sample/seed tuple, the build's git commit, a hash of the policy
// store file's bytes, and a hash of the plan arguments themselves.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"

	"github.com/justapithecus/orcheval/pkg/version"
)

// HashLen is the hex-prefix length every fingerprint hash is truncated
// to, matching the source's sha256(...)[:16] convention.
const HashLen = 16

// UnknownCommit is used when no VCS revision can be determined.
const UnknownCommit = "unknown"

// UnknownPolicy is used when the policy store file is missing or unreadable.
const UnknownPolicy = "unknown"

// Key is the four-part fingerprint and its composite string form.
type Key struct {
	DataFingerprint string `json:"data_fingerprint"`
	CodeCommit      string `json:"code_commit"`
	PolicyHash      string `json:"policy_hash"`
	ArgsHash        string `json:"args_hash"`
}

// String renders the composite "<data>:<commit>:<policy>:<args>" form
// used as the idempotency lookup key.
func (k Key) String() string {
	return k.DataFingerprint + ":" + k.CodeCommit + ":" + k.PolicyHash + ":" + k.ArgsHash
}

// DataInput is the subset of a plan that feeds the data fingerprint.
type DataInput struct {
	Dataset    string `json:"dataset"`
	SampleSize int    `json:"sample_size"`
	Seed       int    `json:"seed"`
}

// Compute derives the four-part Key for a plan. planWithoutMetadata must
// already have any "metadata" key stripped, matching the source's
// args_hash input (the plan dict minus its metadata field). policyPath
// may be empty, meaning no policy store is configured.
func Compute(dataInput DataInput, planWithoutMetadata map[string]any, policyPath string) (Key, error) {
	dataFP, err := hashJSON(dataInput)
	if err != nil {
		return Key{}, err
	}

	argsFP, err := hashJSON(planWithoutMetadata)
	if err != nil {
		return Key{}, err
	}

	return Key{
		DataFingerprint: dataFP,
		CodeCommit:      codeCommit(),
		PolicyHash:      policyHash(policyPath),
		ArgsHash:        argsFP,
	}, nil
}

func codeCommit() string {
	if version.GitCommit == "" {
		return UnknownCommit
	}
	return version.GitCommit
}

func policyHash(path string) string {
	if path == "" {
		return UnknownPolicy
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return UnknownPolicy
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLen]
}

// hashJSON marshals v with sorted map keys (encoding/json already sorts
// map[string]any keys) and returns the truncated sha256 hex digest.
func hashJSON(v any) (string, error) {
	return HashCanonicalJSON(v)
}

// HashCanonicalJSON sorts v's map keys recursively, marshals it, and
// returns the truncated sha256 hex digest. Exported so other packages
// that need a stable content hash (e.g. the PUBLISH stage's
// winners.final.json ledger records) don't reimplement canonicalization.
func HashCanonicalJSON(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLen], nil
}

// canonicalize round-trips v through JSON so struct field order never
// leaks into the hash input — only sorted map keys do, matching the
// source's json.dumps(..., sort_keys=True).
func canonicalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return sortedCopy(out), nil
}

func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return v
	}
}
