package engine

import (
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// Safe bounds every resolved policy field is clamped into.
const (
	MinTimeoutMs = 1_000
	MaxTimeoutMs = 120_000
	MaxRetries   = 5
	MaxBackoffMs = 60_000
)

// Built-in global defaults, used when the host supplies none.
const (
	DefaultTimeoutMs      = 30_000
	DefaultRetryCount     = 0
	DefaultRetryBackoffMs = 1_000
)

// DefaultOnError is the global fallback error policy. Also applied when a
// node carries an unrecognized onError value.
const DefaultOnError = schema.ErrorPolicyFailFast

// ResolvedPolicy is the fully merged, clamped runtime policy for one node.
type ResolvedPolicy struct {
	Timeout    time.Duration
	RetryCount int
	Backoff    time.Duration
	OnError    schema.ErrorPolicy
}

// PolicyResolver merges runtime policy layers in priority order:
// explicit node policy → legacy node config fields → flow-level per-type
// defaults → global defaults. Higher layers win field by field; unset
// pointer fields fall through.
type PolicyResolver struct {
	defaults schema.RuntimePolicy
}

// NewPolicyResolver creates a resolver with the given global defaults.
// Unset default fields are filled from the built-ins.
func NewPolicyResolver(defaults *schema.RuntimePolicy) *PolicyResolver {
	merged := schema.RuntimePolicy{}
	fillUnset(&merged, defaults)
	builtin := builtinDefaults()
	fillUnset(&merged, &builtin)
	return &PolicyResolver{defaults: merged}
}

// Resolve computes the effective policy for a node within a flow.
func (r *PolicyResolver) Resolve(flow *schema.FlowDefinition, node *schema.NodeDefinition) ResolvedPolicy {
	merged := schema.RuntimePolicy{}

	layers := []*schema.RuntimePolicy{
		node.RuntimePolicy,
		legacyConfigPolicy(node.Config),
		flowTypeDefaults(flow, node.Type),
		&r.defaults,
	}
	for _, layer := range layers {
		fillUnset(&merged, layer)
	}

	policy := ResolvedPolicy{
		Timeout:    time.Duration(clampInt(deref(merged.TimeoutMs, DefaultTimeoutMs), MinTimeoutMs, MaxTimeoutMs)) * time.Millisecond,
		RetryCount: clampInt(deref(merged.RetryCount, DefaultRetryCount), 0, MaxRetries),
		Backoff:    time.Duration(clampInt(deref(merged.RetryBackoffMs, DefaultRetryBackoffMs), 0, MaxBackoffMs)) * time.Millisecond,
		OnError:    merged.OnError,
	}

	switch policy.OnError {
	case schema.ErrorPolicyFailFast, schema.ErrorPolicyContinue, schema.ErrorPolicyRouteToError:
	default:
		// Unrecognized onError never fails the run; it degrades to the
		// configured global default.
		policy.OnError = r.defaults.OnError
		if policy.OnError != schema.ErrorPolicyFailFast &&
			policy.OnError != schema.ErrorPolicyContinue &&
			policy.OnError != schema.ErrorPolicyRouteToError {
			policy.OnError = DefaultOnError
		}
	}

	return policy
}

// fillUnset copies src fields into dst where dst has not set them yet. A
// higher layer's explicit zero is a set field and blocks lower layers;
// values are copied (never the pointers), so resolving can never write back
// into the definition it reads from.
func fillUnset(dst, src *schema.RuntimePolicy) {
	if src == nil {
		return
	}
	if dst.TimeoutMs == nil && src.TimeoutMs != nil {
		v := *src.TimeoutMs
		dst.TimeoutMs = &v
	}
	if dst.RetryCount == nil && src.RetryCount != nil {
		v := *src.RetryCount
		dst.RetryCount = &v
	}
	if dst.RetryBackoffMs == nil && src.RetryBackoffMs != nil {
		v := *src.RetryBackoffMs
		dst.RetryBackoffMs = &v
	}
	if dst.OnError == "" && src.OnError != "" {
		dst.OnError = src.OnError
	}
}

// legacyConfigPolicy lifts runtime settings out of the node's config bag.
// Older flow documents carried timeoutMs/retryCount/retryBackoffMs/onError
// there instead of in a runtimePolicy block; they rank below an explicit
// block but above flow defaults.
func legacyConfigPolicy(config map[string]any) *schema.RuntimePolicy {
	if len(config) == 0 {
		return nil
	}
	policy := &schema.RuntimePolicy{}
	found := false
	if v, ok := configInt(config, "timeoutMs"); ok {
		policy.TimeoutMs = &v
		found = true
	}
	if v, ok := configInt(config, "retryCount"); ok {
		policy.RetryCount = &v
		found = true
	}
	if v, ok := configInt(config, "retryBackoffMs"); ok {
		policy.RetryBackoffMs = &v
		found = true
	}
	if v, ok := config["onError"].(string); ok && v != "" {
		policy.OnError = schema.ErrorPolicy(v)
		found = true
	}
	if !found {
		return nil
	}
	return policy
}

func flowTypeDefaults(flow *schema.FlowDefinition, nodeType string) *schema.RuntimePolicy {
	if flow == nil || flow.RunPolicy == nil {
		return nil
	}
	defaults, ok := flow.RunPolicy.NodeDefaults[nodeType]
	if !ok {
		return nil
	}
	return &defaults
}

func builtinDefaults() schema.RuntimePolicy {
	timeout := DefaultTimeoutMs
	retries := DefaultRetryCount
	backoff := DefaultRetryBackoffMs
	return schema.RuntimePolicy{
		TimeoutMs:      &timeout,
		RetryCount:     &retries,
		RetryBackoffMs: &backoff,
		OnError:        DefaultOnError,
	}
}

func deref(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func configInt(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
