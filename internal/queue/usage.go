package queue

// extractUsage pulls a best-effort token usage reading out of a parsed
// agent_result.json payload, matching the "usage" object shape common
// to CLI coding agents: {"usage": {"input_tokens": N, "output_tokens": N}}.
// Returns nil pointers and an empty source when no such object is present.
func extractUsage(payload map[string]any) (inputTokens, outputTokens *int64, source string) {
	if payload == nil {
		return nil, nil, ""
	}
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		return nil, nil, ""
	}
	in := readTokenCount(usage, "input_tokens", "prompt_tokens")
	out := readTokenCount(usage, "output_tokens", "completion_tokens")
	if in == nil && out == nil {
		return nil, nil, ""
	}
	return in, out, "agent_result.usage"
}

func readTokenCount(usage map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		raw, ok := usage[key]
		if !ok {
			continue
		}
		f, ok := raw.(float64)
		if !ok {
			continue
		}
		v := int64(f)
		return &v
	}
	return nil
}

// estimateCostUSD applies a flat per-million-token rate to a token
// usage reading; both rates default to 0, which yields a nil estimate
// (no pricing configured) rather than a misleading $0.00.
func estimateCostUSD(inputTokens, outputTokens *int64, inputRatePerMillion, outputRatePerMillion float64) *float64 {
	if inputTokens == nil && outputTokens == nil {
		return nil
	}
	if inputRatePerMillion == 0 && outputRatePerMillion == 0 {
		return nil
	}
	var cost float64
	if inputTokens != nil {
		cost += float64(*inputTokens) / 1_000_000 * inputRatePerMillion
	}
	if outputTokens != nil {
		cost += float64(*outputTokens) / 1_000_000 * outputRatePerMillion
	}
	return &cost
}
