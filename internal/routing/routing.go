// Package routing resolves the (agent, profile, model, command_template)
// tuple used to execute one LLM task, and freezes it into task metadata
// at enqueue time.
package routing

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the frozen routing payload's schema version.
const SchemaVersion = 1

// SupportedAgents lists the LLM CLI agents the backend knows how to invoke.
var SupportedAgents = map[string]bool{"claude": true, "codex": true, "gemini": true}

// SupportedProfiles lists the model tiers a task can be routed to.
var SupportedProfiles = map[string]bool{"fast": true, "quality": true}

// ResolvedBy identifies whether routing was fixed at enqueue time or
// recomputed by the worker as a fallback.
type ResolvedBy string

// ResolvedBy values.
const (
	ResolvedByEnqueue       ResolvedBy = "enqueue"
	ResolvedByWorkerFallback ResolvedBy = "worker_fallback"
)

// Frozen is the resolved, immutable routing payload embedded in
// task_input.metadata.routing.
type Frozen struct {
	SchemaVersion   int        `json:"schema_version"`
	Agent           string     `json:"agent"`
	Profile         string     `json:"profile"`
	Model           string     `json:"model"`
	CommandTemplate string     `json:"command_template"`
	ResolvedAt      string     `json:"resolved_at"`
	ResolvedBy      ResolvedBy `json:"resolved_by"`
}

// Defaults is the settings snapshot used for enqueue-time routing and
// worker-side fallback resolution.
type Defaults struct {
	DefaultAgent       string
	TaskTypeProfileMap map[string]string // task_type -> profile, lowercased keys
	CommandTemplates   map[string]string // agent -> template
	Models             map[string]map[string]string // agent -> profile -> model id
}

// Validate checks that every agent has a non-empty command template and
// every (agent, profile) has a non-empty model id.
func (d Defaults) Validate() error {
	if !SupportedAgents[normalize(d.DefaultAgent)] {
		return fmt.Errorf("unsupported default agent: %q", d.DefaultAgent)
	}
	for agent, template := range d.CommandTemplates {
		if strings.TrimSpace(template) == "" {
			return fmt.Errorf("empty command template for agent=%q", agent)
		}
		if !strings.Contains(template, "{prompt}") && !strings.Contains(template, "{prompt_file}") {
			return fmt.Errorf("command template for agent=%q must carry the prompt via {prompt} or {prompt_file}", agent)
		}
	}
	for agent, profiles := range d.Models {
		for profile, model := range profiles {
			if !SupportedProfiles[profile] {
				return fmt.Errorf("unsupported profile=%q for agent=%q", profile, agent)
			}
			if strings.TrimSpace(model) == "" {
				return fmt.Errorf("empty model id for agent=%q, profile=%q", agent, profile)
			}
		}
	}
	return nil
}

// Overrides carries optional per-enqueue routing overrides.
type Overrides struct {
	Agent   *string
	Profile *string
	Model   *string
}

// ResolveForEnqueue resolves and freezes routing at enqueue time.
func ResolveForEnqueue(defaults Defaults, taskType string, overrides Overrides, now time.Time) (Frozen, error) {
	agent := defaults.DefaultAgent
	if overrides.Agent != nil {
		agent = *overrides.Agent
	}
	agent = normalize(agent)
	if !SupportedAgents[agent] {
		return Frozen{}, fmt.Errorf("unsupported LLM agent: %q. Use codex, claude, or gemini", agent)
	}

	profile := defaults.TaskTypeProfileMap[strings.ToLower(strings.TrimSpace(taskType))]
	if profile == "" {
		profile = "fast"
	}
	if overrides.Profile != nil {
		profile = *overrides.Profile
	}
	profile = normalize(profile)
	if !SupportedProfiles[profile] {
		return Frozen{}, fmt.Errorf("unsupported model profile: %q. Use one of fast, quality", profile)
	}

	model := defaults.Models[agent][profile]
	if overrides.Model != nil {
		model = strings.TrimSpace(*overrides.Model)
	}
	if model == "" {
		return Frozen{}, fmt.Errorf("resolved model is empty for agent=%q, profile=%q", agent, profile)
	}

	template := strings.TrimSpace(defaults.CommandTemplates[agent])
	if template == "" {
		return Frozen{}, fmt.Errorf("resolved command template is empty for agent=%q", agent)
	}

	return Frozen{
		SchemaVersion:   SchemaVersion,
		Agent:           agent,
		Profile:         profile,
		Model:           model,
		CommandTemplate: template,
		ResolvedAt:      now.UTC().Format(time.RFC3339Nano),
		ResolvedBy:      ResolvedByEnqueue,
	}, nil
}

// ResolveForExecution returns the frozen routing carried in task input
// metadata, or a deterministic worker-side fallback plus a non-empty
// reason when the metadata is missing or malformed.
func ResolveForExecution(rawRouting map[string]any, taskType string, defaults Defaults, now time.Time) (Frozen, string) {
	if rawRouting != nil {
		if parsed, ok := parseFrozen(rawRouting); ok {
			return parsed, ""
		}
		fallback, err := ResolveForEnqueue(defaults, taskType, Overrides{}, now)
		if err != nil {
			// Defaults were validated at startup; this should not happen,
			// but surfaces as an empty frozen routing rather than a panic.
			return Frozen{}, fmt.Sprintf("task_input.metadata.routing is invalid and fallback resolution failed: %v", err)
		}
		fallback.ResolvedBy = ResolvedByWorkerFallback
		return fallback, "task_input.metadata.routing is invalid; applied deterministic fallback"
	}

	fallback, err := ResolveForEnqueue(defaults, taskType, Overrides{}, now)
	if err != nil {
		return Frozen{}, fmt.Sprintf("task_input.metadata.routing is missing and fallback resolution failed: %v", err)
	}
	fallback.ResolvedBy = ResolvedByWorkerFallback
	return fallback, "task_input.metadata.routing is missing; applied deterministic fallback"
}

func parseFrozen(raw map[string]any) (Frozen, bool) {
	schemaVersion, ok := raw["schema_version"].(float64)
	if !ok || int(schemaVersion) != SchemaVersion {
		return Frozen{}, false
	}
	agent, ok := stringField(raw, "agent")
	if !ok {
		return Frozen{}, false
	}
	agent = normalize(agent)
	if !SupportedAgents[agent] {
		return Frozen{}, false
	}
	profile, ok := stringField(raw, "profile")
	if !ok {
		return Frozen{}, false
	}
	profile = normalize(profile)
	if !SupportedProfiles[profile] {
		return Frozen{}, false
	}
	model, ok := stringField(raw, "model")
	if !ok {
		return Frozen{}, false
	}
	template, ok := stringField(raw, "command_template")
	if !ok {
		return Frozen{}, false
	}
	resolvedAt, ok := stringField(raw, "resolved_at")
	if !ok {
		return Frozen{}, false
	}
	resolvedBy, ok := stringField(raw, "resolved_by")
	if !ok {
		return Frozen{}, false
	}
	return Frozen{
		SchemaVersion:   SchemaVersion,
		Agent:           agent,
		Profile:         profile,
		Model:           model,
		CommandTemplate: template,
		ResolvedAt:      resolvedAt,
		ResolvedBy:      ResolvedBy(resolvedBy),
	}, true
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
