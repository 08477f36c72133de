// Package validator implements the task-type-parameterized output
// contract validation for agent results.
package validator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/andgineer/news-recap/internal/models"
)

// recapTaskTypes map each recap_ task type to the top-level key its
// output must carry. Strict source mapping is not enforced for these
// and success never creates citation snapshots.
var recapTaskTypes = map[string]string{
	"recap_classify":     "articles",
	"recap_enrich":       "enriched",
	"recap_group":        "events",
	"recap_enrich_full":  "enriched",
	"recap_synthesize":   "status",
	"recap_compose":      "theme_blocks",
}

// Result is the outcome of validating one task's output.
type Result struct {
	IsValid      bool
	FailureClass *models.FailureClass
	ErrorSummary string
	Payload      map[string]any
}

// Validate validates output_path against the contract for taskType.
// allowedSourceIDs is the per-task allowed set drawn from the articles
// index; it is ignored for recap_ task types.
func Validate(taskType string, outputPath string, allowedSourceIDs map[string]bool) Result {
	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return invalidJSON(fmt.Sprintf("output file not found: %s", outputPath))
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return invalidJSON(fmt.Sprintf("output is not valid JSON: %v", err))
	}

	if key, ok := recapTaskTypes[taskType]; ok {
		if _, present := payload[key]; !present {
			return invalidJSON(fmt.Sprintf("output missing required key %q for task type %q", key, taskType))
		}
		return Result{IsValid: true, Payload: payload}
	}

	return validateDefault(payload, allowedSourceIDs)
}

func validateDefault(payload map[string]any, allowedSourceIDs map[string]bool) Result {
	rawBlocks, ok := payload["blocks"]
	if !ok {
		return invalidJSON("output must contain blocks array")
	}
	blocks, ok := rawBlocks.([]any)
	if !ok {
		return invalidJSON("output must contain blocks array")
	}
	if len(blocks) == 0 {
		return invalidJSON("output blocks array must be non-empty")
	}

	for index, rawBlock := range blocks {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			return invalidJSON(fmt.Sprintf("blocks[%d] must be an object", index))
		}
		text, ok := block["text"].(string)
		_ = text
		if !ok {
			return invalidJSON(fmt.Sprintf("blocks[%d].text must be a string", index))
		}
		rawSourceIDs, ok := block["source_ids"].([]any)
		if !ok || len(rawSourceIDs) == 0 {
			return sourceMappingFailed(fmt.Sprintf("blocks[%d] has empty or missing source_ids", index))
		}

		var unknown []string
		for _, rawID := range rawSourceIDs {
			id, ok := rawID.(string)
			if !ok || !allowedSourceIDs[id] {
				unknown = append(unknown, fmt.Sprint(rawID))
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return sourceMappingFailed(fmt.Sprintf("blocks[%d] contains unknown source_ids: %v", index, unknown))
		}
	}

	return Result{IsValid: true, Payload: payload}
}

func invalidJSON(summary string) Result {
	class := models.FailureClassOutputInvalidJSON
	return Result{IsValid: false, FailureClass: &class, ErrorSummary: summary}
}

func sourceMappingFailed(summary string) Result {
	class := models.FailureClassSourceMappingFailed
	return Result{IsValid: false, FailureClass: &class, ErrorSummary: summary}
}

// ExtractOrderedBlockSourceIDs returns the distinct source_ids appearing
// in any block of a validated default-contract payload, in block order,
// deduplicated on first occurrence. Used to build citation snapshots.
func ExtractOrderedBlockSourceIDs(payload map[string]any) []string {
	rawBlocks, _ := payload["blocks"].([]any)
	seen := make(map[string]bool)
	var ordered []string
	for _, rawBlock := range rawBlocks {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		rawSourceIDs, _ := block["source_ids"].([]any)
		for _, rawID := range rawSourceIDs {
			id, ok := rawID.(string)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	return ordered
}
