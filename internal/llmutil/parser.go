// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
)

// fencedObjectRegex extracts a JSON object wrapped in a markdown code fence.
// \x60 is a backtick; raw strings cannot contain one.
var fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// ParseToolArguments decodes the raw argument text a model attached to a
// tool call into a field map. Empty input yields an empty map. Markdown
// fences and surrounding chatter are stripped, and malformed JSON is run
// through a repair pass before giving up.
func ParseToolArguments(raw string) (map[string]any, error) {
	text := extractObject(strings.TrimSpace(raw))
	if text == "" {
		return map[string]any{}, nil
	}

	args, err := decodeObject(text)
	if err == nil {
		return args, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(text)
	if repairErr != nil {
		return nil, fmt.Errorf("tool arguments are not valid JSON: %w. Raw (truncated): %s", err, truncateString(raw, 200))
	}
	args, err = decodeObject(repaired)
	if err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object after repair: %w. Raw (truncated): %s", err, truncateString(raw, 200))
	}
	return args, nil
}

func decodeObject(text string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, err
	}
	if args == nil {
		// "null" decodes to a nil map.
		args = map[string]any{}
	}
	return args, nil
}

// extractObject narrows text down to the outermost JSON object, if any.
func extractObject(text string) string {
	if strings.HasPrefix(text, "```") {
		if m := fencedObjectRegex.FindStringSubmatch(text); len(m) > 1 {
			return m[1]
		}
		return text
	}
	if strings.HasPrefix(text, "{") {
		return text
	}
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first != -1 && last > first {
		return text[first : last+1]
	}
	return text
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
