// Package agentout recovers structured output blocks from coding-agent
// stdout. Agents are asked to print a JSON (or YAML) object as part of their
// output, but the object arrives wrapped in logs, markdown fences, or with
// minor syntax damage. Extraction scans for the first balanced block whose
// top-level keys match what the caller expects, repairing near-JSON along
// the way, and never fails hard: callers get ok=false and decide how to
// recover.
package agentout

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"gopkg.in/yaml.v3"
)

// Flavor selects the structured output format an adapter's agent emits.
type Flavor string

const (
	FlavorJSON Flavor = "json"
	FlavorYAML Flavor = "yaml"
)

var fencedRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_-]*)[ \t]*\n(.*?)```")

// Extract returns the first structured block in text that carries every
// requiredKey at the top level. Candidates are tried in order: fenced code
// blocks, then raw balanced objects (JSON flavor) or whole-text YAML (YAML
// flavor). A YAML-flavored extraction falls back to the JSON path, since
// agents frequently emit JSON regardless of what they were asked for.
func Extract(text string, flavor Flavor, requiredKeys ...string) (map[string]any, bool) {
	if flavor == FlavorYAML {
		if m, ok := extractYAML(text, requiredKeys); ok {
			return m, true
		}
	}
	return extractJSON(text, requiredKeys)
}

func extractJSON(text string, requiredKeys []string) (map[string]any, bool) {
	for _, block := range fencedBlocks(text, "json", "") {
		if m, ok := tryJSON(block); ok && hasKeys(m, requiredKeys) {
			return m, true
		}
	}
	for _, candidate := range balancedObjects(text) {
		if m, ok := tryJSON(candidate); ok && hasKeys(m, requiredKeys) {
			return m, true
		}
	}
	return nil, false
}

func extractYAML(text string, requiredKeys []string) (map[string]any, bool) {
	for _, block := range fencedBlocks(text, "yaml", "yml") {
		if m, ok := tryYAML(block); ok && hasKeys(m, requiredKeys) {
			return m, true
		}
	}
	if m, ok := tryYAML(text); ok && hasKeys(m, requiredKeys) {
		return m, true
	}
	return nil, false
}

// fencedBlocks returns the bodies of markdown code fences whose language
// tag is one of langs ("" matches untagged fences).
func fencedBlocks(text string, langs ...string) []string {
	var blocks []string
	for _, match := range fencedRe.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(match[1])
		for _, want := range langs {
			if lang == want {
				blocks = append(blocks, match[2])
				break
			}
		}
	}
	return blocks
}

// balancedObjects returns every balanced {...} span in text, earliest start
// first, so outer objects are tried before the objects nested inside them.
func balancedObjects(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if end := balancedEnd(text, i); end > i {
			out = append(out, text[i:end+1])
		}
	}
	return out
}

// balancedEnd walks from the '{' at start and returns the index of its
// matching '}', skipping braces inside string literals. -1 when unbalanced.
func balancedEnd(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// tryJSON parses candidate strictly first, then once more after running it
// through jsonrepair (trailing commas, single quotes, unquoted keys).
func tryJSON(candidate string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err == nil && m != nil {
		return m, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func tryYAML(candidate string) (map[string]any, bool) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(candidate), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func hasKeys(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// decodeInto round-trips a generic map into a typed struct through JSON
// tags. YAML-sourced maps decode the same way.
func decodeInto(m map[string]any, out any) bool {
	b, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}
