package assistant

import (
	"encoding/json"
	"strings"
)

// The model signals side-band data through fixed text markers layered on top
// of free-text output. Objective lines are matched per line, case-sensitive;
// entity blocks are a marker followed by one JSON array or object. Malformed
// JSON after a marker is swallowed and that block stays empty.
const (
	objectiveMarker = "USER_OBJECTIVE:"
	createdMarker   = "CREATED:"
	updatedMarker   = "UPDATED:"
	deletedMarker   = "DELETED:"
)

type directives struct {
	Objectives []string
	Created    []EntityChange
	Updated    []EntityChange
	Deleted    []EntityChange
}

func extractDirectives(text string) directives {
	return directives{
		Objectives: extractObjectives(text),
		Created:    extractEntityBlock(text, createdMarker),
		Updated:    extractEntityBlock(text, updatedMarker),
		Deleted:    extractEntityBlock(text, deletedMarker),
	}
}

func extractObjectives(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), objectiveMarker)
		if !ok {
			continue
		}
		if v := strings.TrimSpace(rest); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func extractEntityBlock(text, marker string) []EntityChange {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(text[idx+len(marker):]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	return normalizeEntities(raw)
}

// normalizeEntities accepts a JSON array of objects or a single object and
// returns a list either way.
func normalizeEntities(raw json.RawMessage) []EntityChange {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	switch trimmed[0] {
	case '[':
		var list []EntityChange
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil
		}
		return list
	case '{':
		var single EntityChange
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		return []EntityChange{single}
	default:
		return nil
	}
}
