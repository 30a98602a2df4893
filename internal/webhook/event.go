package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is a webhook delivery after normalisation: the raw payload plus the
// derived routing fields.
type Event struct {
	Type    string
	Action  string
	Payload map[string]any
	Labels  []string
}

// RouteKey returns the primary routing key for the event.
func (e *Event) RouteKey() string {
	if e.Action == "" {
		return e.Type
	}
	return e.Type + ":" + e.Action
}

// parseEvent builds an Event from the raw body and the provider event header.
func parseEvent(header string, body []byte) (*Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook body: %w", err)
	}

	ev := &Event{
		Type:    normalizeEventType(header, payload),
		Payload: payload,
	}
	ev.Action = deriveAction(ev.Type, payload)
	ev.Labels = extractLabels(payload)
	payload["labels"] = ev.Labels
	return ev, nil
}

// normalizeEventType turns a provider event header like "Merge Request Hook"
// into the canonical snake_case type ("merge_request"). When the header is
// absent it falls back to the payload's object_kind field.
func normalizeEventType(header string, payload map[string]any) string {
	t := strings.ToLower(strings.TrimSpace(header))
	if t == "" {
		t, _ = payload["object_kind"].(string)
	}
	t = strings.TrimSpace(strings.TrimSuffix(t, "hook"))
	t = strings.ReplaceAll(t, " ", "_")
	return strings.Trim(t, "_")
}

// deriveAction picks the sub-action field appropriate for the event type.
// Pipelines carry a status, notes a noteable type, and everything else an
// action under object_attributes.
func deriveAction(eventType string, payload map[string]any) string {
	attrs, _ := payload["object_attributes"].(map[string]any)
	if attrs == nil {
		return ""
	}
	var v string
	switch eventType {
	case "pipeline":
		v, _ = attrs["status"].(string)
	case "note":
		v, _ = attrs["noteable_type"].(string)
	default:
		v, _ = attrs["action"].(string)
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// extractLabels normalises the provider's label list to plain strings. Labels
// appear either top-level or under object_attributes, as strings or as
// objects with a title field.
func extractLabels(payload map[string]any) []string {
	raw, ok := payload["labels"].([]any)
	if !ok {
		if attrs, ok2 := payload["object_attributes"].(map[string]any); ok2 {
			raw, _ = attrs["labels"].([]any)
		}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if title, ok := v["title"].(string); ok {
				out = append(out, title)
			}
		}
	}
	return out
}

// projectRef returns the repository reference carried in the payload, either
// the project path or its numeric id.
func projectRef(payload map[string]any) string {
	if proj, ok := payload["project"].(map[string]any); ok {
		if path, ok := proj["path_with_namespace"].(string); ok && path != "" {
			return path
		}
		if id, ok := proj["id"].(float64); ok {
			return fmt.Sprintf("%.0f", id)
		}
	}
	if repo, ok := payload["repository"].(map[string]any); ok {
		if full, ok := repo["full_name"].(string); ok && full != "" {
			return full
		}
	}
	return ""
}

// condContextFor assembles the fields a routing condition can see.
func condContextFor(ev *Event, autonomyMode string) condContext {
	cc := condContext{
		Labels:       ev.Labels,
		AutonomyMode: autonomyMode,
		Action:       ev.Action,
	}
	if attrs, ok := ev.Payload["object_attributes"].(map[string]any); ok {
		cc.TargetBranch, _ = attrs["target_branch"].(string)
		cc.NoteBody, _ = attrs["note"].(string)
		cc.NoteableType, _ = attrs["noteable_type"].(string)
	}
	return cc
}
