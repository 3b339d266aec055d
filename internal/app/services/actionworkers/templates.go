package actionworkers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

// maxRenderedLength is the maximum length of a rendered template; longer
// output is truncated with an ellipsis.
const maxRenderedLength = 4096

// whitelist is the fixed, per-registry set of template variables. It is
// read-mostly and constructed once at package init.
var whitelist = map[event.Registry]map[string]bool{
	event.RegistryReputation: set("agent_id", "client_address", "score", "tag1", "tag2", "file_uri", "file_hash", "feedback_index", "block_number", "timestamp", "file_content", "event_type"),
	event.RegistryIdentity:   set("agent_id", "client_address", "tag1", "tag2", "file_uri", "file_hash", "block_number", "timestamp", "file_content", "event_type"),
	event.RegistryValidation: set("agent_id", "validator_address", "score", "file_uri", "file_hash", "block_number", "timestamp", "file_content", "event_type"),
}

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// TemplateVars builds the whitelisted variable substitution map for evt.
// fileContent, when non-empty, is only exposed if the registry's whitelist
// includes "file_content" (it always does; callers decide whether to
// populate it after a successful hash verification).
func TemplateVars(evt event.Event, fileContent string) map[string]string {
	vars := map[string]string{
		"event_type":   evt.EventType,
		"block_number": strconv.FormatInt(evt.BlockNumber, 10),
		"timestamp":    evt.BlockTimestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if evt.AgentID != nil {
		vars["agent_id"] = strconv.FormatInt(*evt.AgentID, 10)
	}
	if evt.ClientAddress != nil {
		vars["client_address"] = *evt.ClientAddress
	}
	if evt.Score != nil {
		vars["score"] = strconv.Itoa(*evt.Score)
	}
	if evt.Tag1 != nil {
		vars["tag1"] = *evt.Tag1
	}
	if evt.Tag2 != nil {
		vars["tag2"] = *evt.Tag2
	}
	if evt.FileURI != nil {
		vars["file_uri"] = *evt.FileURI
	}
	if evt.FileHash != nil {
		vars["file_hash"] = *evt.FileHash
	}
	if evt.ValidatorAddress != nil {
		vars["validator_address"] = *evt.ValidatorAddress
	}
	if idx, ok := evt.Payload["feedback_index"]; ok {
		vars["feedback_index"] = fmt.Sprintf("%v", idx)
	}
	if fileContent != "" {
		vars["file_content"] = fileContent
	}
	return vars
}

// RenderResult carries the rendered string plus any unknown-placeholder
// warnings, which callers log but never treat as fatal.
type RenderResult struct {
	Text     string
	Warnings []string
}

// Render substitutes {{var}} placeholders in tpl using vars, restricted to
// registry's whitelist. Unknown or non-whitelisted placeholders render as
// empty and produce a warning. Output longer than maxRenderedLength is
// truncated with an ellipsis.
func Render(tpl string, registry event.Registry, vars map[string]string) RenderResult {
	allowed := whitelist[registry]
	var warnings []string

	var out strings.Builder
	i := 0
	for i < len(tpl) {
		start := strings.Index(tpl[i:], "{{")
		if start < 0 {
			out.WriteString(tpl[i:])
			break
		}
		start += i
		out.WriteString(tpl[i:start])

		end := strings.Index(tpl[start:], "}}")
		if end < 0 {
			out.WriteString(tpl[start:])
			break
		}
		end += start

		name := strings.TrimSpace(tpl[start+2 : end])
		if allowed[name] {
			out.WriteString(vars[name])
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown or non-whitelisted placeholder %q", name))
		}
		i = end + 2
	}

	text := out.String()
	if len(text) > maxRenderedLength {
		text = text[:maxRenderedLength-len("…")] + "…"
	}
	return RenderResult{Text: text, Warnings: warnings}
}
