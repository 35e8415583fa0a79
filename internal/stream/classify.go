package stream

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/vibetrade/agentgateway/internal/agent"
	"github.com/vibetrade/agentgateway/internal/protocol"
)

// Classify maps an agent event onto the public event set. ok is false for
// events that carry nothing to show.
func Classify(ev agent.Event) (protocol.StreamEvent, bool) {
	switch e := ev.(type) {
	case agent.ReasoningDelta:
		if e.Text == "" {
			return protocol.StreamEvent{}, false
		}
		return protocol.StreamEvent{Type: protocol.EventReasoning, Content: e.Text}, true
	case agent.ToolCall:
		return protocol.StreamEvent{
			Type:            protocol.EventToolCall,
			Content:         "Using " + e.Name,
			ToolName:        e.Name,
			ToolDescription: DescribeToolCall(e.Name, e.Arguments),
		}, true
	case agent.TextDelta:
		if e.Text == "" {
			return protocol.StreamEvent{}, false
		}
		return protocol.StreamEvent{Type: protocol.EventMessageChunk, Content: e.Text}, true
	default:
		return protocol.StreamEvent{}, false
	}
}

// DescribeToolCall renders a tool invocation as a short sentence for the UI.
func DescribeToolCall(name, arguments string) string {
	var args map[string]any
	_ = json.Unmarshal([]byte(arguments), &args)
	str := func(key, fallback string) string {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}

	switch name {
	case "get_archetypes":
		return "Retrieving available trading archetypes"
	case "get_archetype_schema":
		return "Getting details for " + str("type", "archetype")
	case "create_card":
		kind := "trading"
		if t := str("type", ""); strings.Contains(t, ".") {
			kind = t[strings.LastIndex(t, ".")+1:]
		}
		return "Creating a " + kind + " card"
	case "create_strategy":
		return "Creating strategy: " + str("name", "Unnamed")
	case "attach_card":
		return "Attaching card to strategy"
	case "get_strategy":
		return "Retrieving strategy details"
	}
	return "Using " + titleWords(strings.ReplaceAll(name, "_", " "))
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
