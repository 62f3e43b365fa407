package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/store"
)

// maxSummaryPrompts caps how many prompt texts the summary carries; the
// newest ones win.
const maxSummaryPrompts = 100

// Summary is the condensed view of an event window handed to the
// analyzer. It keeps the signal (what was asked, which tools ran in what
// order, what failed) without replaying every event verbatim.
type Summary struct {
	Prompts       []PromptEntry `json:"prompts"`
	ToolSequences []string      `json:"tool_sequences"`
	Errors        []ErrorEntry  `json:"errors"`
	SessionCount  int           `json:"session_count"`
	ToolTotal     int           `json:"tool_total"`
}

// PromptEntry is one user prompt in the summary.
type PromptEntry struct {
	Timestamp string `json:"ts"`
	Text      string `json:"text"`
	Project   string `json:"project,omitempty"`
}

// ErrorEntry is one tool failure in the summary.
type ErrorEntry struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
	Raw   string `json:"raw,omitempty"`
}

type summaryToolPayload struct {
	Tool     string `json:"tool"`
	Error    string `json:"error"`
	ErrorRaw string `json:"error_raw"`
}

type summaryPromptPayload struct {
	Text string `json:"text"`
}

// Summarize condenses a chronological event window into a Summary.
// Events with unparseable payloads are skipped.
func Summarize(events []*store.Event) *Summary {
	sum := &Summary{}

	// session id -> tool names in order of use
	sessionTools := make(map[string][]string)
	var sessionOrder []string

	for _, ev := range events {
		switch ev.Type {
		case store.EventPrompt:
			var p summaryPromptPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			sum.Prompts = append(sum.Prompts, PromptEntry{
				Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
				Text:      p.Text,
				Project:   ev.Project,
			})
		case store.EventToolUse:
			var p summaryToolPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if _, seen := sessionTools[ev.SessionID]; !seen {
				sessionOrder = append(sessionOrder, ev.SessionID)
			}
			sessionTools[ev.SessionID] = append(sessionTools[ev.SessionID], p.Tool)
			sum.ToolTotal++
		case store.EventToolError:
			var p summaryToolPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			sum.Errors = append(sum.Errors, ErrorEntry{
				Tool:  p.Tool,
				Error: p.Error,
				Raw:   p.ErrorRaw,
			})
		case store.EventSessionSummary:
			sum.SessionCount++
		}
	}

	if len(sum.Prompts) > maxSummaryPrompts {
		sum.Prompts = sum.Prompts[len(sum.Prompts)-maxSummaryPrompts:]
	}
	for _, sid := range sessionOrder {
		sum.ToolSequences = append(sum.ToolSequences, strings.Join(sessionTools[sid], " -> "))
	}
	return sum
}

// BuildPrompt renders the analyzer prompt for a scope's window.
func BuildPrompt(sum *Summary, scopeKey string, windowDays int) (string, error) {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing window summary: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the last %d days of tool-session activity for scope %q.\n", windowDays, scopeKey)
	b.WriteString("Identify recurring prompt patterns, repeated failures, and tool\n")
	b.WriteString("sequences that resolved them. Suggest reusable improvements.\n\n")
	b.WriteString("Window summary:\n")
	b.Write(data)
	b.WriteString("\n")
	return b.String(), nil
}
