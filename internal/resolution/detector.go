// Package resolution mines a session's event timeline to discover which
// later action fixed an earlier failure, and writes the discovered fixes
// into the knowledge base.
package resolution

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/knowledge"
	"github.com/fyrsmithlabs/recalld/internal/normalize"
	"github.com/fyrsmithlabs/recalld/internal/store"
)

const (
	// windowSize is how many recent session events the detector scans.
	windowSize = 50

	// maxToolsBetween caps the recorded tool sequence between a failure
	// and its resolving success.
	maxToolsBetween = 5

	// maxPromptContext caps the recorded prompt excerpt, in runes.
	maxPromptContext = 200
)

// Recorder writes discovered fixes. Implemented by *knowledge.Service.
type Recorder interface {
	RecordResolution(ctx context.Context, key string, res knowledge.Resolution) error
}

// EventSource reads a session's recent timeline. Implemented by *store.Store.
type EventSource interface {
	SessionEvents(ctx context.Context, sessionID string, limit int) ([]*store.Event, error)
}

// Report describes what one detection pass found. Detection is advisory:
// per-failure problems land in Degraded and never abort the pass.
type Report struct {
	// SameTool is the normalized key resolved by a same-tool write, if any.
	SameTool string

	// CrossTool lists normalized keys resolved by cross-tool writes.
	CrossTool []string

	Degraded []string
}

// Detector correlates failures with later successes in a session.
type Detector struct {
	events   EventSource
	recorder Recorder
	logger   *zap.Logger
}

// NewDetector creates a detector over the given event source and recorder.
func NewDetector(events EventSource, recorder Recorder, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{events: events, recorder: recorder, logger: logger.Named("resolution")}
}

// toolPayload is the shape shared by tool_use and tool_error events.
type toolPayload struct {
	Tool  string `json:"tool"`
	Error string `json:"error,omitempty"`
}

type promptPayload struct {
	Text string `json:"text"`
}

// OnToolSuccess runs after a tool success event for the given session
// has been recorded. It scans the last events of the session oldest to
// newest and performs same-tool and cross-tool detection.
func (d *Detector) OnToolSuccess(ctx context.Context, sessionID, tool string) Report {
	var report Report
	if sessionID == "" || tool == "" {
		report.Degraded = append(report.Degraded, "missing session or tool")
		return report
	}

	events, err := d.events.SessionEvents(ctx, sessionID, windowSize)
	if err != nil {
		report.Degraded = append(report.Degraded, fmt.Sprintf("loading session events: %v", err))
		return report
	}
	// SessionEvents returns newest first; detection walks oldest to newest.
	reverse(events)

	d.detectSameTool(ctx, events, sessionID, tool, &report)
	d.detectCrossTool(ctx, events, sessionID, tool, &report)
	return report
}

// detectSameTool finds the most recent failure of the succeeding tool
// and records it as resolved.
func (d *Detector) detectSameTool(ctx context.Context, events []*store.Event, sessionID, tool string, report *Report) {
	successIdx := lastToolUse(events, tool)
	if successIdx < 0 {
		// Window may not include the triggering event yet; anchor at
		// the end so the failure scan still covers the whole window.
		successIdx = len(events)
	}

	failureIdx := -1
	var failure toolPayload
	for i := successIdx - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != store.EventToolError {
			continue
		}
		var p toolPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			report.Degraded = append(report.Degraded, fmt.Sprintf("event %d: malformed payload: %v", ev.ID, err))
			continue
		}
		if p.Tool == tool {
			failureIdx = i
			failure = p
			break
		}
	}
	if failureIdx < 0 {
		return
	}

	key := normalize.Normalize(failure.Error)
	if key == "" {
		report.Degraded = append(report.Degraded, fmt.Sprintf("event %d: error text normalized to empty", events[failureIdx].ID))
		return
	}

	res := knowledge.Resolution{
		ResolvedBy:    knowledge.ResolvedSameTool,
		Tool:          tool,
		ToolSequence:  toolsBetween(events, failureIdx, successIdx),
		PromptContext: promptBefore(events, successIdx),
		ErrorRaw:      failure.Error,
		SessionID:     sessionID,
	}
	if err := d.recorder.RecordResolution(ctx, key, res); err != nil {
		report.Degraded = append(report.Degraded, fmt.Sprintf("recording same-tool fix: %v", err))
		return
	}
	d.logger.Debug("recorded same-tool resolution",
		zap.String("tool", tool),
		zap.String("key", key))
	report.SameTool = key
}

// detectCrossTool re-examines other tools' failures: when another tool
// failed, later succeeded, and the current tool ran in between, the
// current tool gets credit as the helper. These writes overwrite earlier
// same-tool writes for the same key, since this pass runs later with
// more complete information.
func (d *Detector) detectCrossTool(ctx context.Context, events []*store.Event, sessionID, tool string, report *Report) {
	for i, ev := range events {
		if ev.Type != store.EventToolError {
			continue
		}
		var failure toolPayload
		if err := json.Unmarshal(ev.Payload, &failure); err != nil {
			// Already reported by the same-tool pass when it scanned
			// this far; skip quietly.
			continue
		}
		if failure.Tool == "" || failure.Tool == tool {
			continue
		}

		successIdx := nextToolUse(events, i+1, failure.Tool)
		if successIdx < 0 {
			continue
		}
		if !toolRanBetween(events, i, successIdx, tool) {
			continue
		}

		key := normalize.Normalize(failure.Error)
		if key == "" {
			report.Degraded = append(report.Degraded, fmt.Sprintf("event %d: error text normalized to empty", ev.ID))
			continue
		}

		res := knowledge.Resolution{
			ResolvedBy:    knowledge.ResolvedCrossTool,
			Tool:          failure.Tool,
			HelpingTool:   tool,
			ToolSequence:  toolsBetween(events, i, successIdx),
			PromptContext: promptBefore(events, successIdx),
			ErrorRaw:      failure.Error,
			SessionID:     sessionID,
		}
		if err := d.recorder.RecordResolution(ctx, key, res); err != nil {
			report.Degraded = append(report.Degraded, fmt.Sprintf("recording cross-tool fix: %v", err))
			continue
		}
		d.logger.Debug("recorded cross-tool resolution",
			zap.String("tool", failure.Tool),
			zap.String("helping_tool", tool),
			zap.String("key", key))
		report.CrossTool = append(report.CrossTool, key)
	}
}

// lastToolUse returns the index of the newest tool_use of the named tool.
func lastToolUse(events []*store.Event, tool string) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != store.EventToolUse {
			continue
		}
		var p toolPayload
		if json.Unmarshal(events[i].Payload, &p) == nil && p.Tool == tool {
			return i
		}
	}
	return -1
}

// nextToolUse returns the index of the first tool_use of the named tool
// at or after from.
func nextToolUse(events []*store.Event, from int, tool string) int {
	for i := from; i < len(events); i++ {
		if events[i].Type != store.EventToolUse {
			continue
		}
		var p toolPayload
		if json.Unmarshal(events[i].Payload, &p) == nil && p.Tool == tool {
			return i
		}
	}
	return -1
}

// toolsBetween collects tool names from tool_use events strictly between
// the two indexes, capped at maxToolsBetween.
func toolsBetween(events []*store.Event, failureIdx, successIdx int) []string {
	var tools []string
	end := successIdx
	if end > len(events) {
		end = len(events)
	}
	for i := failureIdx + 1; i < end && len(tools) < maxToolsBetween; i++ {
		if events[i].Type != store.EventToolUse {
			continue
		}
		var p toolPayload
		if json.Unmarshal(events[i].Payload, &p) == nil && p.Tool != "" {
			tools = append(tools, p.Tool)
		}
	}
	return tools
}

// toolRanBetween reports whether the named tool appears in tool_use
// events strictly between the two indexes.
func toolRanBetween(events []*store.Event, failureIdx, successIdx int, tool string) bool {
	for i := failureIdx + 1; i < successIdx && i < len(events); i++ {
		if events[i].Type != store.EventToolUse {
			continue
		}
		var p toolPayload
		if json.Unmarshal(events[i].Payload, &p) == nil && p.Tool == tool {
			return true
		}
	}
	return false
}

// promptBefore returns the most recent prompt text preceding the index,
// truncated for storage.
func promptBefore(events []*store.Event, before int) string {
	for i := before - 1; i >= 0; i-- {
		if events[i].Type != store.EventPrompt {
			continue
		}
		var p promptPayload
		if json.Unmarshal(events[i].Payload, &p) == nil && p.Text != "" {
			return truncate(p.Text, maxPromptContext)
		}
	}
	return ""
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func reverse(events []*store.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
