package knowledge

import "encoding/json"

// Resolution tags describing how a fix was discovered.
const (
	// ResolvedSameTool marks a fix where the failing tool later
	// succeeded in the same session.
	ResolvedSameTool = "same_tool"

	// ResolvedCrossTool marks a fix where a different tool's action
	// enabled the failing tool's later success. Cross-tool writes
	// supersede same-tool writes for the same key: they are discovered
	// on a later pass with more complete information.
	ResolvedCrossTool = "cross_tool"
)

// Resolution is the fix payload stored against a normalized key.
// It is serialized into KnowledgeEntry.Resolution; consumers that cannot
// parse it fall back to displaying the raw text verbatim.
type Resolution struct {
	ResolvedBy    string   `json:"resolved_by"`
	Tool          string   `json:"tool"`
	ToolSequence  []string `json:"tool_sequence"`
	PromptContext string   `json:"prompt_context,omitempty"`
	HelpingTool   string   `json:"helping_tool,omitempty"`
	ErrorRaw      string   `json:"error_raw,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// Encode serializes the resolution payload.
func (r Resolution) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeResolution parses a stored fix payload. ok is false when the
// payload is not structured data, in which case callers display raw
// verbatim.
func DecodeResolution(raw string) (res Resolution, ok bool) {
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Resolution{}, false
	}
	return res, true
}

// encodeToolSequence serializes the ordered list of tools used between
// a failure and its resolving success.
func encodeToolSequence(tools []string) (string, error) {
	if len(tools) == 0 {
		return "", nil
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeToolSequence parses a stored tool sequence. Empty input yields
// an empty sequence.
func DecodeToolSequence(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tools []string
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Stage identifies which matching stage produced a hit.
type Stage string

const (
	StageExact  Stage = "exact"
	StagePrefix Stage = "prefix"
	StageVector Stage = "vector"
)

// Confidence tiers for vector-stage matches. Exact and prefix hits are
// always high confidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)
