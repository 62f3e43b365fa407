package embedding

// Wire protocol: each connection carries exactly one newline-terminated
// JSON request and receives exactly one JSON response, then the
// connection closes. There is no framing beyond the newline and no
// connection reuse.

// Actions understood by the daemon.
const (
	ActionHealth = "health"
	ActionEmbed  = "embed"
)

// Request is one client request.
type Request struct {
	Action string   `json:"action"`
	Texts  []string `json:"texts,omitempty"`
}

// healthResponse answers a health probe.
type healthResponse struct {
	Status string `json:"status"`
}

// embedResponse carries one entry per input text, in input order. An
// entry is null when the text was empty/whitespace or the model produced
// a non-finite vector.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// errorResponse reports a malformed or unrecognized request.
type errorResponse struct {
	Error string `json:"error"`
}

// Response is the client-side view of any daemon reply.
type Response struct {
	Status     string      `json:"status,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Error      string      `json:"error,omitempty"`
}
