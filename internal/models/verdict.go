package models

// Verdict is a threat-intelligence result for a previously submitted artifact.
type Verdict struct {
	SubmissionID string  `json:"submission_id,omitempty"`
	Artifact     string  `json:"artifact"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
	SessionID    string  `json:"session_id,omitempty"`
	Hostname     string  `json:"hostname,omitempty"`
}

const (
	ArtifactURL            = "url"
	ArtifactDOMInteraction = "dom_interaction"
)
