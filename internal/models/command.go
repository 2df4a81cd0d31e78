package models

import "time"

type CommandKind string

const (
	CommandCaptchaRequired   CommandKind = "captcha-required"
	CommandSessionTerminated CommandKind = "session-terminated"
)

// Command is one enforcement message pushed to a session channel.
type Command struct {
	ID          string      `json:"id"`
	Kind        CommandKind `json:"type"`
	SessionID   string      `json:"session_id"`
	Message     string      `json:"message"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// EnforcementRecord is the audit entry for an accepted command.
type EnforcementRecord struct {
	CommandID   string      `json:"command_id"`
	Kind        CommandKind `json:"kind"`
	SessionID   string      `json:"session_id"`
	Hostname    string      `json:"hostname"`
	Operator    string      `json:"operator"`
	RedirectURL string      `json:"redirect_url,omitempty"`
	Delivered   int         `json:"delivered"`
	Trigger     string      `json:"trigger"`
	Timestamp   time.Time   `json:"timestamp"`
}
