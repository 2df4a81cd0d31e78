package models

import "time"

const (
	RuleActionTerminate = "terminate"
	RuleActionCaptcha   = "captcha"

	RuleSourceManual  = "manual"
	RuleSourceVerdict = "verdict"
)

// Rule is one version of a detection rule. Rules sharing an ID form the
// audit trail; only the highest version is current.
type Rule struct {
	ID           int64     `json:"id" db:"id"`
	Hostname     string    `json:"hostname" db:"hostname"`
	Name         string    `json:"name" db:"name"`
	Condition    string    `json:"rule" db:"rule"`
	Action       string    `json:"action" db:"action"`
	ActionTime   int       `json:"action_time" db:"action_time"`
	Version      int       `json:"version" db:"version"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	Source       string    `json:"source" db:"source"`
	Description  string    `json:"description,omitempty" db:"description"`
	CreationTime time.Time `json:"creation_time" db:"creation_time"`
	LastEditTime time.Time `json:"last_edit_time" db:"last_edit_time"`
}

// RuleInput carries the operator-editable fields of a rule. On edit, nil
// pointers and empty strings keep the current value; pointer fields can be
// set to their zero value.
type RuleInput struct {
	Name        string  `json:"name"`
	Condition   string  `json:"rule"`
	Action      string  `json:"action"`
	ActionTime  *int    `json:"action_time,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Description *string `json:"description,omitempty"`
	Source      string  `json:"-"`
}
