package models

import "errors"

// ErrTenantRequired is returned before any tenant-scoped query is issued
// for an operator with no hostname on file.
var ErrTenantRequired = errors.New("tenant hostname is required")

// Operator is a dashboard user acting on behalf of one tenant.
type Operator struct {
	Username string `json:"username" db:"username"`
	Hostname string `json:"hostname" db:"hostname"`
}

// SystemOperator acts for inline rule enforcement.
const SystemOperator = "system:rules"
