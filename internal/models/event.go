package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingSessionID = errors.New("session_id is required")
	ErrMissingHostname  = errors.New("hostname is required")
)

// Event is one normalized navigation event as delivered by ingestion.
type Event struct {
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	URL           string    `json:"url" db:"url"`
	Referrer      string    `json:"referrer" db:"referrer"`
	IPAddress     string    `json:"ip" db:"ip_address"`
	UserAgent     string    `json:"userAgent" db:"user_agent"`
	Platform      string    `json:"platform" db:"platform"`
	Language      string    `json:"language" db:"language"`
	Hostname      string    `json:"hostname" db:"hostname"`
	SessionID     string    `json:"session_id" db:"session_id"`
	BrowserID     string    `json:"browser_id" db:"browser_id"`
	FingerprintID string    `json:"fingerprint_id" db:"fingerprint_id"`
	ClickData     string    `json:"clickData,omitempty" db:"clickdata"`

	// Resolved by the geolocation capability, empty when unknown.
	Country string `json:"country,omitempty" db:"country"`
	Region  string `json:"region,omitempty" db:"region"`
	City    string `json:"city,omitempty" db:"city"`
}

// Validate checks the fields every downstream component relies on.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return ErrMissingSessionID
	}
	if strings.TrimSpace(e.Hostname) == "" {
		return ErrMissingHostname
	}
	return nil
}

// GeoKey returns the (country,region,city) tuple as a single comparable
// value, or "" when the event carries no location.
func (e *Event) GeoKey() string {
	if e.Country == "" && e.Region == "" && e.City == "" {
		return ""
	}
	return e.Country + "|" + e.Region + "|" + e.City
}
