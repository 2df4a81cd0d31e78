package verdict

import (
	"encoding/json"
	"strings"

	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

var suspiciousClickMarkers = []string{"eval(", "document.write", "script"}

// SuspiciousURLs returns the distinct event URLs worth submitting for a
// verdict, in first-seen order.
func SuspiciousURLs(events []models.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ev := range events {
		if !util.ContainsSuspicious(ev.URL) {
			continue
		}
		if _, ok := seen[ev.URL]; ok {
			continue
		}
		seen[ev.URL] = struct{}{}
		out = append(out, ev.URL)
	}
	return out
}

// SuspiciousInteractions returns the recorded click payloads whose target
// looks like injected script.
func SuspiciousInteractions(events []models.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.ClickData == "" {
			continue
		}
		var click struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal([]byte(ev.ClickData), &click); err != nil {
			continue
		}
		for _, m := range suspiciousClickMarkers {
			if strings.Contains(click.Target, m) {
				out = append(out, ev.ClickData)
				break
			}
		}
	}
	return out
}
