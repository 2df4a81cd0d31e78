package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"traffic-prism/internal/models"
	"traffic-prism/internal/risk"
)

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// dailyAssessment is one session's score over one calendar day.
type dailyAssessment struct {
	Day string `json:"day"`
	models.RiskAssessment
}

type recomputer struct {
	events  risk.EventStore
	scorer  *risk.Service
	out     io.Writer
	indexer DocumentIndexer
	index   string
	logger  *zap.Logger
}

// run rescores the tenant one UTC day at a time and returns the number of
// assessments written.
func (r *recomputer) run(ctx context.Context, hostname string, first time.Time, days int) (int, error) {
	enc := json.NewEncoder(r.out)
	written := 0

	for d := 0; d < days; d++ {
		start := first.AddDate(0, 0, d)
		end := start.AddDate(0, 0, 1)
		day := start.Format(dateOnly)

		events, err := r.events.TenantEvents(ctx, hostname, start, end)
		if err != nil {
			return written, fmt.Errorf("failed to load events for %s: %w", day, err)
		}

		results, err := r.scorer.RecomputeBatch(ctx, risk.GroupSessions(events))
		if err != nil {
			return written, fmt.Errorf("recompute %s: %w", day, err)
		}
		risk.SortAssessments(results)

		for _, a := range results {
			rec := dailyAssessment{Day: day, RiskAssessment: a}
			if err := enc.Encode(rec); err != nil {
				return written, fmt.Errorf("failed to write assessment: %w", err)
			}
			if r.indexer != nil {
				id := fmt.Sprintf("%s:%s:%s", a.Hostname, a.SessionID, day)
				if err := r.indexer.IndexDocument(ctx, r.index, id, rec); err != nil {
					r.logger.Warn("Failed to index assessment", zap.String("id", id), zap.Error(err))
				}
			}
			written++
		}

		r.logger.Info("Day recomputed",
			zap.String("hostname", hostname),
			zap.String("day", day),
			zap.Int("events", len(events)),
			zap.Int("sessions", len(results)))
	}
	return written, nil
}
