// Package verdict turns confident threat-intelligence verdicts into
// terminate rules in the ledger.
package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
)

const DefaultThreshold = 0.8

var ErrUnknownTenant = errors.New("verdict tenant could not be resolved")

// RuleCreator is satisfied by *ledger.Service.
type RuleCreator interface {
	Create(ctx context.Context, hostname string, in models.RuleInput) (models.Rule, error)
}

// SessionLocator resolves the tenant of the session a verdict came from.
type SessionLocator interface {
	SessionHostname(ctx context.Context, sessionID string) (string, error)
}

type Processor struct {
	rules     RuleCreator
	locator   SessionLocator
	threshold float64
	logger    *zap.Logger
}

func NewProcessor(rules RuleCreator, locator SessionLocator, threshold float64, logger *zap.Logger) *Processor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Processor{rules: rules, locator: locator, threshold: threshold, logger: logger}
}

// Process creates a rule for a verdict above the confidence threshold.
// created is false when the verdict is below threshold or yields no pattern.
func (p *Processor) Process(ctx context.Context, v models.Verdict) (rule models.Rule, created bool, err error) {
	if v.Confidence <= p.threshold {
		metrics.VerdictsTotal.WithLabelValues("below_threshold").Inc()
		return models.Rule{}, false, nil
	}

	pattern := Pattern(v)
	if pattern == "" {
		metrics.VerdictsTotal.WithLabelValues("no_pattern").Inc()
		p.logger.Debug("Verdict yields no pattern",
			zap.String("type", v.Type),
			zap.String("submission_id", v.SubmissionID))
		return models.Rule{}, false, nil
	}

	tenant, err := p.tenant(ctx, v)
	if err != nil {
		metrics.VerdictsTotal.WithLabelValues("no_tenant").Inc()
		p.logger.Warn("Dropping verdict without a tenant",
			zap.String("submission_id", v.SubmissionID),
			zap.String("session_id", v.SessionID),
			zap.Error(err))
		return models.Rule{}, false, err
	}

	description := fmt.Sprintf("Automatically created from threat verdict: %v", v.Confidence)
	rule, err = p.rules.Create(ctx, tenant, models.RuleInput{
		Name:        "Threat Verdict Auto Rule - " + randomSuffix(),
		Condition:   Condition(pattern),
		Action:      models.RuleActionTerminate,
		Description: &description,
		Source:      models.RuleSourceVerdict,
	})
	if err != nil {
		metrics.VerdictsTotal.WithLabelValues("error").Inc()
		return models.Rule{}, false, fmt.Errorf("failed to create verdict rule: %w", err)
	}

	metrics.VerdictsTotal.WithLabelValues("rule_created").Inc()
	p.logger.Info("Verdict rule created",
		zap.Int64("rule_id", rule.ID),
		zap.String("hostname", tenant),
		zap.Float64("confidence", v.Confidence))
	return rule, true, nil
}

// HandleMessage consumes one JSON verdict from Kafka. Undecodable payloads
// are logged and skipped.
func (p *Processor) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var v models.Verdict
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		metrics.VerdictsTotal.WithLabelValues("malformed").Inc()
		p.logger.Warn("Skipping malformed verdict message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	_, _, err := p.Process(ctx, v)
	if errors.Is(err, ErrUnknownTenant) {
		return nil
	}
	return err
}

func (p *Processor) tenant(ctx context.Context, v models.Verdict) (string, error) {
	if v.Hostname != "" {
		return v.Hostname, nil
	}
	if v.SessionID == "" || p.locator == nil {
		return "", ErrUnknownTenant
	}
	h, err := p.locator.SessionHostname(ctx, v.SessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownTenant, err)
	}
	if h == "" {
		return "", ErrUnknownTenant
	}
	return h, nil
}

// Pattern extracts the matchable part of a verdict artifact: host and path
// for URLs, the target (or innerHTML) of a DOM interaction.
func Pattern(v models.Verdict) string {
	switch v.Type {
	case models.ArtifactURL:
		u, err := url.Parse(strings.TrimSpace(v.Artifact))
		if err != nil || u.Host == "" {
			return ""
		}
		return u.Hostname() + u.EscapedPath()
	case models.ArtifactDOMInteraction:
		var interaction struct {
			Target    string `json:"target"`
			InnerHTML string `json:"innerHTML"`
		}
		if err := json.Unmarshal([]byte(v.Artifact), &interaction); err != nil {
			return ""
		}
		if interaction.Target != "" {
			return interaction.Target
		}
		return interaction.InnerHTML
	default:
		return ""
	}
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, "'", `\'`)

// Condition renders a contains-url rule, escaping backslashes and single
// quotes.
func Condition(pattern string) string {
	return "contains(url, '" + literalEscaper.Replace(pattern) + "')"
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
