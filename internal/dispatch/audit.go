package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"traffic-prism/internal/models"
)

// DocumentStore is satisfied by *client.ESClient.
type DocumentStore interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
	Search(ctx context.Context, index string, query map[string]interface{}, target interface{}) error
}

// MessageProducer is satisfied by *client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// ElasticsearchAudit indexes one document per command, keyed by command id.
type ElasticsearchAudit struct {
	store DocumentStore
	index string
}

func NewElasticsearchAudit(store DocumentStore, index string) *ElasticsearchAudit {
	return &ElasticsearchAudit{store: store, index: index}
}

func (a *ElasticsearchAudit) Record(ctx context.Context, rec models.EnforcementRecord) error {
	if err := a.store.IndexDocument(ctx, a.index, rec.CommandID, rec); err != nil {
		return fmt.Errorf("failed to index enforcement record: %w", err)
	}
	return nil
}

// Recent returns the tenant's latest enforcement records, newest first.
func (a *ElasticsearchAudit) Recent(ctx context.Context, hostname string, limit int) ([]models.EnforcementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"term": map[string]interface{}{"hostname.keyword": hostname},
		},
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}

	var res struct {
		Hits struct {
			Hits []struct {
				Source models.EnforcementRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := a.store.Search(ctx, a.index, query, &res); err != nil {
		return nil, fmt.Errorf("failed to search enforcement records: %w", err)
	}

	records := make([]models.EnforcementRecord, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		records = append(records, hit.Source)
	}
	return records, nil
}

// KafkaAudit publishes each record to a topic keyed by session id.
type KafkaAudit struct {
	producer MessageProducer
	topic    string
}

func NewKafkaAudit(producer MessageProducer, topic string) *KafkaAudit {
	return &KafkaAudit{producer: producer, topic: topic}
}

func (a *KafkaAudit) Record(ctx context.Context, rec models.EnforcementRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode enforcement record: %w", err)
	}
	headers := map[string]string{
		"kind":     string(rec.Kind),
		"hostname": rec.Hostname,
	}
	if err := a.producer.ProduceMessage(ctx, a.topic, []byte(rec.SessionID), payload, headers); err != nil {
		return fmt.Errorf("failed to publish enforcement record: %w", err)
	}
	return nil
}

// MultiAudit fans a record out to every sink and joins their errors.
type MultiAudit []AuditSink

func (m MultiAudit) Record(ctx context.Context, rec models.EnforcementRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
