package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/healthlink/medevents/internal/domain/terminology"
	"github.com/healthlink/medevents/internal/infrastructure/postgres"
	"github.com/healthlink/medevents/internal/infrastructure/redpanda"
)

// RemoteCondition is the slice of a condition the eHealth API returns for
// backfilling a reference that is not stored locally yet.
type RemoteCondition struct {
	ID        string                   `json:"id"`
	Code      terminology.ConceptInput `json:"code"`
	Context   *terminology.Reference   `json:"context,omitempty"`
	OnsetDate *time.Time               `json:"onset_date,omitempty"`
}

// RemoteObservation is the observation counterpart of RemoteCondition.
type RemoteObservation struct {
	ID       string                   `json:"id"`
	Code     terminology.ConceptInput `json:"code"`
	Context  *terminology.Reference   `json:"context,omitempty"`
	IssuedAt *time.Time               `json:"issued,omitempty"`
}

// RemoteRecords fetches resources from the eHealth platform. Used only for
// best-effort backfill; failures are logged and swallowed, never surfaced.
type RemoteRecords interface {
	ConditionByID(ctx context.Context, uuid string) (*RemoteCondition, error)
	ObservationByID(ctx context.Context, uuid string) (*RemoteObservation, error)
}

// storeConceptID persists an optional concept and returns its row id.
func storeConceptID(ctx context.Context, tx pgx.Tx, terms *terminology.Store, in *terminology.ConceptInput) (*int64, error) {
	if in == nil {
		return nil, nil
	}
	concept, err := terms.StoreCodeableConcept(ctx, tx, *in)
	if err != nil {
		return nil, err
	}
	return &concept.ID, nil
}

// storeReferenceID persists an optional reference (identifier plus type)
// and returns the identifier row id.
func storeReferenceID(ctx context.Context, tx pgx.Tx, terms *terminology.Store, ref *terminology.Reference) (*int64, error) {
	if ref == nil {
		return nil, nil
	}
	ident, err := terms.StoreReference(ctx, tx, *ref)
	if err != nil {
		return nil, err
	}
	return &ident.ID, nil
}

// writeSubmissionEntry records the stored resource in the transactional
// outbox so the relay hands it to the submission pipeline. Runs in the same
// transaction as the resource rows.
func writeSubmissionEntry(ctx context.Context, tx pgx.Tx, resourceType, uuid string, payload any) error {
	body, err := json.Marshal(struct {
		Type     string `json:"type"`
		ID       string `json:"id"`
		Resource any    `json:"resource"`
	}{resourceType, uuid, payload})
	if err != nil {
		return fmt.Errorf("marshal submission payload: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   uuid,
		AggregateType: resourceType,
		EventType:     resourceType + ".recorded",
		Payload:       body,
		Topic:         redpanda.TopicSubmissions,
		Key:           uuid,
	})
}

// appendID collects non-nil ids for batch value-object loading.
func appendID(ids []int64, id *int64) []int64 {
	if id != nil {
		ids = append(ids, *id)
	}
	return ids
}

func concept(m map[int64]*terminology.CodeableConcept, id *int64) *terminology.CodeableConcept {
	if id == nil {
		return nil
	}
	return m[*id]
}

func identifier(m map[int64]*terminology.Identifier, id *int64) *terminology.Identifier {
	if id == nil {
		return nil
	}
	return m[*id]
}
