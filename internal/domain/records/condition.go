package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthlink/medevents/internal/domain/terminology"
	"github.com/healthlink/medevents/internal/infrastructure/postgres"
)

// ConditionInput is the normalized shape a condition arrives in.
type ConditionInput struct {
	resourceID
	Context            *terminology.Reference    `json:"context,omitempty"`
	Code               terminology.ConceptInput  `json:"code"`
	ClinicalStatus     string                    `json:"clinicalStatus"`
	VerificationStatus string                    `json:"verificationStatus"`
	Severity           *terminology.ConceptInput `json:"severity,omitempty"`
	ReportOrigin       *terminology.ConceptInput `json:"reportOrigin,omitempty"`
	Asserter           *terminology.Reference    `json:"asserter,omitempty"`
	PrimarySource      bool                      `json:"primarySource"`
	OnsetDate          *time.Time                `json:"onsetDate,omitempty"`
	AssertedDate       *time.Time                `json:"assertedDate,omitempty"`
	Evidences          []EvidenceInput           `json:"evidences,omitempty"`
}

// EvidenceInput carries evidence codes and/or detail references.
type EvidenceInput struct {
	Codes   []terminology.ConceptInput `json:"codes,omitempty"`
	Details []terminology.Reference    `json:"details,omitempty"`
}

// Condition is a reconstructed condition tree.
type Condition struct {
	ID                 int64                        `json:"-"`
	UUID               string                       `json:"id"`
	Context            *terminology.Identifier      `json:"context,omitempty"`
	Code               *terminology.CodeableConcept `json:"code,omitempty"`
	ClinicalStatus     string                       `json:"clinicalStatus"`
	VerificationStatus string                       `json:"verificationStatus"`
	Severity           *terminology.CodeableConcept `json:"severity,omitempty"`
	ReportOrigin       *terminology.CodeableConcept `json:"reportOrigin,omitempty"`
	Asserter           *terminology.Identifier      `json:"asserter,omitempty"`
	PrimarySource      bool                         `json:"primarySource"`
	OnsetDate          *time.Time                   `json:"onsetDate,omitempty"`
	AssertedDate       *time.Time                   `json:"assertedDate,omitempty"`
	Evidences          []ConditionEvidence          `json:"evidences,omitempty"`
	InsertedAt         time.Time                    `json:"insertedAt"`
}

// ConditionEvidence is one evidence row: a code or a detail reference.
type ConditionEvidence struct {
	Code   *terminology.CodeableConcept `json:"code,omitempty"`
	Detail *terminology.Identifier      `json:"detail,omitempty"`
}

// ConditionRepo persists conditions and their evidences.
type ConditionRepo struct {
	pool   *pgxpool.Pool
	terms  *terminology.Store
	logger *zap.Logger
}

// NewConditionRepo creates a condition repository.
func NewConditionRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *ConditionRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConditionRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of conditions in one transaction. Partial failure
// rolls back the whole batch.
func (r *ConditionRepo) Store(ctx context.Context, parent ParentLink, inputs []ConditionInput) error {
	if len(inputs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range inputs {
		if _, err := r.storeOne(ctx, tx, parent, in); err != nil {
			r.logger.Error("store condition failed",
				zap.String("resource", "condition"),
				zap.String("uuid", in.uuid()),
				zap.Error(err))
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConditionRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in ConditionInput) (int64, error) {
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return 0, err
	}
	codeID, err := storeConceptID(ctx, tx, r.terms, &in.Code)
	if err != nil {
		return 0, err
	}
	severityID, err := storeConceptID(ctx, tx, r.terms, in.Severity)
	if err != nil {
		return 0, err
	}
	reportOriginID, err := storeConceptID(ctx, tx, r.terms, in.ReportOrigin)
	if err != nil {
		return 0, err
	}

	// The asserter is only meaningful for primary-source records.
	var asserterID *int64
	if in.PrimarySource {
		if asserterID, err = storeReferenceID(ctx, tx, r.terms, in.Asserter); err != nil {
			return 0, err
		}
	}

	encounterID, encounterUUID := parent.columns()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conditions
			(uuid, encounter_id, encounter_internal_id, context_identifier_id, code_id,
			 clinical_status, verification_status, severity_id, report_origin_id,
			 asserter_identifier_id, primary_source, onset_date, asserted_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, contextID, codeID,
		in.ClinicalStatus, in.VerificationStatus, severityID, reportOriginID,
		asserterID, in.PrimarySource, in.OnsetDate, in.AssertedDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert condition: %w", err)
	}

	for _, evidence := range in.Evidences {
		for _, code := range evidence.Codes {
			evidenceCodeID, err := storeConceptID(ctx, tx, r.terms, &code)
			if err != nil {
				return 0, err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO condition_evidences (condition_id, code_id) VALUES ($1, $2)`,
				id, evidenceCodeID,
			); err != nil {
				return 0, fmt.Errorf("insert condition evidence code: %w", err)
			}
		}
		for _, detail := range evidence.Details {
			detailID, err := storeReferenceID(ctx, tx, r.terms, &detail)
			if err != nil {
				return 0, err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO condition_evidences (condition_id, detail_identifier_id) VALUES ($1, $2)`,
				id, detailID,
			); err != nil {
				return 0, fmt.Errorf("insert condition evidence detail: %w", err)
			}
		}
	}

	if err := writeSubmissionEntry(ctx, tx, "condition", in.uuid(), in); err != nil {
		return 0, err
	}
	return id, nil
}

// storeBackfill inserts a minimal condition fetched from the eHealth API so
// later reference resolution can find it locally.
func (r *ConditionRepo) storeBackfill(ctx context.Context, tx pgx.Tx, rc *RemoteCondition) error {
	codeID, err := storeConceptID(ctx, tx, r.terms, &rc.Code)
	if err != nil {
		return err
	}
	contextID, err := storeReferenceID(ctx, tx, r.terms, rc.Context)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conditions (uuid, context_identifier_id, code_id, primary_source, onset_date)
		VALUES ($1, $2, $3, false, $4)`,
		rc.ID, contextID, codeID, rc.OnsetDate,
	)
	if err != nil {
		return fmt.Errorf("insert backfilled condition: %w", err)
	}
	return nil
}

func (r *ConditionRepo) existsByUUID(ctx context.Context, q postgres.Querier, uuid string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conditions WHERE uuid = $1)`, uuid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("condition exists: %w", err)
	}
	return exists, nil
}

// Get reconstructs every condition stored under the given encounter.
func (r *ConditionRepo) Get(ctx context.Context, encounterID int64) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, uuid, context_identifier_id, code_id, clinical_status,
		       verification_status, severity_id, report_origin_id,
		       asserter_identifier_id, primary_source, onset_date, asserted_date,
		       inserted_at
		FROM conditions
		WHERE encounter_id = $1
		ORDER BY id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	var (
		conditions   []Condition
		ids          []int64
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int][4]*int64{}
		identityRefs = map[int][2]*int64{}
	)
	for rows.Next() {
		var (
			c                             Condition
			contextID, codeID, severityID *int64
			reportOriginID, asserterID    *int64
		)
		if err := rows.Scan(&c.ID, &c.UUID, &contextID, &codeID, &c.ClinicalStatus,
			&c.VerificationStatus, &severityID, &reportOriginID,
			&asserterID, &c.PrimarySource, &c.OnsetDate, &c.AssertedDate,
			&c.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		idx := len(conditions)
		conceptRefs[idx] = [4]*int64{codeID, severityID, reportOriginID, nil}
		identityRefs[idx] = [2]*int64{contextID, asserterID}
		conceptIDs = appendID(appendID(appendID(conceptIDs, codeID), severityID), reportOriginID)
		identityIDs = appendID(appendID(identityIDs, contextID), asserterID)
		ids = append(ids, c.ID)
		conditions = append(conditions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	evidences, evidenceConceptIDs, evidenceIdentityIDs, err := r.loadEvidences(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, evidenceConceptIDs...)
	identityIDs = append(identityIDs, evidenceIdentityIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range conditions {
		refs := conceptRefs[i]
		idents := identityRefs[i]
		conditions[i].Code = concept(concepts, refs[0])
		conditions[i].Severity = concept(concepts, refs[1])
		conditions[i].ReportOrigin = concept(concepts, refs[2])
		conditions[i].Context = identifier(identifiers, idents[0])
		conditions[i].Asserter = identifier(identifiers, idents[1])
		for _, ev := range evidences[conditions[i].ID] {
			conditions[i].Evidences = append(conditions[i].Evidences, ConditionEvidence{
				Code:   concept(concepts, ev.codeID),
				Detail: identifier(identifiers, ev.detailID),
			})
		}
	}
	return conditions, nil
}

type evidenceRow struct {
	codeID   *int64
	detailID *int64
}

func (r *ConditionRepo) loadEvidences(ctx context.Context, conditionIDs []int64) (map[int64][]evidenceRow, []int64, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT condition_id, code_id, detail_identifier_id
		FROM condition_evidences
		WHERE condition_id = ANY($1)
		ORDER BY id`, conditionIDs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query condition evidences: %w", err)
	}
	defer rows.Close()

	out := map[int64][]evidenceRow{}
	var conceptIDs, identityIDs []int64
	for rows.Next() {
		var conditionID int64
		var ev evidenceRow
		if err := rows.Scan(&conditionID, &ev.codeID, &ev.detailID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan condition evidence: %w", err)
		}
		conceptIDs = appendID(conceptIDs, ev.codeID)
		identityIDs = appendID(identityIDs, ev.detailID)
		out[conditionID] = append(out[conditionID], ev)
	}
	return out, conceptIDs, identityIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID used when another
// resource references a condition. A miss returns (nil, nil).
func (r *ConditionRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, code_id FROM conditions WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find condition ref: %w", err)
	}
	if codeID != nil {
		concepts, err := r.terms.LoadConcepts(ctx, r.pool, []int64{*codeID})
		if err != nil {
			return nil, err
		}
		ref.Code = concepts[*codeID]
	}
	return ref, nil
}
