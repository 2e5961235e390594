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

// ObservationInput is the normalized shape an observation arrives in.
type ObservationInput struct {
	resourceID
	Context         *terminology.Reference     `json:"context,omitempty"`
	Code            terminology.ConceptInput   `json:"code"`
	Status          string                     `json:"status"`
	Categories      []terminology.ConceptInput `json:"categories,omitempty"`
	EffectivePeriod *Period                    `json:"effectivePeriod,omitempty"`
	Issued          *time.Time                 `json:"issued,omitempty"`
	PrimarySource   bool                       `json:"primarySource"`
	Performer       *terminology.Reference     `json:"performer,omitempty"`
	ReportOrigin    *terminology.ConceptInput  `json:"reportOrigin,omitempty"`
	Interpretation  *terminology.ConceptInput  `json:"interpretation,omitempty"`
	BodySite        *terminology.ConceptInput  `json:"bodySite,omitempty"`
	Method          *terminology.ConceptInput  `json:"method,omitempty"`
	ValueString     *string                    `json:"valueString,omitempty"`
	ValueQuantity   *float64                   `json:"valueQuantity,omitempty"`
	ValueUnit       *string                    `json:"valueUnit,omitempty"`
}

// Observation is a reconstructed observation. The 1:1 effective-period
// child row is flattened into Start/End here and never exposed separately.
type Observation struct {
	ID              int64                          `json:"-"`
	UUID            string                         `json:"id"`
	Context         *terminology.Identifier        `json:"context,omitempty"`
	Code            *terminology.CodeableConcept   `json:"code,omitempty"`
	Status          string                         `json:"status"`
	Categories      []*terminology.CodeableConcept `json:"categories,omitempty"`
	EffectivePeriod *Period                        `json:"effectivePeriod,omitempty"`
	Issued          *time.Time                     `json:"issued,omitempty"`
	PrimarySource   bool                           `json:"primarySource"`
	Performer       *terminology.Identifier        `json:"performer,omitempty"`
	ReportOrigin    *terminology.CodeableConcept   `json:"reportOrigin,omitempty"`
	Interpretation  *terminology.CodeableConcept   `json:"interpretation,omitempty"`
	BodySite        *terminology.CodeableConcept   `json:"bodySite,omitempty"`
	Method          *terminology.CodeableConcept   `json:"method,omitempty"`
	ValueString     *string                        `json:"valueString,omitempty"`
	ValueQuantity   *float64                       `json:"valueQuantity,omitempty"`
	ValueUnit       *string                        `json:"valueUnit,omitempty"`
	InsertedAt      time.Time                      `json:"insertedAt"`
}

// ObservationRepo persists observations.
type ObservationRepo struct {
	pool   *pgxpool.Pool
	terms  *terminology.Store
	logger *zap.Logger
}

// NewObservationRepo creates an observation repository.
func NewObservationRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *ObservationRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservationRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of observations in one transaction.
func (r *ObservationRepo) Store(ctx context.Context, parent ParentLink, inputs []ObservationInput) error {
	if len(inputs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range inputs {
		if err := r.storeOne(ctx, tx, parent, in); err != nil {
			r.logger.Error("store observation failed",
				zap.String("resource", "observation"),
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

func (r *ObservationRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in ObservationInput) error {
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return err
	}
	codeID, err := storeConceptID(ctx, tx, r.terms, &in.Code)
	if err != nil {
		return err
	}
	performerID, err := storeReferenceID(ctx, tx, r.terms, in.Performer)
	if err != nil {
		return err
	}
	reportOriginID, err := storeConceptID(ctx, tx, r.terms, in.ReportOrigin)
	if err != nil {
		return err
	}
	interpretationID, err := storeConceptID(ctx, tx, r.terms, in.Interpretation)
	if err != nil {
		return err
	}
	bodySiteID, err := storeConceptID(ctx, tx, r.terms, in.BodySite)
	if err != nil {
		return err
	}
	methodID, err := storeConceptID(ctx, tx, r.terms, in.Method)
	if err != nil {
		return err
	}

	encounterID, encounterUUID := parent.columns()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO observations
			(uuid, encounter_id, encounter_internal_id, context_identifier_id, code_id,
			 status, issued, primary_source, performer_identifier_id, report_origin_id,
			 interpretation_id, body_site_id, method_id, value_string, value_quantity, value_unit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, contextID, codeID,
		in.Status, in.Issued, in.PrimarySource, performerID, reportOriginID,
		interpretationID, bodySiteID, methodID, in.ValueString, in.ValueQuantity, in.ValueUnit,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	if in.EffectivePeriod != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO observation_effective_periods (observation_id, start_at, end_at) VALUES ($1, $2, $3)`,
			id, in.EffectivePeriod.Start, in.EffectivePeriod.End,
		); err != nil {
			return fmt.Errorf("insert observation effective period: %w", err)
		}
	}

	for _, category := range in.Categories {
		categoryID, err := storeConceptID(ctx, tx, r.terms, &category)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO observation_categories (observation_id, codeable_concept_id) VALUES ($1, $2)`,
			id, categoryID,
		); err != nil {
			return fmt.Errorf("insert observation category: %w", err)
		}
	}

	return writeSubmissionEntry(ctx, tx, "observation", in.uuid(), in)
}

// storeBackfill inserts a minimal observation fetched from the eHealth API.
func (r *ObservationRepo) storeBackfill(ctx context.Context, tx pgx.Tx, ro *RemoteObservation) error {
	codeID, err := storeConceptID(ctx, tx, r.terms, &ro.Code)
	if err != nil {
		return err
	}
	contextID, err := storeReferenceID(ctx, tx, r.terms, ro.Context)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO observations (uuid, context_identifier_id, code_id, status, primary_source, issued)
		VALUES ($1, $2, $3, 'valid', false, $4)`,
		ro.ID, contextID, codeID, ro.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert backfilled observation: %w", err)
	}
	return nil
}

func (r *ObservationRepo) existsByUUID(ctx context.Context, q postgres.Querier, uuid string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM observations WHERE uuid = $1)`, uuid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("observation exists: %w", err)
	}
	return exists, nil
}

// Get reconstructs every observation stored under the given encounter.
func (r *ObservationRepo) Get(ctx context.Context, encounterID int64) ([]Observation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, o.uuid, o.context_identifier_id, o.code_id, o.status, o.issued,
		       o.primary_source, o.performer_identifier_id, o.report_origin_id,
		       o.interpretation_id, o.body_site_id, o.method_id,
		       o.value_string, o.value_quantity, o.value_unit, o.inserted_at,
		       p.start_at, p.end_at
		FROM observations o
		LEFT JOIN observation_effective_periods p ON p.observation_id = o.id
		WHERE o.encounter_id = $1
		ORDER BY o.id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var (
		observations []Observation
		ids          []int64
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int][5]*int64{}
		identityRefs = map[int][2]*int64{}
	)
	for rows.Next() {
		var (
			o                                Observation
			contextID, codeID, performerID   *int64
			reportOriginID, interpretationID *int64
			bodySiteID, methodID             *int64
			periodStart, periodEnd           *time.Time
		)
		if err := rows.Scan(&o.ID, &o.UUID, &contextID, &codeID, &o.Status, &o.Issued,
			&o.PrimarySource, &performerID, &reportOriginID,
			&interpretationID, &bodySiteID, &methodID,
			&o.ValueString, &o.ValueQuantity, &o.ValueUnit, &o.InsertedAt,
			&periodStart, &periodEnd); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if periodStart != nil || periodEnd != nil {
			o.EffectivePeriod = &Period{Start: periodStart, End: periodEnd}
		}
		idx := len(observations)
		conceptRefs[idx] = [5]*int64{codeID, reportOriginID, interpretationID, bodySiteID, methodID}
		identityRefs[idx] = [2]*int64{contextID, performerID}
		conceptIDs = appendID(appendID(appendID(appendID(appendID(conceptIDs,
			codeID), reportOriginID), interpretationID), bodySiteID), methodID)
		identityIDs = appendID(appendID(identityIDs, contextID), performerID)
		ids = append(ids, o.ID)
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, nil
	}

	categories, categoryConceptIDs, err := r.loadCategories(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, categoryConceptIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range observations {
		refs := conceptRefs[i]
		idents := identityRefs[i]
		observations[i].Code = concept(concepts, refs[0])
		observations[i].ReportOrigin = concept(concepts, refs[1])
		observations[i].Interpretation = concept(concepts, refs[2])
		observations[i].BodySite = concept(concepts, refs[3])
		observations[i].Method = concept(concepts, refs[4])
		observations[i].Context = identifier(identifiers, idents[0])
		observations[i].Performer = identifier(identifiers, idents[1])
		for _, conceptID := range categories[observations[i].ID] {
			observations[i].Categories = append(observations[i].Categories, concepts[conceptID])
		}
	}
	return observations, nil
}

func (r *ObservationRepo) loadCategories(ctx context.Context, observationIDs []int64) (map[int64][]int64, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT observation_id, codeable_concept_id
		FROM observation_categories
		WHERE observation_id = ANY($1)
		ORDER BY id`, observationIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query observation categories: %w", err)
	}
	defer rows.Close()

	out := map[int64][]int64{}
	var conceptIDs []int64
	for rows.Next() {
		var observationID, conceptID int64
		if err := rows.Scan(&observationID, &conceptID); err != nil {
			return nil, nil, fmt.Errorf("scan observation category: %w", err)
		}
		out[observationID] = append(out[observationID], conceptID)
		conceptIDs = append(conceptIDs, conceptID)
	}
	return out, conceptIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *ObservationRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, code_id FROM observations WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find observation ref: %w", err)
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
