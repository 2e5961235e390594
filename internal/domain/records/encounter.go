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
)

// EncounterInput is the normalized shape an encounter arrives in.
type EncounterInput struct {
	resourceID
	Status    string                     `json:"status"`
	Class     terminology.ConceptInput   `json:"class"`
	Type      *terminology.ConceptInput  `json:"type,omitempty"`
	Priority  *terminology.ConceptInput  `json:"priority,omitempty"`
	Episode   *terminology.Reference     `json:"episode,omitempty"`
	Visit     *terminology.Reference     `json:"visit,omitempty"`
	Division  *terminology.Reference     `json:"division,omitempty"`
	Performer *terminology.Reference     `json:"performer,omitempty"`
	Period    *Period                    `json:"period,omitempty"`
	Reasons   []terminology.ConceptInput `json:"reasons,omitempty"`
	Diagnoses []DiagnosisInput           `json:"diagnoses,omitempty"`
}

// DiagnosisInput links an encounter to a condition by external UUID.
type DiagnosisInput struct {
	Condition terminology.Reference     `json:"condition"`
	Role      *terminology.ConceptInput `json:"role,omitempty"`
	Rank      *int                      `json:"rank,omitempty"`
}

// Encounter is a reconstructed encounter tree.
type Encounter struct {
	ID         int64                          `json:"-"`
	UUID       string                         `json:"id"`
	Status     string                         `json:"status"`
	Class      *terminology.CodeableConcept   `json:"class,omitempty"`
	Type       *terminology.CodeableConcept   `json:"type,omitempty"`
	Priority   *terminology.CodeableConcept   `json:"priority,omitempty"`
	Episode    *terminology.Identifier        `json:"episode,omitempty"`
	Visit      *terminology.Identifier        `json:"visit,omitempty"`
	Division   *terminology.Identifier        `json:"division,omitempty"`
	Performer  *terminology.Identifier        `json:"performer,omitempty"`
	Period     *Period                        `json:"period,omitempty"`
	Reasons    []*terminology.CodeableConcept `json:"reasons,omitempty"`
	Diagnoses  []Diagnosis                    `json:"diagnoses,omitempty"`
	InsertedAt time.Time                      `json:"insertedAt"`
}

// Diagnosis is a reconstructed encounter diagnosis. Condition is enriched
// from the local conditions table when the referenced UUID is known.
type Diagnosis struct {
	Condition ResourceReference            `json:"condition"`
	Role      *terminology.CodeableConcept `json:"role,omitempty"`
	Rank      *int                         `json:"rank,omitempty"`
}

// EncounterRepo persists encounters, their reasons and diagnoses.
type EncounterRepo struct {
	pool     *pgxpool.Pool
	terms    *terminology.Store
	logger   *zap.Logger
	resolver RefResolver
}

// NewEncounterRepo creates an encounter repository.
func NewEncounterRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *EncounterRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncounterRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists one encounter and returns its internal row id so inline
// children created in the same bundle can link to it.
func (r *EncounterRepo) Store(ctx context.Context, in EncounterInput) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := r.storeOne(ctx, tx, in)
	if err != nil {
		r.logger.Error("store encounter failed",
			zap.String("resource", "encounter"),
			zap.String("uuid", in.uuid()),
			zap.Error(err))
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (r *EncounterRepo) storeOne(ctx context.Context, tx pgx.Tx, in EncounterInput) (int64, error) {
	classID, err := storeConceptID(ctx, tx, r.terms, &in.Class)
	if err != nil {
		return 0, err
	}
	typeID, err := storeConceptID(ctx, tx, r.terms, in.Type)
	if err != nil {
		return 0, err
	}
	priorityID, err := storeConceptID(ctx, tx, r.terms, in.Priority)
	if err != nil {
		return 0, err
	}
	episodeID, err := storeReferenceID(ctx, tx, r.terms, in.Episode)
	if err != nil {
		return 0, err
	}
	visitID, err := storeReferenceID(ctx, tx, r.terms, in.Visit)
	if err != nil {
		return 0, err
	}
	divisionID, err := storeReferenceID(ctx, tx, r.terms, in.Division)
	if err != nil {
		return 0, err
	}
	performerID, err := storeReferenceID(ctx, tx, r.terms, in.Performer)
	if err != nil {
		return 0, err
	}

	var periodStart, periodEnd *time.Time
	if in.Period != nil {
		periodStart, periodEnd = in.Period.Start, in.Period.End
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO encounters
			(uuid, status, class_id, type_id, priority_id, episode_identifier_id,
			 visit_identifier_id, division_identifier_id, performer_identifier_id,
			 period_start, period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		in.uuid(), in.Status, classID, typeID, priorityID, episodeID,
		visitID, divisionID, performerID, periodStart, periodEnd,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert encounter: %w", err)
	}

	for _, reason := range in.Reasons {
		reasonID, err := storeConceptID(ctx, tx, r.terms, &reason)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO encounter_reasons (encounter_id, codeable_concept_id) VALUES ($1, $2)`,
			id, reasonID,
		); err != nil {
			return 0, fmt.Errorf("insert encounter reason: %w", err)
		}
	}

	for _, diagnosis := range in.Diagnoses {
		conditionID, err := storeReferenceID(ctx, tx, r.terms, &diagnosis.Condition)
		if err != nil {
			return 0, err
		}
		roleID, err := storeConceptID(ctx, tx, r.terms, diagnosis.Role)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO encounter_diagnoses (encounter_id, condition_identifier_id, role_id, rank) VALUES ($1, $2, $3, $4)`,
			id, conditionID, roleID, diagnosis.Rank,
		); err != nil {
			return 0, fmt.Errorf("insert encounter diagnosis: %w", err)
		}
	}

	if err := writeSubmissionEntry(ctx, tx, "encounter", in.uuid(), in); err != nil {
		return 0, err
	}
	return id, nil
}

// Get reconstructs the encounter with the given internal id. Diagnoses are
// enriched against locally stored conditions; unresolved references are
// returned as-is.
func (r *EncounterRepo) Get(ctx context.Context, id int64) (*Encounter, error) {
	e := &Encounter{}
	var (
		classID, typeID, priorityID *int64
		episodeID, visitID          *int64
		divisionID, performerID     *int64
		periodStart, periodEnd      *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, uuid, status, class_id, type_id, priority_id,
		       episode_identifier_id, visit_identifier_id, division_identifier_id,
		       performer_identifier_id, period_start, period_end, inserted_at
		FROM encounters
		WHERE id = $1`, id,
	).Scan(&e.ID, &e.UUID, &e.Status, &classID, &typeID, &priorityID,
		&episodeID, &visitID, &divisionID,
		&performerID, &periodStart, &periodEnd, &e.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query encounter: %w", err)
	}
	if periodStart != nil || periodEnd != nil {
		e.Period = &Period{Start: periodStart, End: periodEnd}
	}

	conceptIDs := appendID(appendID(appendID(nil, classID), typeID), priorityID)
	identityIDs := appendID(appendID(appendID(appendID(nil, episodeID), visitID), divisionID), performerID)

	reasonIDs, err := r.loadReasons(ctx, id)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, reasonIDs...)

	diagnoses, diagnosisConceptIDs, diagnosisIdentityIDs, err := r.loadDiagnoses(ctx, id)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, diagnosisConceptIDs...)
	identityIDs = append(identityIDs, diagnosisIdentityIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	e.Class = concept(concepts, classID)
	e.Type = concept(concepts, typeID)
	e.Priority = concept(concepts, priorityID)
	e.Episode = identifier(identifiers, episodeID)
	e.Visit = identifier(identifiers, visitID)
	e.Division = identifier(identifiers, divisionID)
	e.Performer = identifier(identifiers, performerID)
	for _, reasonID := range reasonIDs {
		e.Reasons = append(e.Reasons, concepts[reasonID])
	}

	for _, d := range diagnoses {
		diagnosis := Diagnosis{
			Condition: ResourceReference{Identifier: identifier(identifiers, d.conditionIdentifierID)},
			Role:      concept(concepts, d.roleID),
			Rank:      d.rank,
		}
		if r.resolver != nil && diagnosis.Condition.Identifier != nil {
			ref, err := r.resolver.Resolve(ctx, RefCondition, diagnosis.Condition.Identifier.Value)
			if err != nil {
				return nil, err
			}
			diagnosis.Condition.applyRef(ref)
		}
		e.Diagnoses = append(e.Diagnoses, diagnosis)
	}
	return e, nil
}

func (r *EncounterRepo) loadReasons(ctx context.Context, encounterID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT codeable_concept_id FROM encounter_reasons WHERE encounter_id = $1 ORDER BY id`,
		encounterID)
	if err != nil {
		return nil, fmt.Errorf("query encounter reasons: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan encounter reason: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type diagnosisRow struct {
	conditionIdentifierID *int64
	roleID                *int64
	rank                  *int
}

func (r *EncounterRepo) loadDiagnoses(ctx context.Context, encounterID int64) ([]diagnosisRow, []int64, []int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT condition_identifier_id, role_id, rank FROM encounter_diagnoses WHERE encounter_id = $1 ORDER BY id`,
		encounterID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query encounter diagnoses: %w", err)
	}
	defer rows.Close()

	var (
		diagnoses   []diagnosisRow
		conceptIDs  []int64
		identityIDs []int64
	)
	for rows.Next() {
		var d diagnosisRow
		if err := rows.Scan(&d.conditionIdentifierID, &d.roleID, &d.rank); err != nil {
			return nil, nil, nil, fmt.Errorf("scan encounter diagnosis: %w", err)
		}
		conceptIDs = appendID(conceptIDs, d.roleID)
		identityIDs = appendID(identityIDs, d.conditionIdentifierID)
		diagnoses = append(diagnoses, d)
	}
	return diagnoses, conceptIDs, identityIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *EncounterRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var typeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, type_id FROM encounters WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &typeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find encounter ref: %w", err)
	}
	if typeID != nil {
		concepts, err := r.terms.LoadConcepts(ctx, r.pool, []int64{*typeID})
		if err != nil {
			return nil, err
		}
		ref.Code = concepts[*typeID]
	}
	return ref, nil
}
