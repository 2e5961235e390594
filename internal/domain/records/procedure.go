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

// ProcedureInput is the normalized shape a procedure arrives in.
type ProcedureInput struct {
	resourceID
	Context             *terminology.Reference     `json:"context,omitempty"`
	Code                terminology.ConceptInput   `json:"code"`
	Status              string                     `json:"status"`
	PerformedDateTime   *time.Time                 `json:"performedDateTime,omitempty"`
	Division            *terminology.Reference     `json:"division,omitempty"`
	RecordedBy          *terminology.Reference     `json:"recordedBy,omitempty"`
	Performer           *terminology.Reference     `json:"performer,omitempty"`
	Category            *terminology.ConceptInput  `json:"category,omitempty"`
	Outcome             *terminology.ConceptInput  `json:"outcome,omitempty"`
	PrimarySource       bool                       `json:"primarySource"`
	ExplanatoryLetter   *string                    `json:"explanatoryLetter,omitempty"`
	UsedCodes           []terminology.ConceptInput `json:"usedCodes,omitempty"`
	ReasonReferences    []terminology.Reference    `json:"reasonReferences,omitempty"`
	ComplicationDetails []terminology.Reference    `json:"complicationDetails,omitempty"`
}

// Procedure is a reconstructed procedure tree. ReasonReferences and
// ComplicationDetails are enriched against local conditions/observations
// where the referenced UUIDs are known.
type Procedure struct {
	ID                  int64                          `json:"-"`
	UUID                string                         `json:"id"`
	Context             *terminology.Identifier        `json:"context,omitempty"`
	Code                *terminology.CodeableConcept   `json:"code,omitempty"`
	Status              string                         `json:"status"`
	PerformedDateTime   *time.Time                     `json:"performedDateTime,omitempty"`
	Division            *terminology.Identifier        `json:"division,omitempty"`
	RecordedBy          *terminology.Identifier        `json:"recordedBy,omitempty"`
	Performer           *terminology.Identifier        `json:"performer,omitempty"`
	Category            *terminology.CodeableConcept   `json:"category,omitempty"`
	Outcome             *terminology.CodeableConcept   `json:"outcome,omitempty"`
	PrimarySource       bool                           `json:"primarySource"`
	ExplanatoryLetter   *string                        `json:"explanatoryLetter,omitempty"`
	UsedCodes           []*terminology.CodeableConcept `json:"usedCodes,omitempty"`
	ReasonReferences    []ResourceReference            `json:"reasonReferences,omitempty"`
	ComplicationDetails []ResourceReference            `json:"complicationDetails,omitempty"`
	InsertedAt          time.Time                      `json:"insertedAt"`
}

// ProcedureRepo persists procedures. Reason references and complication
// details are stored as raw identifier rows; when the referenced
// condition/observation is unknown locally it is backfilled from the
// eHealth API on a best-effort basis.
type ProcedureRepo struct {
	pool         *pgxpool.Pool
	terms        *terminology.Store
	remote       RemoteRecords
	logger       *zap.Logger
	ehealthLog   *zap.Logger
	resolver     RefResolver
	conditions   *ConditionRepo
	observations *ObservationRepo
}

// NewProcedureRepo creates a procedure repository. remote may be nil, which
// disables reference backfill.
func NewProcedureRepo(pool *pgxpool.Pool, terms *terminology.Store, remote RemoteRecords, logger, ehealthLog *zap.Logger) *ProcedureRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ehealthLog == nil {
		ehealthLog = zap.NewNop()
	}
	return &ProcedureRepo{pool: pool, terms: terms, remote: remote, logger: logger, ehealthLog: ehealthLog}
}

// Store persists a batch of procedures in one transaction.
func (r *ProcedureRepo) Store(ctx context.Context, parent ParentLink, inputs []ProcedureInput) error {
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
			r.logger.Error("store procedure failed",
				zap.String("resource", "procedure"),
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

func (r *ProcedureRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in ProcedureInput) error {
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return err
	}
	codeID, err := storeConceptID(ctx, tx, r.terms, &in.Code)
	if err != nil {
		return err
	}
	divisionID, err := storeReferenceID(ctx, tx, r.terms, in.Division)
	if err != nil {
		return err
	}
	recordedByID, err := storeReferenceID(ctx, tx, r.terms, in.RecordedBy)
	if err != nil {
		return err
	}
	performerID, err := storeReferenceID(ctx, tx, r.terms, in.Performer)
	if err != nil {
		return err
	}
	categoryID, err := storeConceptID(ctx, tx, r.terms, in.Category)
	if err != nil {
		return err
	}
	outcomeID, err := storeConceptID(ctx, tx, r.terms, in.Outcome)
	if err != nil {
		return err
	}

	encounterID, encounterUUID := parent.columns()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO procedures
			(uuid, encounter_id, encounter_internal_id, context_identifier_id, code_id,
			 status, performed_date_time, division_identifier_id, recorded_by_identifier_id,
			 performer_identifier_id, category_id, outcome_id, primary_source, explanatory_letter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, contextID, codeID,
		in.Status, in.PerformedDateTime, divisionID, recordedByID,
		performerID, categoryID, outcomeID, in.PrimarySource, in.ExplanatoryLetter,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}

	for _, code := range in.UsedCodes {
		usedCodeID, err := storeConceptID(ctx, tx, r.terms, &code)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO procedure_used_codes (procedure_id, codeable_concept_id) VALUES ($1, $2)`,
			id, usedCodeID,
		); err != nil {
			return fmt.Errorf("insert procedure used code: %w", err)
		}
	}

	if err := r.storeReasonReferences(ctx, tx, id, in.ReasonReferences); err != nil {
		return err
	}
	if err := r.storeComplicationDetails(ctx, tx, id, in.ComplicationDetails); err != nil {
		return err
	}

	return writeSubmissionEntry(ctx, tx, "procedure", in.uuid(), in)
}

// storeReasonReferences stores each reason as a raw identifier row and
// backfills the referenced condition from the eHealth API when it is not
// known locally. Backfill failures are logged and swallowed.
func (r *ProcedureRepo) storeReasonReferences(ctx context.Context, tx pgx.Tx, procedureID int64, refs []terminology.Reference) error {
	for _, ref := range refs {
		identID, err := storeReferenceID(ctx, tx, r.terms, &ref)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO procedure_reason_references (procedure_id, identifier_id) VALUES ($1, $2)`,
			procedureID, identID,
		); err != nil {
			return fmt.Errorf("insert procedure reason reference: %w", err)
		}
		r.backfillCondition(ctx, tx, ref.Identifier.Value)
	}
	return nil
}

// storeComplicationDetails mirrors storeReasonReferences for observation
// references.
func (r *ProcedureRepo) storeComplicationDetails(ctx context.Context, tx pgx.Tx, procedureID int64, refs []terminology.Reference) error {
	for _, ref := range refs {
		identID, err := storeReferenceID(ctx, tx, r.terms, &ref)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO procedure_complication_details (procedure_id, identifier_id) VALUES ($1, $2)`,
			procedureID, identID,
		); err != nil {
			return fmt.Errorf("insert procedure complication detail: %w", err)
		}
		r.backfillObservation(ctx, tx, ref.Identifier.Value)
	}
	return nil
}

func (r *ProcedureRepo) backfillCondition(ctx context.Context, tx pgx.Tx, uuid string) {
	if r.remote == nil || r.conditions == nil {
		return
	}
	exists, err := r.conditions.existsByUUID(ctx, tx, uuid)
	if err != nil || exists {
		return
	}
	remote, err := r.remote.ConditionByID(ctx, uuid)
	if err != nil {
		r.ehealthLog.Error("condition backfill fetch failed",
			zap.String("uuid", uuid), zap.Error(err))
		return
	}
	if err := r.conditions.storeBackfill(ctx, tx, remote); err != nil {
		r.ehealthLog.Error("condition backfill store failed",
			zap.String("uuid", uuid), zap.Error(err))
	}
}

func (r *ProcedureRepo) backfillObservation(ctx context.Context, tx pgx.Tx, uuid string) {
	if r.remote == nil || r.observations == nil {
		return
	}
	exists, err := r.observations.existsByUUID(ctx, tx, uuid)
	if err != nil || exists {
		return
	}
	remote, err := r.remote.ObservationByID(ctx, uuid)
	if err != nil {
		r.ehealthLog.Error("observation backfill fetch failed",
			zap.String("uuid", uuid), zap.Error(err))
		return
	}
	if err := r.observations.storeBackfill(ctx, tx, remote); err != nil {
		r.ehealthLog.Error("observation backfill store failed",
			zap.String("uuid", uuid), zap.Error(err))
	}
}

// Get reconstructs every procedure stored under the given encounter and
// runs the reference resolution pass.
func (r *ProcedureRepo) Get(ctx context.Context, encounterID int64) ([]Procedure, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, uuid, context_identifier_id, code_id, status, performed_date_time,
		       division_identifier_id, recorded_by_identifier_id, performer_identifier_id,
		       category_id, outcome_id, primary_source, explanatory_letter, inserted_at
		FROM procedures
		WHERE encounter_id = $1
		ORDER BY id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query procedures: %w", err)
	}
	defer rows.Close()

	var (
		procedures   []Procedure
		ids          []int64
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int][3]*int64{}
		identityRefs = map[int][4]*int64{}
	)
	for rows.Next() {
		var (
			p                                  Procedure
			contextID, codeID                  *int64
			divisionID, recordedByID           *int64
			performerID, categoryID, outcomeID *int64
		)
		if err := rows.Scan(&p.ID, &p.UUID, &contextID, &codeID, &p.Status, &p.PerformedDateTime,
			&divisionID, &recordedByID, &performerID,
			&categoryID, &outcomeID, &p.PrimarySource, &p.ExplanatoryLetter, &p.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		idx := len(procedures)
		conceptRefs[idx] = [3]*int64{codeID, categoryID, outcomeID}
		identityRefs[idx] = [4]*int64{contextID, divisionID, recordedByID, performerID}
		conceptIDs = appendID(appendID(appendID(conceptIDs, codeID), categoryID), outcomeID)
		identityIDs = appendID(appendID(appendID(appendID(identityIDs,
			contextID), divisionID), recordedByID), performerID)
		ids = append(ids, p.ID)
		procedures = append(procedures, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(procedures) == 0 {
		return nil, nil
	}

	usedCodes, usedCodeConceptIDs, err := r.loadUsedCodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, usedCodeConceptIDs...)

	reasons, reasonIdentityIDs, err := r.loadIdentifierChildren(ctx, "procedure_reason_references", ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, reasonIdentityIDs...)

	complications, complicationIdentityIDs, err := r.loadIdentifierChildren(ctx, "procedure_complication_details", ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, complicationIdentityIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range procedures {
		refs := conceptRefs[i]
		idents := identityRefs[i]
		p := &procedures[i]
		p.Code = concept(concepts, refs[0])
		p.Category = concept(concepts, refs[1])
		p.Outcome = concept(concepts, refs[2])
		p.Context = identifier(identifiers, idents[0])
		p.Division = identifier(identifiers, idents[1])
		p.RecordedBy = identifier(identifiers, idents[2])
		p.Performer = identifier(identifiers, idents[3])
		for _, conceptID := range usedCodes[p.ID] {
			p.UsedCodes = append(p.UsedCodes, concepts[conceptID])
		}
		p.ReasonReferences, err = r.resolveReferences(ctx, RefCondition, reasons[p.ID], identifiers)
		if err != nil {
			return nil, err
		}
		p.ComplicationDetails, err = r.resolveReferences(ctx, RefObservation, complications[p.ID], identifiers)
		if err != nil {
			return nil, err
		}
	}
	return procedures, nil
}

// resolveReferences builds the reference list and enriches each entry from
// the target repository. Unresolved references stay untouched.
func (r *ProcedureRepo) resolveReferences(ctx context.Context, typ ReferenceType, identifierIDs []int64, identifiers map[int64]*terminology.Identifier) ([]ResourceReference, error) {
	var out []ResourceReference
	for _, identID := range identifierIDs {
		reference := ResourceReference{Identifier: identifiers[identID]}
		if r.resolver != nil && reference.Identifier != nil {
			ref, err := r.resolver.Resolve(ctx, typ, reference.Identifier.Value)
			if err != nil {
				return nil, err
			}
			reference.applyRef(ref)
		}
		out = append(out, reference)
	}
	return out, nil
}

func (r *ProcedureRepo) loadUsedCodes(ctx context.Context, procedureIDs []int64) (map[int64][]int64, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT procedure_id, codeable_concept_id
		FROM procedure_used_codes
		WHERE procedure_id = ANY($1)
		ORDER BY codeable_concept_id`, procedureIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query procedure used codes: %w", err)
	}
	defer rows.Close()

	out := map[int64][]int64{}
	var conceptIDs []int64
	for rows.Next() {
		var procedureID, conceptID int64
		if err := rows.Scan(&procedureID, &conceptID); err != nil {
			return nil, nil, fmt.Errorf("scan procedure used code: %w", err)
		}
		out[procedureID] = append(out[procedureID], conceptID)
		conceptIDs = append(conceptIDs, conceptID)
	}
	return out, conceptIDs, rows.Err()
}

func (r *ProcedureRepo) loadIdentifierChildren(ctx context.Context, table string, procedureIDs []int64) (map[int64][]int64, []int64, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT procedure_id, identifier_id
		FROM %s
		WHERE procedure_id = ANY($1)
		ORDER BY id`, table), procedureIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := map[int64][]int64{}
	var identityIDs []int64
	for rows.Next() {
		var procedureID, identID int64
		if err := rows.Scan(&procedureID, &identID); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[procedureID] = append(out[procedureID], identID)
		identityIDs = append(identityIDs, identID)
	}
	return out, identityIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *ProcedureRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, code_id FROM procedures WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find procedure ref: %w", err)
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
