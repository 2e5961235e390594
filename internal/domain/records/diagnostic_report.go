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

// ActorInput is a report participant: free text, an identifier reference,
// or both.
type ActorInput struct {
	Reference *terminology.Reference `json:"reference,omitempty"`
	Text      *string                `json:"text,omitempty"`
}

// Actor is the reconstructed participant.
type Actor struct {
	Reference *terminology.Identifier `json:"reference,omitempty"`
	Text      *string                 `json:"text,omitempty"`
}

// PaperReferralInput carries the paper requisition a report was produced
// against.
type PaperReferralInput struct {
	Requisition          string                 `json:"requisition"`
	RequesterLegalEntity *terminology.Reference `json:"requesterLegalEntity,omitempty"`
	ServiceRequestDate   *time.Time             `json:"serviceRequestDate,omitempty"`
}

// PaperReferral is the reconstructed paper requisition.
type PaperReferral struct {
	Requisition          string                  `json:"requisition"`
	RequesterLegalEntity *terminology.Identifier `json:"requesterLegalEntity,omitempty"`
	ServiceRequestDate   *time.Time              `json:"serviceRequestDate,omitempty"`
}

// DiagnosticReportInput is the normalized shape a diagnostic report
// arrives in.
type DiagnosticReportInput struct {
	resourceID
	Context              *terminology.Reference     `json:"context,omitempty"`
	Categories           []terminology.ConceptInput `json:"categories,omitempty"`
	Code                 terminology.ConceptInput   `json:"code"`
	IssuedAt             *time.Time                 `json:"issued,omitempty"`
	PrimarySource        bool                       `json:"primarySource"`
	Performer            *ActorInput                `json:"performer,omitempty"`
	RecordedBy           *terminology.Reference     `json:"recordedBy,omitempty"`
	ResultsInterpreter   *ActorInput                `json:"resultsInterpreter,omitempty"`
	ManagingOrganization *terminology.Reference     `json:"managingOrganization,omitempty"`
	Division             *terminology.Reference     `json:"division,omitempty"`
	Conclusion           *string                    `json:"conclusion,omitempty"`
	ConclusionCode       *terminology.ConceptInput  `json:"conclusionCode,omitempty"`
	PaperReferral        *PaperReferralInput        `json:"paperReferral,omitempty"`
}

// DiagnosticReport is a reconstructed report tree.
type DiagnosticReport struct {
	ID                   int64                          `json:"-"`
	UUID                 string                         `json:"id"`
	Context              *terminology.Identifier        `json:"context,omitempty"`
	Categories           []*terminology.CodeableConcept `json:"categories,omitempty"`
	Code                 *terminology.CodeableConcept   `json:"code,omitempty"`
	IssuedAt             *time.Time                     `json:"issued,omitempty"`
	PrimarySource        bool                           `json:"primarySource"`
	Performer            *Actor                         `json:"performer,omitempty"`
	RecordedBy           *terminology.Identifier        `json:"recordedBy,omitempty"`
	ResultsInterpreter   *Actor                         `json:"resultsInterpreter,omitempty"`
	ManagingOrganization *terminology.Identifier        `json:"managingOrganization,omitempty"`
	Division             *terminology.Identifier        `json:"division,omitempty"`
	Conclusion           *string                        `json:"conclusion,omitempty"`
	ConclusionCode       *terminology.CodeableConcept   `json:"conclusionCode,omitempty"`
	PaperReferral        *PaperReferral                 `json:"paperReferral,omitempty"`
	InsertedAt           time.Time                      `json:"insertedAt"`
}

// DiagnosticReportRepo persists diagnostic reports and their paper
// referrals.
type DiagnosticReportRepo struct {
	pool   *pgxpool.Pool
	terms  *terminology.Store
	logger *zap.Logger
}

func NewDiagnosticReportRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *DiagnosticReportRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiagnosticReportRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of reports in one transaction. The id of the last
// stored row is returned only for standalone reports; reports stored under
// an encounter return nil, the caller already holds the parent handle.
func (r *DiagnosticReportRepo) Store(ctx context.Context, parent ParentLink, inputs []DiagnosticReportInput) (*int64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastID *int64
	for _, in := range inputs {
		id, err := r.storeOne(ctx, tx, parent, in)
		if err != nil {
			r.logger.Error("store diagnostic report failed",
				zap.String("resource", "diagnostic_report"),
				zap.String("uuid", in.uuid()),
				zap.Error(err))
			return nil, err
		}
		lastID = &id
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if parent.IsInline() {
		return nil, nil
	}
	return lastID, nil
}

func (r *DiagnosticReportRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in DiagnosticReportInput) (int64, error) {
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return 0, err
	}
	codeID, err := storeConceptID(ctx, tx, r.terms, &in.Code)
	if err != nil {
		return 0, err
	}
	recordedByID, err := storeReferenceID(ctx, tx, r.terms, in.RecordedBy)
	if err != nil {
		return 0, err
	}
	managingOrgID, err := storeReferenceID(ctx, tx, r.terms, in.ManagingOrganization)
	if err != nil {
		return 0, err
	}
	divisionID, err := storeReferenceID(ctx, tx, r.terms, in.Division)
	if err != nil {
		return 0, err
	}
	conclusionCodeID, err := storeConceptID(ctx, tx, r.terms, in.ConclusionCode)
	if err != nil {
		return 0, err
	}
	performerID, performerText, err := r.storeActor(ctx, tx, in.Performer)
	if err != nil {
		return 0, err
	}
	interpreterID, interpreterText, err := r.storeActor(ctx, tx, in.ResultsInterpreter)
	if err != nil {
		return 0, err
	}

	encounterID, encounterUUID := parent.columns()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO diagnostic_reports
			(uuid, encounter_id, encounter_internal_id, context_identifier_id, code_id,
			 issued_at, primary_source, performer_identifier_id, performer_text,
			 recorded_by_identifier_id, results_interpreter_identifier_id,
			 results_interpreter_text, managing_organization_identifier_id,
			 division_identifier_id, conclusion, conclusion_code_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, contextID, codeID,
		in.IssuedAt, in.PrimarySource, performerID, performerText,
		recordedByID, interpreterID,
		interpreterText, managingOrgID,
		divisionID, in.Conclusion, conclusionCodeID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert diagnostic report: %w", err)
	}

	for _, category := range in.Categories {
		categoryID, err := storeConceptID(ctx, tx, r.terms, &category)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO diagnostic_report_categories (diagnostic_report_id, codeable_concept_id) VALUES ($1, $2)`,
			id, categoryID,
		); err != nil {
			return 0, fmt.Errorf("insert diagnostic report category: %w", err)
		}
	}

	if in.PaperReferral != nil {
		requesterID, err := storeReferenceID(ctx, tx, r.terms, in.PaperReferral.RequesterLegalEntity)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO paper_referrals
				(diagnostic_report_id, requisition, requester_legal_entity_identifier_id, service_request_date)
			VALUES ($1, $2, $3, $4)`,
			id, in.PaperReferral.Requisition, requesterID, in.PaperReferral.ServiceRequestDate,
		); err != nil {
			return 0, fmt.Errorf("insert paper referral: %w", err)
		}
	}

	if err := writeSubmissionEntry(ctx, tx, "diagnostic_report", in.uuid(), in); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *DiagnosticReportRepo) storeActor(ctx context.Context, tx pgx.Tx, in *ActorInput) (*int64, *string, error) {
	if in == nil {
		return nil, nil, nil
	}
	identID, err := storeReferenceID(ctx, tx, r.terms, in.Reference)
	if err != nil {
		return nil, nil, err
	}
	return identID, in.Text, nil
}

// Get reconstructs every report stored under the given encounter.
func (r *DiagnosticReportRepo) Get(ctx context.Context, encounterID int64) ([]DiagnosticReport, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, uuid, context_identifier_id, code_id, issued_at, primary_source,
		       performer_identifier_id, performer_text, recorded_by_identifier_id,
		       results_interpreter_identifier_id, results_interpreter_text,
		       managing_organization_identifier_id, division_identifier_id,
		       conclusion, conclusion_code_id, inserted_at
		FROM diagnostic_reports
		WHERE encounter_id = $1
		ORDER BY id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query diagnostic reports: %w", err)
	}
	defer rows.Close()

	type actorCols struct {
		id   *int64
		text *string
	}
	var (
		reports      []DiagnosticReport
		ids          []int64
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int][2]*int64{}
		identityRefs = map[int][4]*int64{}
		actors       = map[int][2]actorCols{}
	)
	for rows.Next() {
		var (
			d                            DiagnosticReport
			contextID, codeID            *int64
			performer, interpreter       actorCols
			recordedByID, managingOrgID  *int64
			divisionID, conclusionCodeID *int64
		)
		if err := rows.Scan(&d.ID, &d.UUID, &contextID, &codeID, &d.IssuedAt, &d.PrimarySource,
			&performer.id, &performer.text, &recordedByID,
			&interpreter.id, &interpreter.text,
			&managingOrgID, &divisionID,
			&d.Conclusion, &conclusionCodeID, &d.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan diagnostic report: %w", err)
		}
		idx := len(reports)
		conceptRefs[idx] = [2]*int64{codeID, conclusionCodeID}
		identityRefs[idx] = [4]*int64{contextID, recordedByID, managingOrgID, divisionID}
		actors[idx] = [2]actorCols{performer, interpreter}
		conceptIDs = appendID(appendID(conceptIDs, codeID), conclusionCodeID)
		identityIDs = appendID(appendID(appendID(appendID(appendID(appendID(identityIDs,
			contextID), recordedByID), managingOrgID), divisionID), performer.id), interpreter.id)
		ids = append(ids, d.ID)
		reports = append(reports, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}

	categories, categoryConceptIDs, err := r.loadCategories(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, categoryConceptIDs...)

	referrals, referralIdentityIDs, err := r.loadPaperReferrals(ctx, ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, referralIdentityIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range reports {
		refs := conceptRefs[i]
		idents := identityRefs[i]
		d := &reports[i]
		d.Code = concept(concepts, refs[0])
		d.ConclusionCode = concept(concepts, refs[1])
		d.Context = identifier(identifiers, idents[0])
		d.RecordedBy = identifier(identifiers, idents[1])
		d.ManagingOrganization = identifier(identifiers, idents[2])
		d.Division = identifier(identifiers, idents[3])
		pair := actors[i]
		if pair[0].id != nil || pair[0].text != nil {
			d.Performer = &Actor{Reference: identifier(identifiers, pair[0].id), Text: pair[0].text}
		}
		if pair[1].id != nil || pair[1].text != nil {
			d.ResultsInterpreter = &Actor{Reference: identifier(identifiers, pair[1].id), Text: pair[1].text}
		}
		for _, conceptID := range categories[d.ID] {
			d.Categories = append(d.Categories, concepts[conceptID])
		}
		if referral, ok := referrals[d.ID]; ok {
			d.PaperReferral = &PaperReferral{
				Requisition:          referral.requisition,
				RequesterLegalEntity: identifier(identifiers, referral.requesterID),
				ServiceRequestDate:   referral.serviceRequestDate,
			}
		}
	}
	return reports, nil
}

func (r *DiagnosticReportRepo) loadCategories(ctx context.Context, reportIDs []int64) (map[int64][]int64, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT diagnostic_report_id, codeable_concept_id
		FROM diagnostic_report_categories
		WHERE diagnostic_report_id = ANY($1)
		ORDER BY codeable_concept_id`, reportIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query diagnostic report categories: %w", err)
	}
	defer rows.Close()

	out := map[int64][]int64{}
	var conceptIDs []int64
	for rows.Next() {
		var reportID, conceptID int64
		if err := rows.Scan(&reportID, &conceptID); err != nil {
			return nil, nil, fmt.Errorf("scan diagnostic report category: %w", err)
		}
		out[reportID] = append(out[reportID], conceptID)
		conceptIDs = append(conceptIDs, conceptID)
	}
	return out, conceptIDs, rows.Err()
}

type paperReferralRow struct {
	requisition        string
	requesterID        *int64
	serviceRequestDate *time.Time
}

func (r *DiagnosticReportRepo) loadPaperReferrals(ctx context.Context, reportIDs []int64) (map[int64]paperReferralRow, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT diagnostic_report_id, requisition, requester_legal_entity_identifier_id, service_request_date
		FROM paper_referrals
		WHERE diagnostic_report_id = ANY($1)`, reportIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query paper referrals: %w", err)
	}
	defer rows.Close()

	out := map[int64]paperReferralRow{}
	var identityIDs []int64
	for rows.Next() {
		var (
			reportID int64
			row      paperReferralRow
		)
		if err := rows.Scan(&reportID, &row.requisition, &row.requesterID, &row.serviceRequestDate); err != nil {
			return nil, nil, fmt.Errorf("scan paper referral: %w", err)
		}
		out[reportID] = row
		identityIDs = appendID(identityIDs, row.requesterID)
	}
	return out, identityIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *DiagnosticReportRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, code_id FROM diagnostic_reports WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find diagnostic report ref: %w", err)
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
