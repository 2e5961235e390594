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

// ImmunizationInput is the normalized shape an immunization arrives in.
type ImmunizationInput struct {
	resourceID
	Context        *terminology.Reference     `json:"context,omitempty"`
	VaccineCode    terminology.ConceptInput   `json:"vaccineCode"`
	Status         string                     `json:"status"`
	NotGiven       bool                       `json:"notGiven"`
	Date           *time.Time                 `json:"date,omitempty"`
	PrimarySource  bool                       `json:"primarySource"`
	Performer      *terminology.Reference     `json:"performer,omitempty"`
	ReportOrigin   *terminology.ConceptInput  `json:"reportOrigin,omitempty"`
	Manufacturer   *string                    `json:"manufacturer,omitempty"`
	LotNumber      *string                    `json:"lotNumber,omitempty"`
	ExpirationDate *time.Time                 `json:"expirationDate,omitempty"`
	Site           *terminology.ConceptInput  `json:"site,omitempty"`
	Route          *terminology.ConceptInput  `json:"route,omitempty"`
	DoseQuantity   *float64                   `json:"doseQuantity,omitempty"`
	DoseUnit       *string                    `json:"doseUnit,omitempty"`
	Explanation    *ExplanationInput          `json:"explanation,omitempty"`
	Protocols      []VaccinationProtocolInput `json:"vaccinationProtocols,omitempty"`
}

// ExplanationInput carries the mutually exclusive reason lists: either the
// immunization was given (Reasons) or it was not (ReasonsNotGiven).
type ExplanationInput struct {
	Reasons         []terminology.ConceptInput `json:"reasons,omitempty"`
	ReasonsNotGiven []terminology.ConceptInput `json:"reasonsNotGiven,omitempty"`
}

// VaccinationProtocolInput describes one protocol the dose was given under.
type VaccinationProtocolInput struct {
	DoseSequence   *int                       `json:"doseSequence,omitempty"`
	Description    *string                    `json:"description,omitempty"`
	Authority      *terminology.ConceptInput  `json:"authority,omitempty"`
	Series         *string                    `json:"series,omitempty"`
	SeriesDoses    *int                       `json:"seriesDoses,omitempty"`
	TargetDiseases []terminology.ConceptInput `json:"targetDiseases,omitempty"`
}

// Immunization is a reconstructed immunization tree.
type Immunization struct {
	ID             int64                        `json:"-"`
	UUID           string                       `json:"id"`
	Context        *terminology.Identifier      `json:"context,omitempty"`
	VaccineCode    *terminology.CodeableConcept `json:"vaccineCode,omitempty"`
	Status         string                       `json:"status"`
	NotGiven       bool                         `json:"notGiven"`
	Date           *time.Time                   `json:"date,omitempty"`
	PrimarySource  bool                         `json:"primarySource"`
	Performer      *terminology.Identifier      `json:"performer,omitempty"`
	ReportOrigin   *terminology.CodeableConcept `json:"reportOrigin,omitempty"`
	Manufacturer   *string                      `json:"manufacturer,omitempty"`
	LotNumber      *string                      `json:"lotNumber,omitempty"`
	ExpirationDate *time.Time                   `json:"expirationDate,omitempty"`
	Site           *terminology.CodeableConcept `json:"site,omitempty"`
	Route          *terminology.CodeableConcept `json:"route,omitempty"`
	DoseQuantity   *float64                     `json:"doseQuantity,omitempty"`
	DoseUnit       *string                      `json:"doseUnit,omitempty"`
	Explanation    *Explanation                 `json:"explanation,omitempty"`
	Protocols      []VaccinationProtocol        `json:"vaccinationProtocols,omitempty"`
	InsertedAt     time.Time                    `json:"insertedAt"`
}

// Explanation is the reconstructed XOR reason pair.
type Explanation struct {
	Reasons         []*terminology.CodeableConcept `json:"reasons,omitempty"`
	ReasonsNotGiven []*terminology.CodeableConcept `json:"reasonsNotGiven,omitempty"`
}

// VaccinationProtocol is a reconstructed protocol entry.
type VaccinationProtocol struct {
	DoseSequence   *int                           `json:"doseSequence,omitempty"`
	Description    *string                        `json:"description,omitempty"`
	Authority      *terminology.CodeableConcept   `json:"authority,omitempty"`
	Series         *string                        `json:"series,omitempty"`
	SeriesDoses    *int                           `json:"seriesDoses,omitempty"`
	TargetDiseases []*terminology.CodeableConcept `json:"targetDiseases,omitempty"`
}

// ImmunizationRepo persists immunizations with their explanations and
// vaccination protocols.
type ImmunizationRepo struct {
	pool   *pgxpool.Pool
	terms  *terminology.Store
	logger *zap.Logger
}

// NewImmunizationRepo creates an immunization repository.
func NewImmunizationRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *ImmunizationRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImmunizationRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of immunizations in one transaction.
func (r *ImmunizationRepo) Store(ctx context.Context, parent ParentLink, inputs []ImmunizationInput) error {
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
			r.logger.Error("store immunization failed",
				zap.String("resource", "immunization"),
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

func (r *ImmunizationRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in ImmunizationInput) error {
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return err
	}
	vaccineCodeID, err := storeConceptID(ctx, tx, r.terms, &in.VaccineCode)
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
	siteID, err := storeConceptID(ctx, tx, r.terms, in.Site)
	if err != nil {
		return err
	}
	routeID, err := storeConceptID(ctx, tx, r.terms, in.Route)
	if err != nil {
		return err
	}

	encounterID, encounterUUID := parent.columns()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO immunizations
			(uuid, encounter_id, encounter_internal_id, context_identifier_id,
			 vaccine_code_id, status, not_given, date, primary_source,
			 performer_identifier_id, report_origin_id, manufacturer, lot_number,
			 expiration_date, site_id, route_id, dose_quantity, dose_unit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, contextID,
		vaccineCodeID, in.Status, in.NotGiven, in.Date, in.PrimarySource,
		performerID, reportOriginID, in.Manufacturer, in.LotNumber,
		in.ExpirationDate, siteID, routeID, in.DoseQuantity, in.DoseUnit,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert immunization: %w", err)
	}

	if in.Explanation != nil {
		// Reasons and reasons-not-given share one child table; exactly one
		// of the two columns is set per row.
		for _, reason := range in.Explanation.Reasons {
			reasonID, err := storeConceptID(ctx, tx, r.terms, &reason)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO immunization_explanations (immunization_id, reason_id) VALUES ($1, $2)`,
				id, reasonID,
			); err != nil {
				return fmt.Errorf("insert immunization reason: %w", err)
			}
		}
		for _, reason := range in.Explanation.ReasonsNotGiven {
			reasonID, err := storeConceptID(ctx, tx, r.terms, &reason)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO immunization_explanations (immunization_id, reason_not_given_id) VALUES ($1, $2)`,
				id, reasonID,
			); err != nil {
				return fmt.Errorf("insert immunization reason not given: %w", err)
			}
		}
	}

	for _, protocol := range in.Protocols {
		authorityID, err := storeConceptID(ctx, tx, r.terms, protocol.Authority)
		if err != nil {
			return err
		}
		var protocolID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO vaccination_protocols
				(immunization_id, dose_sequence, description, authority_id, series, series_doses)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			id, protocol.DoseSequence, protocol.Description, authorityID,
			protocol.Series, protocol.SeriesDoses,
		).Scan(&protocolID)
		if err != nil {
			return fmt.Errorf("insert vaccination protocol: %w", err)
		}
		for _, disease := range protocol.TargetDiseases {
			diseaseID, err := storeConceptID(ctx, tx, r.terms, &disease)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO vaccination_protocol_target_diseases (protocol_id, code_id) VALUES ($1, $2)`,
				protocolID, diseaseID,
			); err != nil {
				return fmt.Errorf("insert target disease: %w", err)
			}
		}
	}

	return writeSubmissionEntry(ctx, tx, "immunization", in.uuid(), in)
}

// Get reconstructs every immunization stored under the given encounter.
func (r *ImmunizationRepo) Get(ctx context.Context, encounterID int64) ([]Immunization, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, uuid, context_identifier_id, vaccine_code_id, status, not_given,
		       date, primary_source, performer_identifier_id, report_origin_id,
		       manufacturer, lot_number, expiration_date, site_id, route_id,
		       dose_quantity, dose_unit, inserted_at
		FROM immunizations
		WHERE encounter_id = $1
		ORDER BY id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query immunizations: %w", err)
	}
	defer rows.Close()

	var (
		immunizations []Immunization
		ids           []int64
		conceptIDs    []int64
		identityIDs   []int64
		conceptRefs   = map[int][4]*int64{}
		identityRefs  = map[int][2]*int64{}
	)
	for rows.Next() {
		var (
			im                          Immunization
			contextID, vaccineCodeID    *int64
			performerID, reportOriginID *int64
			siteID, routeID             *int64
		)
		if err := rows.Scan(&im.ID, &im.UUID, &contextID, &vaccineCodeID, &im.Status, &im.NotGiven,
			&im.Date, &im.PrimarySource, &performerID, &reportOriginID,
			&im.Manufacturer, &im.LotNumber, &im.ExpirationDate, &siteID, &routeID,
			&im.DoseQuantity, &im.DoseUnit, &im.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan immunization: %w", err)
		}
		idx := len(immunizations)
		conceptRefs[idx] = [4]*int64{vaccineCodeID, reportOriginID, siteID, routeID}
		identityRefs[idx] = [2]*int64{contextID, performerID}
		conceptIDs = appendID(appendID(appendID(appendID(conceptIDs,
			vaccineCodeID), reportOriginID), siteID), routeID)
		identityIDs = appendID(appendID(identityIDs, contextID), performerID)
		ids = append(ids, im.ID)
		immunizations = append(immunizations, im)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(immunizations) == 0 {
		return nil, nil
	}

	explanations, explanationConceptIDs, err := r.loadExplanations(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, explanationConceptIDs...)

	protocols, protocolConceptIDs, err := r.loadProtocols(ctx, ids)
	if err != nil {
		return nil, err
	}
	conceptIDs = append(conceptIDs, protocolConceptIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range immunizations {
		refs := conceptRefs[i]
		idents := identityRefs[i]
		im := &immunizations[i]
		im.VaccineCode = concept(concepts, refs[0])
		im.ReportOrigin = concept(concepts, refs[1])
		im.Site = concept(concepts, refs[2])
		im.Route = concept(concepts, refs[3])
		im.Context = identifier(identifiers, idents[0])
		im.Performer = identifier(identifiers, idents[1])

		for _, row := range explanations[im.ID] {
			if im.Explanation == nil {
				im.Explanation = &Explanation{}
			}
			if row.reasonID != nil {
				im.Explanation.Reasons = append(im.Explanation.Reasons, concepts[*row.reasonID])
			}
			if row.reasonNotGivenID != nil {
				im.Explanation.ReasonsNotGiven = append(im.Explanation.ReasonsNotGiven, concepts[*row.reasonNotGivenID])
			}
		}

		for _, row := range protocols[im.ID] {
			protocol := VaccinationProtocol{
				DoseSequence: row.doseSequence,
				Description:  row.description,
				Authority:    concept(concepts, row.authorityID),
				Series:       row.series,
				SeriesDoses:  row.seriesDoses,
			}
			for _, diseaseID := range row.targetDiseaseIDs {
				protocol.TargetDiseases = append(protocol.TargetDiseases, concepts[diseaseID])
			}
			im.Protocols = append(im.Protocols, protocol)
		}
	}
	return immunizations, nil
}

type explanationRow struct {
	reasonID         *int64
	reasonNotGivenID *int64
}

func (r *ImmunizationRepo) loadExplanations(ctx context.Context, immunizationIDs []int64) (map[int64][]explanationRow, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT immunization_id, reason_id, reason_not_given_id
		FROM immunization_explanations
		WHERE immunization_id = ANY($1)
		ORDER BY id`, immunizationIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query immunization explanations: %w", err)
	}
	defer rows.Close()

	out := map[int64][]explanationRow{}
	var conceptIDs []int64
	for rows.Next() {
		var immunizationID int64
		var row explanationRow
		if err := rows.Scan(&immunizationID, &row.reasonID, &row.reasonNotGivenID); err != nil {
			return nil, nil, fmt.Errorf("scan immunization explanation: %w", err)
		}
		conceptIDs = appendID(appendID(conceptIDs, row.reasonID), row.reasonNotGivenID)
		out[immunizationID] = append(out[immunizationID], row)
	}
	return out, conceptIDs, rows.Err()
}

type protocolRow struct {
	doseSequence     *int
	description      *string
	authorityID      *int64
	series           *string
	seriesDoses      *int
	targetDiseaseIDs []int64
}

func (r *ImmunizationRepo) loadProtocols(ctx context.Context, immunizationIDs []int64) (map[int64][]*protocolRow, []int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, immunization_id, dose_sequence, description, authority_id, series, series_doses
		FROM vaccination_protocols
		WHERE immunization_id = ANY($1)
		ORDER BY id`, immunizationIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query vaccination protocols: %w", err)
	}
	defer rows.Close()

	out := map[int64][]*protocolRow{}
	rowByID := map[int64]*protocolRow{}
	var conceptIDs, protocolIDs []int64
	for rows.Next() {
		var protocolID, immunizationID int64
		row := &protocolRow{}
		if err := rows.Scan(&protocolID, &immunizationID, &row.doseSequence, &row.description,
			&row.authorityID, &row.series, &row.seriesDoses); err != nil {
			return nil, nil, fmt.Errorf("scan vaccination protocol: %w", err)
		}
		conceptIDs = appendID(conceptIDs, row.authorityID)
		out[immunizationID] = append(out[immunizationID], row)
		rowByID[protocolID] = row
		protocolIDs = append(protocolIDs, protocolID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(protocolIDs) == 0 {
		return out, conceptIDs, nil
	}

	diseaseRows, err := r.pool.Query(ctx, `
		SELECT protocol_id, code_id
		FROM vaccination_protocol_target_diseases
		WHERE protocol_id = ANY($1)
		ORDER BY id`, protocolIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query target diseases: %w", err)
	}
	defer diseaseRows.Close()

	for diseaseRows.Next() {
		var protocolID, codeID int64
		if err := diseaseRows.Scan(&protocolID, &codeID); err != nil {
			return nil, nil, fmt.Errorf("scan target disease: %w", err)
		}
		if row, ok := rowByID[protocolID]; ok {
			row.targetDiseaseIDs = append(row.targetDiseaseIDs, codeID)
		}
		conceptIDs = append(conceptIDs, codeID)
	}
	return out, conceptIDs, diseaseRows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *ImmunizationRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, vaccine_code_id FROM immunizations WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find immunization ref: %w", err)
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
