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

// ClinicalImpressionInput is the normalized shape a clinical impression
// arrives in. Problems and Findings reference conditions; SupportingInfo
// entries carry their target kind in the identifier's type coding.
type ClinicalImpressionInput struct {
	resourceID
	Status          string                   `json:"status"`
	Code            terminology.ConceptInput `json:"code"`
	Context         *terminology.Reference   `json:"context,omitempty"`
	Description     *string                  `json:"description,omitempty"`
	AssessedAt      *time.Time               `json:"date,omitempty"`
	Assessor        *terminology.Reference   `json:"assessor,omitempty"`
	Previous        *terminology.Reference   `json:"previous,omitempty"`
	Problems        []terminology.Reference  `json:"problems,omitempty"`
	Findings        []terminology.Reference  `json:"findings,omitempty"`
	SupportingInfo  []terminology.Reference  `json:"supportingInfo,omitempty"`
	Summary         *string                  `json:"summary,omitempty"`
	Note            *string                  `json:"note,omitempty"`
	EffectivePeriod *Period                  `json:"effectivePeriod,omitempty"`
}

// ClinicalImpression is a reconstructed impression tree. SupportingInfo
// holds the entries still typed as clinical resources; entries typed as
// episodes of care are split into SupportingInfoEpisodes.
type ClinicalImpression struct {
	ID                     int64                        `json:"-"`
	UUID                   string                       `json:"id"`
	Status                 string                       `json:"status"`
	Code                   *terminology.CodeableConcept `json:"code,omitempty"`
	Context                *terminology.Identifier      `json:"context,omitempty"`
	Description            *string                      `json:"description,omitempty"`
	AssessedAt             *time.Time                   `json:"date,omitempty"`
	Assessor               *terminology.Identifier      `json:"assessor,omitempty"`
	Previous               *terminology.Identifier      `json:"previous,omitempty"`
	Problems               []ResourceReference          `json:"problems,omitempty"`
	Findings               []ResourceReference          `json:"findings,omitempty"`
	SupportingInfo         []ResourceReference          `json:"supportingInfo,omitempty"`
	SupportingInfoEpisodes []EpisodeReference           `json:"supportingInfoEpisodes,omitempty"`
	Summary                *string                      `json:"summary,omitempty"`
	Note                   *string                      `json:"note,omitempty"`
	EffectivePeriod        *Period                      `json:"effectivePeriod,omitempty"`
	InsertedAt             time.Time                    `json:"insertedAt"`
}

// ClinicalImpressionRepo persists clinical impressions and runs the
// supporting-info split on reconstruction.
type ClinicalImpressionRepo struct {
	pool     *pgxpool.Pool
	terms    *terminology.Store
	logger   *zap.Logger
	resolver RefResolver
}

func NewClinicalImpressionRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *ClinicalImpressionRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClinicalImpressionRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of impressions in one transaction.
func (r *ClinicalImpressionRepo) Store(ctx context.Context, parent ParentLink, inputs []ClinicalImpressionInput) error {
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
			r.logger.Error("store clinical impression failed",
				zap.String("resource", "clinical_impression"),
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

func (r *ClinicalImpressionRepo) storeOne(ctx context.Context, tx pgx.Tx, parent ParentLink, in ClinicalImpressionInput) error {
	codeID, err := storeConceptID(ctx, tx, r.terms, &in.Code)
	if err != nil {
		return err
	}
	contextID, err := storeReferenceID(ctx, tx, r.terms, in.Context)
	if err != nil {
		return err
	}
	assessorID, err := storeReferenceID(ctx, tx, r.terms, in.Assessor)
	if err != nil {
		return err
	}
	previousID, err := storeReferenceID(ctx, tx, r.terms, in.Previous)
	if err != nil {
		return err
	}

	encounterID, encounterUUID := parent.columns()

	var start, end *time.Time
	if in.EffectivePeriod != nil {
		start, end = in.EffectivePeriod.Start, in.EffectivePeriod.End
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO clinical_impressions
			(uuid, encounter_id, encounter_internal_id, status, code_id, context_identifier_id,
			 description, assessed_at, assessor_identifier_id, previous_identifier_id,
			 summary, note, effective_start, effective_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		in.uuid(), encounterID, encounterUUID, in.Status, codeID, contextID,
		in.Description, in.AssessedAt, assessorID, previousID,
		in.Summary, in.Note, start, end,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert clinical impression: %w", err)
	}

	children := []struct {
		table string
		refs  []terminology.Reference
	}{
		{"clinical_impression_problems", in.Problems},
		{"clinical_impression_findings", in.Findings},
		{"clinical_impression_supporting_info", in.SupportingInfo},
	}
	for _, child := range children {
		for _, ref := range child.refs {
			identID, err := storeReferenceID(ctx, tx, r.terms, &ref)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				`INSERT INTO %s (clinical_impression_id, identifier_id) VALUES ($1, $2)`, child.table),
				id, identID,
			); err != nil {
				return fmt.Errorf("insert %s: %w", child.table, err)
			}
		}
	}

	return writeSubmissionEntry(ctx, tx, "clinical_impression", in.uuid(), in)
}

// Get reconstructs every impression stored under the given encounter.
// Problems and findings are enriched against local conditions; supporting
// info is split and enriched by the type discriminator on each entry.
func (r *ClinicalImpressionRepo) Get(ctx context.Context, encounterID int64) ([]ClinicalImpression, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, uuid, status, code_id, context_identifier_id, description, assessed_at,
		       assessor_identifier_id, previous_identifier_id, summary, note,
		       effective_start, effective_end, inserted_at
		FROM clinical_impressions
		WHERE encounter_id = $1
		ORDER BY id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query clinical impressions: %w", err)
	}
	defer rows.Close()

	var (
		impressions  []ClinicalImpression
		ids          []int64
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int]*int64{}
		identityRefs = map[int][3]*int64{}
	)
	for rows.Next() {
		var (
			ci                           ClinicalImpression
			codeID, contextID            *int64
			assessorID, previousID       *int64
			effectiveStart, effectiveEnd *time.Time
		)
		if err := rows.Scan(&ci.ID, &ci.UUID, &ci.Status, &codeID, &contextID, &ci.Description, &ci.AssessedAt,
			&assessorID, &previousID, &ci.Summary, &ci.Note,
			&effectiveStart, &effectiveEnd, &ci.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan clinical impression: %w", err)
		}
		if effectiveStart != nil || effectiveEnd != nil {
			ci.EffectivePeriod = &Period{Start: effectiveStart, End: effectiveEnd}
		}
		idx := len(impressions)
		conceptRefs[idx] = codeID
		identityRefs[idx] = [3]*int64{contextID, assessorID, previousID}
		conceptIDs = appendID(conceptIDs, codeID)
		identityIDs = appendID(appendID(appendID(identityIDs, contextID), assessorID), previousID)
		ids = append(ids, ci.ID)
		impressions = append(impressions, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(impressions) == 0 {
		return nil, nil
	}

	problems, problemIdentityIDs, err := r.loadIdentifierChildren(ctx, "clinical_impression_problems", ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, problemIdentityIDs...)

	findings, findingIdentityIDs, err := r.loadIdentifierChildren(ctx, "clinical_impression_findings", ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, findingIdentityIDs...)

	supporting, supportingIdentityIDs, err := r.loadIdentifierChildren(ctx, "clinical_impression_supporting_info", ids)
	if err != nil {
		return nil, err
	}
	identityIDs = append(identityIDs, supportingIdentityIDs...)

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range impressions {
		ci := &impressions[i]
		ci.Code = concept(concepts, conceptRefs[i])
		idents := identityRefs[i]
		ci.Context = identifier(identifiers, idents[0])
		ci.Assessor = identifier(identifiers, idents[1])
		ci.Previous = identifier(identifiers, idents[2])
		ci.Problems, err = r.resolveConditionRefs(ctx, problems[ci.ID], identifiers)
		if err != nil {
			return nil, err
		}
		ci.Findings, err = r.resolveConditionRefs(ctx, findings[ci.ID], identifiers)
		if err != nil {
			return nil, err
		}
		ci.SupportingInfo, ci.SupportingInfoEpisodes, err = r.splitSupportingInfo(ctx, supporting[ci.ID], identifiers)
		if err != nil {
			return nil, err
		}
	}
	return impressions, nil
}

func (r *ClinicalImpressionRepo) resolveConditionRefs(ctx context.Context, identifierIDs []int64, identifiers map[int64]*terminology.Identifier) ([]ResourceReference, error) {
	var out []ResourceReference
	for _, identID := range identifierIDs {
		reference := ResourceReference{Identifier: identifiers[identID]}
		if r.resolver != nil && reference.Identifier != nil {
			ref, err := r.resolver.Resolve(ctx, RefCondition, reference.Identifier.Value)
			if err != nil {
				return nil, err
			}
			reference.applyRef(ref)
		}
		out = append(out, reference)
	}
	return out, nil
}

// splitSupportingInfo buckets supporting-info entries by the type
// discriminator in the identifier's coding. Episode-of-care entries move to
// their own list enriched with the episode's display fields; the rest are
// enriched through the resolver for their own kind. Entries with an unknown
// or missing discriminator stay untouched.
func (r *ClinicalImpressionRepo) splitSupportingInfo(ctx context.Context, identifierIDs []int64, identifiers map[int64]*terminology.Identifier) ([]ResourceReference, []EpisodeReference, error) {
	var (
		info     []ResourceReference
		episodes []EpisodeReference
	)
	for _, identID := range identifierIDs {
		ident := identifiers[identID]
		typ, known := ReferenceType(""), false
		if ident != nil {
			typ, known = ParseReferenceType(ident.Type.FirstCode())
		}

		if known && typ == RefEpisodeOfCare {
			episode := EpisodeReference{Identifier: ident}
			if r.resolver != nil {
				ref, err := r.resolver.Resolve(ctx, RefEpisodeOfCare, ident.Value)
				if err != nil {
					return nil, nil, err
				}
				if ref != nil {
					episode.Name = ref.Name
					at := ref.InsertedAt
					episode.InsertedAt = &at
				}
			}
			episodes = append(episodes, episode)
			continue
		}

		reference := ResourceReference{Identifier: ident}
		if known && r.resolver != nil {
			ref, err := r.resolver.Resolve(ctx, typ, ident.Value)
			if err != nil {
				return nil, nil, err
			}
			reference.applyRef(ref)
		}
		info = append(info, reference)
	}
	return info, episodes, nil
}

func (r *ClinicalImpressionRepo) loadIdentifierChildren(ctx context.Context, table string, impressionIDs []int64) (map[int64][]int64, []int64, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT clinical_impression_id, identifier_id
		FROM %s
		WHERE clinical_impression_id = ANY($1)
		ORDER BY id`, table), impressionIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := map[int64][]int64{}
	var identityIDs []int64
	for rows.Next() {
		var impressionID, identID int64
		if err := rows.Scan(&impressionID, &identID); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[impressionID] = append(out[impressionID], identID)
		identityIDs = append(identityIDs, identID)
	}
	return out, identityIDs, rows.Err()
}

// FindRef is the narrow reverse lookup by external UUID.
func (r *ClinicalImpressionRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	var codeID *int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, inserted_at, code_id FROM clinical_impressions WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.InsertedAt, &codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find clinical impression ref: %w", err)
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
