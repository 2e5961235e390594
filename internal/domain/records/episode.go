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

// EpisodeInput is the normalized shape an episode of care arrives in. The
// period child carries only a start date.
type EpisodeInput struct {
	resourceID
	Name                 string                    `json:"name"`
	Status               string                    `json:"status"`
	Type                 *terminology.ConceptInput `json:"type,omitempty"`
	ManagingOrganization *terminology.Reference    `json:"managingOrganization,omitempty"`
	CareManager          *terminology.Reference    `json:"careManager,omitempty"`
	PeriodStart          *time.Time                `json:"periodStart,omitempty"`
}

// Episode is a reconstructed episode of care.
type Episode struct {
	ID                   int64                        `json:"-"`
	UUID                 string                       `json:"id"`
	Name                 string                       `json:"name"`
	Status               string                       `json:"status"`
	Type                 *terminology.CodeableConcept `json:"type,omitempty"`
	ManagingOrganization *terminology.Identifier      `json:"managingOrganization,omitempty"`
	CareManager          *terminology.Identifier      `json:"careManager,omitempty"`
	PeriodStart          *time.Time                   `json:"periodStart,omitempty"`
	InsertedAt           time.Time                    `json:"insertedAt"`
}

// EpisodeRepo persists episodes of care.
type EpisodeRepo struct {
	pool   *pgxpool.Pool
	terms  *terminology.Store
	logger *zap.Logger
}

func NewEpisodeRepo(pool *pgxpool.Pool, terms *terminology.Store, logger *zap.Logger) *EpisodeRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpisodeRepo{pool: pool, terms: terms, logger: logger}
}

// Store persists a batch of episodes in one transaction.
func (r *EpisodeRepo) Store(ctx context.Context, inputs []EpisodeInput) error {
	if len(inputs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range inputs {
		if err := r.storeOne(ctx, tx, in); err != nil {
			r.logger.Error("store episode failed",
				zap.String("resource", "episode"),
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

func (r *EpisodeRepo) storeOne(ctx context.Context, tx pgx.Tx, in EpisodeInput) error {
	typeID, err := storeConceptID(ctx, tx, r.terms, in.Type)
	if err != nil {
		return err
	}
	managingOrgID, err := storeReferenceID(ctx, tx, r.terms, in.ManagingOrganization)
	if err != nil {
		return err
	}
	careManagerID, err := storeReferenceID(ctx, tx, r.terms, in.CareManager)
	if err != nil {
		return err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO episodes
			(uuid, name, status, type_id, managing_organization_identifier_id, care_manager_identifier_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		in.uuid(), in.Name, in.Status, typeID, managingOrgID, careManagerID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}

	if in.PeriodStart != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO episode_periods (episode_id, period_start) VALUES ($1, $2)`,
			id, in.PeriodStart,
		); err != nil {
			return fmt.Errorf("insert episode period: %w", err)
		}
	}

	return writeSubmissionEntry(ctx, tx, "episode", in.uuid(), in)
}

// Get loads the full episode list, newest first, with the period start
// flattened into the view.
func (r *EpisodeRepo) Get(ctx context.Context) ([]Episode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.uuid, e.name, e.status, e.type_id,
		       e.managing_organization_identifier_id, e.care_manager_identifier_id,
		       p.period_start, e.inserted_at
		FROM episodes e
		LEFT JOIN episode_periods p ON p.episode_id = e.id
		ORDER BY e.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var (
		episodes     []Episode
		conceptIDs   []int64
		identityIDs  []int64
		conceptRefs  = map[int]*int64{}
		identityRefs = map[int][2]*int64{}
	)
	for rows.Next() {
		var (
			e                            Episode
			typeID                       *int64
			managingOrgID, careManagerID *int64
		)
		if err := rows.Scan(&e.ID, &e.UUID, &e.Name, &e.Status, &typeID,
			&managingOrgID, &careManagerID,
			&e.PeriodStart, &e.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		idx := len(episodes)
		conceptRefs[idx] = typeID
		identityRefs[idx] = [2]*int64{managingOrgID, careManagerID}
		conceptIDs = appendID(conceptIDs, typeID)
		identityIDs = appendID(appendID(identityIDs, managingOrgID), careManagerID)
		episodes = append(episodes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		return nil, nil
	}

	concepts, err := r.terms.LoadConcepts(ctx, r.pool, conceptIDs)
	if err != nil {
		return nil, err
	}
	identifiers, err := r.terms.LoadIdentifiers(ctx, r.pool, identityIDs)
	if err != nil {
		return nil, err
	}

	for i := range episodes {
		e := &episodes[i]
		e.Type = concept(concepts, conceptRefs[i])
		idents := identityRefs[i]
		e.ManagingOrganization = identifier(identifiers, idents[0])
		e.CareManager = identifier(identifiers, idents[1])
	}
	return episodes, nil
}

// FindRef is the narrow reverse lookup by external UUID. Episodes expose
// their name instead of a code.
func (r *EpisodeRepo) FindRef(ctx context.Context, uuid string) (*ResourceRef, error) {
	ref := &ResourceRef{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, uuid, name, inserted_at FROM episodes WHERE uuid = $1 ORDER BY id LIMIT 1`,
		uuid,
	).Scan(&ref.ID, &ref.UUID, &ref.Name, &ref.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find episode ref: %w", err)
	}
	return ref, nil
}
