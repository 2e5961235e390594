package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthlink/medevents/internal/infrastructure/postgres"
)

// Store persists identifiers, codeable concepts and codings.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new value-object store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// StoreIdentifier inserts a new identifier row. Repeated values are not
// deduplicated: every reference to the same external UUID gets its own row.
func (s *Store) StoreIdentifier(ctx context.Context, tx pgx.Tx, value string) (*Identifier, error) {
	ident := &Identifier{Value: value}
	err := tx.QueryRow(ctx,
		`INSERT INTO identifiers (value) VALUES ($1) RETURNING id`,
		value,
	).Scan(&ident.ID)
	if err != nil {
		return nil, fmt.Errorf("insert identifier: %w", err)
	}
	return ident, nil
}

// StoreCoding inserts a coding row under the given concept.
func (s *Store) StoreCoding(ctx context.Context, tx pgx.Tx, conceptID int64, in CodingInput) (*Coding, error) {
	coding := &Coding{System: in.System, Code: in.Code}
	err := tx.QueryRow(ctx,
		`INSERT INTO codings (codeable_concept_id, system, code) VALUES ($1, $2, $3) RETURNING id`,
		conceptID, in.System, in.Code,
	).Scan(&coding.ID)
	if err != nil {
		return nil, fmt.Errorf("insert coding: %w", err)
	}
	return coding, nil
}

// StoreCodeableConcept inserts a concept row and exactly one coding taken
// from the first coding entry of the input.
func (s *Store) StoreCodeableConcept(ctx context.Context, tx pgx.Tx, in ConceptInput) (*CodeableConcept, error) {
	return s.storeConcept(ctx, tx, in, nil)
}

// AttachCodeableConcept creates a concept owned by the identifier as its
// type classification, read from the nested identifier input.
func (s *Store) AttachCodeableConcept(ctx context.Context, tx pgx.Tx, ident *Identifier, in IdentifierInput) (*CodeableConcept, error) {
	if in.Type == nil {
		return nil, fmt.Errorf("%w: identifier type is required", ErrInvalidInput)
	}
	concept, err := s.storeConcept(ctx, tx, *in.Type, &ident.ID)
	if err != nil {
		return nil, err
	}
	ident.Type = concept
	return concept, nil
}

func (s *Store) storeConcept(ctx context.Context, tx pgx.Tx, in ConceptInput, identifierID *int64) (*CodeableConcept, error) {
	concept := &CodeableConcept{Text: in.Text}
	err := tx.QueryRow(ctx,
		`INSERT INTO codeable_concepts (text, identifier_id) VALUES ($1, $2) RETURNING id`,
		in.Text, identifierID,
	).Scan(&concept.ID)
	if err != nil {
		return nil, fmt.Errorf("insert codeable concept: %w", err)
	}

	if len(in.Coding) > 0 {
		coding, err := s.StoreCoding(ctx, tx, concept.ID, in.Coding[0])
		if err != nil {
			return nil, err
		}
		concept.Coding = []Coding{*coding}
	}
	return concept, nil
}

// UpdateCodeableConcept updates the concept text and its coding in place,
// creating the coding when the concept has none yet.
func (s *Store) UpdateCodeableConcept(ctx context.Context, tx pgx.Tx, concept *CodeableConcept, in ConceptInput) (*CodeableConcept, error) {
	if _, err := tx.Exec(ctx,
		`UPDATE codeable_concepts SET text = $1 WHERE id = $2`,
		in.Text, concept.ID,
	); err != nil {
		return nil, fmt.Errorf("update codeable concept: %w", err)
	}
	concept.Text = in.Text

	if len(in.Coding) == 0 {
		return concept, nil
	}

	if len(concept.Coding) > 0 {
		coding := &concept.Coding[0]
		if _, err := tx.Exec(ctx,
			`UPDATE codings SET system = $1, code = $2 WHERE id = $3`,
			in.Coding[0].System, in.Coding[0].Code, coding.ID,
		); err != nil {
			return nil, fmt.Errorf("update coding: %w", err)
		}
		coding.System = in.Coding[0].System
		coding.Code = in.Coding[0].Code
		return concept, nil
	}

	coding, err := s.StoreCoding(ctx, tx, concept.ID, in.Coding[0])
	if err != nil {
		return nil, err
	}
	concept.Coding = []Coding{*coding}
	return concept, nil
}

// UpdateCodeableConceptByID loads a concept by id and updates it. The id is
// expected to exist; a miss is an error, unlike the reference lookups.
func (s *Store) UpdateCodeableConceptByID(ctx context.Context, id int64, in ConceptInput) (*CodeableConcept, error) {
	if len(in.Coding) == 0 || in.Coding[0].Code == "" {
		return nil, fmt.Errorf("%w: coding[0].code is required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	concept, err := s.loadConcept(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	concept, err = s.UpdateCodeableConcept(ctx, tx, concept, in)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return concept, nil
}

// DeleteCodeableConcept removes the concept and its coding rows.
func (s *Store) DeleteCodeableConcept(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM codings WHERE codeable_concept_id = $1`, id); err != nil {
		return fmt.Errorf("delete codings: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM codeable_concepts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete codeable concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: codeable concept %d", ErrNotFound, id)
	}
	return tx.Commit(ctx)
}

// StoreReference persists the identifier of a resource reference together
// with its optional type concept and returns the new identifier row.
func (s *Store) StoreReference(ctx context.Context, tx pgx.Tx, ref Reference) (*Identifier, error) {
	ident, err := s.StoreIdentifier(ctx, tx, ref.Identifier.Value)
	if err != nil {
		return nil, err
	}
	if ref.Identifier.Type != nil {
		if _, err := s.AttachCodeableConcept(ctx, tx, ident, ref.Identifier); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

func (s *Store) loadConcept(ctx context.Context, q postgres.Querier, id int64) (*CodeableConcept, error) {
	concept := &CodeableConcept{}
	err := q.QueryRow(ctx,
		`SELECT id, text FROM codeable_concepts WHERE id = $1`, id,
	).Scan(&concept.ID, &concept.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: codeable concept %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load codeable concept: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT id, system, code FROM codings WHERE codeable_concept_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load codings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Coding
		if err := rows.Scan(&c.ID, &c.System, &c.Code); err != nil {
			return nil, fmt.Errorf("scan coding: %w", err)
		}
		concept.Coding = append(concept.Coding, c)
	}
	return concept, rows.Err()
}

// LoadConcepts batch-loads concepts with their codings keyed by concept id.
func (s *Store) LoadConcepts(ctx context.Context, q postgres.Querier, ids []int64) (map[int64]*CodeableConcept, error) {
	out := make(map[int64]*CodeableConcept, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx,
		`SELECT id, text FROM codeable_concepts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load codeable concepts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		concept := &CodeableConcept{}
		if err := rows.Scan(&concept.ID, &concept.Text); err != nil {
			return nil, fmt.Errorf("scan codeable concept: %w", err)
		}
		out[concept.ID] = concept
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	codingRows, err := q.Query(ctx,
		`SELECT id, codeable_concept_id, system, code FROM codings WHERE codeable_concept_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load codings: %w", err)
	}
	defer codingRows.Close()

	for codingRows.Next() {
		var c Coding
		var conceptID int64
		if err := codingRows.Scan(&c.ID, &conceptID, &c.System, &c.Code); err != nil {
			return nil, fmt.Errorf("scan coding: %w", err)
		}
		if concept, ok := out[conceptID]; ok {
			concept.Coding = append(concept.Coding, c)
		}
	}
	return out, codingRows.Err()
}

// LoadIdentifiers batch-loads identifiers with their type concepts keyed by
// identifier id.
func (s *Store) LoadIdentifiers(ctx context.Context, q postgres.Querier, ids []int64) (map[int64]*Identifier, error) {
	out := make(map[int64]*Identifier, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx,
		`SELECT id, value FROM identifiers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load identifiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ident := &Identifier{}
		if err := rows.Scan(&ident.ID, &ident.Value); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		out[ident.ID] = ident
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	typeRows, err := q.Query(ctx, `
		SELECT cc.id, cc.identifier_id, cc.text, c.id, c.system, c.code
		FROM codeable_concepts cc
		LEFT JOIN codings c ON c.codeable_concept_id = cc.id
		WHERE cc.identifier_id = ANY($1)
		ORDER BY cc.id, c.id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load identifier types: %w", err)
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var (
			conceptID    int64
			identifierID int64
			text         *string
			codingID     *int64
			system, code *string
		)
		if err := typeRows.Scan(&conceptID, &identifierID, &text, &codingID, &system, &code); err != nil {
			return nil, fmt.Errorf("scan identifier type: %w", err)
		}
		ident, ok := out[identifierID]
		if !ok {
			continue
		}
		if ident.Type == nil {
			ident.Type = &CodeableConcept{ID: conceptID, Text: text}
		}
		if codingID != nil {
			ident.Type.Coding = append(ident.Type.Coding, Coding{ID: *codingID, System: *system, Code: *code})
		}
	}
	return out, typeRows.Err()
}
