// Package integration provides integration tests for the records service.
// They require a migrated Postgres instance reachable via DATABASE_URL.
package integration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/medevents/internal/domain/records"
	"github.com/healthlink/medevents/internal/domain/terminology"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	pool, err := pgxpool.New(t.Context(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(t.Context()); err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	return pool
}

func strPtr(s string) *string { return &s }

func TestConceptLifecycle(t *testing.T) {
	pool := testPool(t)
	store := terminology.NewStore(pool, nil)
	ctx := t.Context()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	concept, err := store.StoreCodeableConcept(ctx, tx, terminology.ConceptInput{
		Text:   strPtr("Outpatient"),
		Coding: []terminology.CodingInput{{System: "eHealth/encounter_classes", Code: "AMB"}},
	})
	if err != nil {
		t.Fatalf("store concept: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	updated, err := store.UpdateCodeableConceptByID(ctx, concept.ID, terminology.ConceptInput{
		Text:   strPtr("Inpatient"),
		Coding: []terminology.CodingInput{{System: "eHealth/encounter_classes", Code: "IMP"}},
	})
	if err != nil {
		t.Fatalf("update concept: %v", err)
	}
	if updated.FirstCode() != "IMP" {
		t.Errorf("updated code = %q, want IMP", updated.FirstCode())
	}
	if updated.Text == nil || *updated.Text != "Inpatient" {
		t.Errorf("updated text = %v", updated.Text)
	}

	// Update without a coding code is rejected before touching the row.
	_, err = store.UpdateCodeableConceptByID(ctx, concept.ID, terminology.ConceptInput{Text: strPtr("x")})
	if !errors.Is(err, terminology.ErrInvalidInput) {
		t.Errorf("codeless update error = %v, want ErrInvalidInput", err)
	}

	// Updating an id that does not exist is a loud miss.
	_, err = store.UpdateCodeableConceptByID(ctx, -1, terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "s", Code: "c"}},
	})
	if !errors.Is(err, terminology.ErrNotFound) {
		t.Errorf("missing id update error = %v, want ErrNotFound", err)
	}

	if err := store.DeleteCodeableConcept(ctx, concept.ID); err != nil {
		t.Fatalf("delete concept: %v", err)
	}
	_, err = store.UpdateCodeableConceptByID(ctx, concept.ID, terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "s", Code: "c"}},
	})
	if !errors.Is(err, terminology.ErrNotFound) {
		t.Errorf("update after delete error = %v, want ErrNotFound", err)
	}

	if err := store.DeleteCodeableConcept(ctx, concept.ID); !errors.Is(err, terminology.ErrNotFound) {
		t.Errorf("delete after delete error = %v, want ErrNotFound", err)
	}
}

func TestIdentifierNoDedup(t *testing.T) {
	pool := testPool(t)
	store := terminology.NewStore(pool, nil)
	ctx := t.Context()

	value := uuid.NewString()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	first, err := store.StoreIdentifier(ctx, tx, value)
	if err != nil {
		t.Fatalf("store first identifier: %v", err)
	}
	second, err := store.StoreIdentifier(ctx, tx, value)
	if err != nil {
		t.Fatalf("store second identifier: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Same value, two rows. Identifiers are never deduplicated.
	if first.ID == second.ID {
		t.Errorf("both identifiers got row id %d", first.ID)
	}
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM identifiers WHERE value = $1`, value).Scan(&count); err != nil {
		t.Fatalf("count identifiers: %v", err)
	}
	if count != 2 {
		t.Errorf("identifier rows = %d, want 2", count)
	}
}

func TestEpisodeRoundTrip(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	episodeUUID := uuid.NewString()
	start := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	var in records.EpisodeInput
	in.UUID = episodeUUID
	in.Name = "Diabetes management"
	in.Status = "active"
	in.Type = &terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/episode_types", Code: "treatment"}},
	}
	in.PeriodStart = &start

	if err := reg.Episodes.Store(ctx, []records.EpisodeInput{in}); err != nil {
		t.Fatalf("store episode: %v", err)
	}

	episodes, err := reg.Episodes.Get(ctx)
	if err != nil {
		t.Fatalf("get episodes: %v", err)
	}
	var found bool
	for _, ep := range episodes {
		if ep.UUID != episodeUUID {
			continue
		}
		found = true
		if ep.Name != "Diabetes management" {
			t.Errorf("name = %q", ep.Name)
		}
		if ep.PeriodStart == nil || !ep.PeriodStart.Equal(start) {
			t.Errorf("periodStart = %v, want %v", ep.PeriodStart, start)
		}
	}
	if !found {
		t.Fatalf("episode %s not returned by Get", episodeUUID)
	}

	ref, err := reg.Resolve(ctx, records.RefEpisodeOfCare, episodeUUID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref == nil || ref.Name != "Diabetes management" {
		t.Errorf("resolved ref = %+v", ref)
	}
}

func TestConditionResolveAndMiss(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	conditionUUID := uuid.NewString()
	var in records.ConditionInput
	in.UUID = conditionUUID
	in.Code = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/ICPC2/condition_codes", Code: "A02"}},
	}
	in.ClinicalStatus = "active"
	in.VerificationStatus = "confirmed"
	in.PrimarySource = true

	if err := reg.Conditions.Store(ctx, records.NoParent(), []records.ConditionInput{in}); err != nil {
		t.Fatalf("store condition: %v", err)
	}

	ref, err := reg.Resolve(ctx, records.RefCondition, conditionUUID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref == nil {
		t.Fatal("stored condition should resolve")
	}
	if ref.Code.FirstCode() != "A02" {
		t.Errorf("resolved code = %q, want A02", ref.Code.FirstCode())
	}
	if ref.InsertedAt.IsZero() {
		t.Error("resolved ref should carry inserted_at")
	}

	// A uuid never stored is a quiet miss, not an error.
	missing, err := reg.Resolve(ctx, records.RefCondition, uuid.NewString())
	if err != nil {
		t.Fatalf("resolve miss: %v", err)
	}
	if missing != nil {
		t.Errorf("miss = %+v, want nil", missing)
	}
}

func TestConditionBatchAtomicity(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	goodUUID := uuid.NewString()
	var good records.ConditionInput
	good.UUID = goodUUID
	good.Code = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/ICPC2/condition_codes", Code: "A02"}},
	}
	good.PrimarySource = true

	bad := good
	bad.UUID = "not-a-uuid"

	// The malformed second input rolls back the whole batch.
	err := reg.Conditions.Store(ctx, records.NoParent(), []records.ConditionInput{good, bad})
	if err == nil {
		t.Fatal("batch with a malformed uuid should fail")
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM conditions WHERE uuid = $1`, goodUUID).Scan(&count); err != nil {
		t.Fatalf("count conditions: %v", err)
	}
	if count != 0 {
		t.Errorf("first batch member persisted %d rows, want 0", count)
	}
}

func TestImmunizationExplanationShape(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	var enc records.EncounterInput
	enc.UUID = uuid.NewString()
	enc.Status = "finished"
	enc.Class = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/encounter_classes", Code: "AMB"}},
	}
	encounterID, err := reg.Encounters.Store(ctx, enc)
	if err != nil {
		t.Fatalf("store encounter: %v", err)
	}

	givenUUID := uuid.NewString()
	var given records.ImmunizationInput
	given.UUID = givenUUID
	given.VaccineCode = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/vaccine_codes", Code: "BCG"}},
	}
	given.Status = "completed"
	given.PrimarySource = true
	given.Explanation = &records.ExplanationInput{
		Reasons: []terminology.ConceptInput{
			{Coding: []terminology.CodingInput{{System: "eHealth/reason_explanations", Code: "429060002"}}},
		},
	}

	refusedUUID := uuid.NewString()
	refused := given
	refused.UUID = refusedUUID
	refused.NotGiven = true
	refused.Explanation = &records.ExplanationInput{
		ReasonsNotGiven: []terminology.ConceptInput{
			{Coding: []terminology.CodingInput{{System: "eHealth/reason_not_given_explanations", Code: "PATOBJ"}}},
		},
	}

	if err := reg.Immunizations.Store(ctx, records.InlineParent(encounterID), []records.ImmunizationInput{given, refused}); err != nil {
		t.Fatalf("store immunizations: %v", err)
	}

	out, err := reg.Immunizations.Get(ctx, encounterID)
	if err != nil {
		t.Fatalf("get immunizations: %v", err)
	}
	byUUID := make(map[string]records.Immunization, len(out))
	for _, imm := range out {
		byUUID[imm.UUID] = imm
	}

	g, ok := byUUID[givenUUID]
	if !ok {
		t.Fatalf("given immunization %s not returned", givenUUID)
	}
	if g.Explanation == nil || len(g.Explanation.Reasons) != 1 || len(g.Explanation.ReasonsNotGiven) != 0 {
		t.Errorf("given explanation = %+v, want one reason and no reasons-not-given", g.Explanation)
	}

	r, ok := byUUID[refusedUUID]
	if !ok {
		t.Fatalf("refused immunization %s not returned", refusedUUID)
	}
	if !r.NotGiven {
		t.Error("refused immunization lost notGiven flag")
	}
	if r.Explanation == nil || len(r.Explanation.ReasonsNotGiven) != 1 || len(r.Explanation.Reasons) != 0 {
		t.Errorf("refused explanation = %+v, want one reason-not-given and no reasons", r.Explanation)
	}
}

func TestEncounterBundle(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	encounterUUID := uuid.NewString()
	var enc records.EncounterInput
	enc.UUID = encounterUUID
	enc.Status = "finished"
	enc.Class = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/encounter_classes", Code: "AMB"}},
	}
	enc.Period = &records.Period{Start: timePtr(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))}

	encounterID, err := reg.Encounters.Store(ctx, enc)
	if err != nil {
		t.Fatalf("store encounter: %v", err)
	}

	var obs records.ObservationInput
	obs.UUID = uuid.NewString()
	obs.Code = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/LOINC/observation_codes", Code: "8310-5"}},
	}
	obs.Status = "valid"
	obs.PrimarySource = true
	if err := reg.Observations.Store(ctx, records.InlineParent(encounterID), []records.ObservationInput{obs}); err != nil {
		t.Fatalf("store observation: %v", err)
	}

	got, err := reg.Encounters.Get(ctx, encounterID)
	if err != nil {
		t.Fatalf("get encounter: %v", err)
	}
	if got.UUID != encounterUUID {
		t.Errorf("uuid = %q", got.UUID)
	}

	children, err := reg.Observations.Get(ctx, encounterID)
	if err != nil {
		t.Fatalf("get observations: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("observations = %d, want 1", len(children))
	}
	if children[0].Code.FirstCode() != "8310-5" {
		t.Errorf("observation code = %q", children[0].Code.FirstCode())
	}
}

func TestDiagnosticReportIDPolicy(t *testing.T) {
	pool := testPool(t)
	reg := records.NewRegistry(pool, nil, nil)
	ctx := t.Context()

	var in records.DiagnosticReportInput
	in.UUID = uuid.NewString()
	in.Code = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/diagnostic_report_codes", Code: "401"}},
	}
	in.PrimarySource = true

	id, err := reg.DiagnosticReports.Store(ctx, records.NoParent(), []records.DiagnosticReportInput{in})
	if err != nil {
		t.Fatalf("store standalone report: %v", err)
	}
	if id == nil {
		t.Fatal("standalone store should return the row id")
	}

	var enc records.EncounterInput
	enc.UUID = uuid.NewString()
	enc.Status = "finished"
	enc.Class = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/encounter_classes", Code: "AMB"}},
	}
	encounterID, err := reg.Encounters.Store(ctx, enc)
	if err != nil {
		t.Fatalf("store encounter: %v", err)
	}

	in.UUID = uuid.NewString()
	id, err = reg.DiagnosticReports.Store(ctx, records.InlineParent(encounterID), []records.DiagnosticReportInput{in})
	if err != nil {
		t.Fatalf("store inline report: %v", err)
	}
	if id != nil {
		t.Errorf("inline store returned id %d, want nil", *id)
	}
}

// countingRemote serves condition backfills from a canned map and counts
// how often each uuid is fetched.
type countingRemote struct {
	conditions map[string]*records.RemoteCondition
	fetches    map[string]int
}

func (c *countingRemote) ConditionByID(_ context.Context, uuid string) (*records.RemoteCondition, error) {
	c.fetches[uuid]++
	if rc, ok := c.conditions[uuid]; ok {
		return rc, nil
	}
	return nil, errors.New("remote condition not found")
}

func (c *countingRemote) ObservationByID(_ context.Context, uuid string) (*records.RemoteObservation, error) {
	return nil, errors.New("remote observation not found")
}

func TestProcedureBackfillFetchesOnce(t *testing.T) {
	pool := testPool(t)
	ctx := t.Context()

	conditionUUID := uuid.NewString()
	remote := &countingRemote{
		conditions: map[string]*records.RemoteCondition{
			conditionUUID: {
				ID: conditionUUID,
				Code: terminology.ConceptInput{
					Coding: []terminology.CodingInput{{System: "eHealth/ICPC2/condition_codes", Code: "K25"}},
				},
			},
		},
		fetches: map[string]int{},
	}
	reg := records.NewRegistry(pool, remote, nil)

	var in records.ProcedureInput
	in.UUID = uuid.NewString()
	in.Code = terminology.ConceptInput{
		Coding: []terminology.CodingInput{{System: "eHealth/ICD10/procedure_codes", Code: "AA1"}},
	}
	in.Status = "completed"
	in.PrimarySource = true
	// Two references to the same unknown condition inside one batch.
	in.ReasonReferences = []terminology.Reference{
		{Identifier: terminology.IdentifierInput{Value: conditionUUID}},
		{Identifier: terminology.IdentifierInput{Value: conditionUUID}},
	}

	if err := reg.Procedures.Store(ctx, records.NoParent(), []records.ProcedureInput{in}); err != nil {
		t.Fatalf("store procedure: %v", err)
	}

	// The second reference sees the row the first one backfilled in the
	// same transaction.
	if got := remote.fetches[conditionUUID]; got != 1 {
		t.Errorf("remote fetched %d times, want 1", got)
	}
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM conditions WHERE uuid = $1`, conditionUUID).Scan(&count); err != nil {
		t.Fatalf("count conditions: %v", err)
	}
	if count != 1 {
		t.Errorf("backfilled condition rows = %d, want 1", count)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
