package records

import (
	"context"
	"testing"
	"time"

	"github.com/healthlink/medevents/internal/domain/terminology"
)

// fakeResolver resolves from a fixed map keyed by type and uuid. Misses
// return (nil, nil) like the real registry.
type fakeResolver struct {
	refs map[ReferenceType]map[string]*ResourceRef
}

func (f *fakeResolver) Resolve(_ context.Context, typ ReferenceType, uuid string) (*ResourceRef, error) {
	return f.refs[typ][uuid], nil
}

func typedIdentifier(value, typeCode string) *terminology.Identifier {
	return &terminology.Identifier{
		Value: value,
		Type: &terminology.CodeableConcept{
			Coding: []terminology.Coding{{System: "eHealth/resources", Code: typeCode}},
		},
	}
}

func TestSplitSupportingInfo(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	resolver := &fakeResolver{refs: map[ReferenceType]map[string]*ResourceRef{
		RefEpisodeOfCare: {
			"ep-1": {ID: 1, UUID: "ep-1", Name: "Hypertension follow-up", InsertedAt: at},
		},
		RefObservation: {
			"ob-1": {
				ID: 2, UUID: "ob-1", InsertedAt: at,
				Code: &terminology.CodeableConcept{Coding: []terminology.Coding{{Code: "8310-5"}}},
			},
		},
	}}
	repo := &ClinicalImpressionRepo{resolver: resolver}

	identifiers := map[int64]*terminology.Identifier{
		1: typedIdentifier("ep-1", "episode_of_care"),
		2: typedIdentifier("ob-1", "observation"),
		3: typedIdentifier("dx-9", "diagnostic_report"),
		4: {Value: "untyped"},
	}

	info, episodes, err := repo.splitSupportingInfo(t.Context(), []int64{1, 2, 3, 4}, identifiers)
	if err != nil {
		t.Fatalf("splitSupportingInfo: %v", err)
	}

	if len(episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(episodes))
	}
	if episodes[0].Name != "Hypertension follow-up" {
		t.Errorf("episode name = %q", episodes[0].Name)
	}
	if episodes[0].InsertedAt == nil || !episodes[0].InsertedAt.Equal(at) {
		t.Errorf("episode insertedAt = %v", episodes[0].InsertedAt)
	}

	if len(info) != 3 {
		t.Fatalf("info = %d, want 3", len(info))
	}
	if info[0].Code.FirstCode() != "8310-5" {
		t.Errorf("resolved observation code = %q", info[0].Code.FirstCode())
	}
	// Miss against the resolver: identifier kept, no enrichment.
	if info[1].InsertedAt != nil || info[1].Code != nil {
		t.Error("unresolved reference should stay untouched")
	}
	// Missing discriminator: never sent to the resolver.
	if info[2].Identifier == nil || info[2].Identifier.Value != "untyped" {
		t.Errorf("untyped reference = %+v", info[2])
	}
	if info[2].InsertedAt != nil {
		t.Error("untyped reference should stay untouched")
	}
}

func TestSplitSupportingInfoUnresolvedEpisode(t *testing.T) {
	repo := &ClinicalImpressionRepo{resolver: &fakeResolver{refs: map[ReferenceType]map[string]*ResourceRef{}}}
	identifiers := map[int64]*terminology.Identifier{
		1: typedIdentifier("ep-missing", "episode_of_care"),
	}

	info, episodes, err := repo.splitSupportingInfo(t.Context(), []int64{1}, identifiers)
	if err != nil {
		t.Fatalf("splitSupportingInfo: %v", err)
	}
	if len(info) != 0 {
		t.Errorf("info = %d, want 0", len(info))
	}
	if len(episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(episodes))
	}
	if episodes[0].Name != "" || episodes[0].InsertedAt != nil {
		t.Error("unresolved episode should carry only its identifier")
	}
}

func TestResolveConditionRefs(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	resolver := &fakeResolver{refs: map[ReferenceType]map[string]*ResourceRef{
		RefCondition: {
			"cd-1": {
				ID: 3, UUID: "cd-1", InsertedAt: at,
				Code: &terminology.CodeableConcept{Coding: []terminology.Coding{{Code: "A02"}}},
			},
		},
	}}
	repo := &ClinicalImpressionRepo{resolver: resolver}

	identifiers := map[int64]*terminology.Identifier{
		1: typedIdentifier("cd-1", "condition"),
		2: typedIdentifier("cd-gone", "condition"),
	}

	out, err := repo.resolveConditionRefs(t.Context(), []int64{1, 2}, identifiers)
	if err != nil {
		t.Fatalf("resolveConditionRefs: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("refs = %d, want 2", len(out))
	}
	if out[0].Code.FirstCode() != "A02" || out[0].InsertedAt == nil {
		t.Errorf("resolved ref not enriched: %+v", out[0])
	}
	if out[1].Code != nil || out[1].InsertedAt != nil {
		t.Error("missed ref should stay untouched")
	}
}
