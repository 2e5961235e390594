package records

import (
	"testing"
	"time"

	"github.com/healthlink/medevents/internal/domain/terminology"
)

func TestParseReferenceType(t *testing.T) {
	known := []string{"condition", "observation", "procedure", "diagnostic_report", "encounter", "episode_of_care"}
	for _, code := range known {
		typ, ok := ParseReferenceType(code)
		if !ok {
			t.Errorf("ParseReferenceType(%q) not recognized", code)
		}
		if string(typ) != code {
			t.Errorf("ParseReferenceType(%q) = %q", code, typ)
		}
	}

	for _, code := range []string{"", "patient", "Condition", "episode"} {
		if _, ok := ParseReferenceType(code); ok {
			t.Errorf("ParseReferenceType(%q) unexpectedly recognized", code)
		}
	}
}

func TestParentLinkColumns(t *testing.T) {
	id, uuid := InlineParent(42).columns()
	if id == nil || *id != 42 {
		t.Errorf("inline parent: encounter_id = %v, want 42", id)
	}
	if uuid != nil {
		t.Errorf("inline parent: encounter_internal_id = %v, want nil", *uuid)
	}

	id, uuid = StandaloneParent("abc-123").columns()
	if id != nil {
		t.Errorf("standalone parent: encounter_id = %v, want nil", *id)
	}
	if uuid == nil || *uuid != "abc-123" {
		t.Errorf("standalone parent: encounter_internal_id = %v, want abc-123", uuid)
	}

	id, uuid = NoParent().columns()
	if id != nil || uuid != nil {
		t.Error("no parent: both columns should be nil")
	}
}

func TestParentLinkAccessors(t *testing.T) {
	if !InlineParent(7).IsInline() {
		t.Error("InlineParent should report inline")
	}
	if StandaloneParent("x").IsInline() || NoParent().IsInline() {
		t.Error("only InlineParent should report inline")
	}

	if encID, ok := InlineParent(7).EncounterID(); !ok || encID != 7 {
		t.Errorf("EncounterID = %d, %v", encID, ok)
	}
	if _, ok := StandaloneParent("x").EncounterID(); ok {
		t.Error("standalone parent should not expose an internal id")
	}
	if encUUID, ok := StandaloneParent("x").EncounterUUID(); !ok || encUUID != "x" {
		t.Errorf("EncounterUUID = %q, %v", encUUID, ok)
	}
}

func TestApplyRefNil(t *testing.T) {
	ref := ResourceReference{Identifier: &terminology.Identifier{Value: "u1"}}
	ref.applyRef(nil)
	if ref.InsertedAt != nil || ref.Code != nil {
		t.Error("nil ref should leave the reference untouched")
	}
}

func TestApplyRefAdoptsCode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolved := &ResourceRef{
		InsertedAt: at,
		Code: &terminology.CodeableConcept{
			Coding: []terminology.Coding{{System: "eHealth/ICPC2/condition_codes", Code: "A02"}},
		},
	}

	ref := ResourceReference{Identifier: &terminology.Identifier{Value: "u1"}}
	ref.applyRef(resolved)
	if ref.InsertedAt == nil || !ref.InsertedAt.Equal(at) {
		t.Errorf("InsertedAt = %v, want %v", ref.InsertedAt, at)
	}
	if ref.Code == nil || ref.Code.FirstCode() != "A02" {
		t.Errorf("reference without a code should adopt the resolved one, got %+v", ref.Code)
	}
}

func TestApplyRefOverridesFirstCoding(t *testing.T) {
	resolved := &ResourceRef{
		InsertedAt: time.Now(),
		Code: &terminology.CodeableConcept{
			Coding: []terminology.Coding{{System: "eHealth/ICPC2/condition_codes", Code: "B90"}},
		},
	}

	ref := ResourceReference{
		Identifier: &terminology.Identifier{Value: "u1"},
		Code: &terminology.CodeableConcept{
			Coding: []terminology.Coding{
				{System: "local", Code: "stale"},
				{System: "local", Code: "second"},
			},
		},
	}
	ref.applyRef(resolved)
	if ref.Code.Coding[0].Code != "B90" {
		t.Errorf("first coding code = %q, want B90", ref.Code.Coding[0].Code)
	}
	if ref.Code.Coding[1].Code != "second" {
		t.Error("later codings should stay untouched")
	}
	if ref.Code.Coding[0].System != "local" {
		t.Error("coding system should stay untouched")
	}
}

func TestApplyRefWithoutResolvedCode(t *testing.T) {
	at := time.Now()
	own := &terminology.CodeableConcept{Coding: []terminology.Coding{{Code: "keep"}}}
	ref := ResourceReference{Code: own}
	ref.applyRef(&ResourceRef{InsertedAt: at})
	if ref.InsertedAt == nil || !ref.InsertedAt.Equal(at) {
		t.Error("InsertedAt should still be merged")
	}
	if ref.Code.FirstCode() != "keep" {
		t.Error("reference code should survive a codeless target")
	}
}

func TestRegistryResolveUnknownType(t *testing.T) {
	var reg Registry
	if _, err := reg.Resolve(t.Context(), ReferenceType("medication"), "u1"); err == nil {
		t.Error("unknown reference type should be an error, not a miss")
	}
}
