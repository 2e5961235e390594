package terminology

import "testing"

func TestFirstCode(t *testing.T) {
	var nilConcept *CodeableConcept
	if nilConcept.FirstCode() != "" {
		t.Error("nil concept should yield empty code")
	}
	if (&CodeableConcept{}).FirstCode() != "" {
		t.Error("concept without codings should yield empty code")
	}

	c := &CodeableConcept{Coding: []Coding{
		{System: "eHealth/resources", Code: "condition"},
		{System: "eHealth/resources", Code: "ignored"},
	}}
	if c.FirstCode() != "condition" {
		t.Errorf("FirstCode = %q, want condition", c.FirstCode())
	}
}
