// Package terminology stores the shared clinical value objects: externally
// issued identifiers, codeable concepts and their codings.
package terminology

import "errors"

// ErrNotFound indicates a direct lookup by id did not match any row.
var ErrNotFound = errors.New("terminology: not found")

// ErrInvalidInput indicates the caller supplied a payload the store cannot
// persist (e.g. a concept update without a coding code).
var ErrInvalidInput = errors.New("terminology: invalid input")

// Identifier wraps an externally issued UUID. The same value may be stored
// many times: every reference creates its own row and rows are never reused.
type Identifier struct {
	ID    int64            `json:"-"`
	Value string           `json:"value"`
	Type  *CodeableConcept `json:"type,omitempty"`
}

// Coding is one code within a code system.
type Coding struct {
	ID     int64  `json:"-"`
	System string `json:"system"`
	Code   string `json:"code"`
}

// CodeableConcept is a classified value with an optional human label.
type CodeableConcept struct {
	ID     int64    `json:"-"`
	Text   *string  `json:"text,omitempty"`
	Coding []Coding `json:"coding"`
}

// FirstCode returns the code of the first coding, or "" when absent.
func (c *CodeableConcept) FirstCode() string {
	if c == nil || len(c.Coding) == 0 {
		return ""
	}
	return c.Coding[0].Code
}

// CodingInput is the wire shape of a single coding entry.
type CodingInput struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

// ConceptInput is the wire shape of a codeable concept. Only the first
// coding entry is persisted.
type ConceptInput struct {
	Coding []CodingInput `json:"coding"`
	Text   *string       `json:"text,omitempty"`
}

// IdentifierInput is the wire shape of an identifier with its optional
// type classification.
type IdentifierInput struct {
	Type  *ConceptInput `json:"type,omitempty"`
	Value string        `json:"value"`
}

// Reference wraps an identifier the way the upstream schema nests it.
type Reference struct {
	Identifier IdentifierInput `json:"identifier"`
}
