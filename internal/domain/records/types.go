// Package records owns persistence and reconstruction of the clinical
// resource graph: encounters, conditions, observations, immunizations,
// procedures, diagnostic reports, clinical impressions and episodes.
//
// Resources reference each other by externally issued UUIDs, never by
// foreign keys, because the referenced resource may not exist locally at
// store time. Each Store runs as one transaction per input batch; each Get
// reloads the relational graph and runs a best-effort enrichment pass that
// dereferences those UUIDs against the sibling repositories.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/healthlink/medevents/internal/domain/terminology"
)

// ErrNotFound indicates a direct lookup missed. Reference resolution misses
// are not errors; they return a nil ref instead.
var ErrNotFound = errors.New("records: not found")

// ReferenceType is the closed set of resource kinds a stored reference can
// point at. The discriminator is read from the reference identifier's type
// coding.
type ReferenceType string

const (
	RefCondition        ReferenceType = "condition"
	RefObservation      ReferenceType = "observation"
	RefProcedure        ReferenceType = "procedure"
	RefDiagnosticReport ReferenceType = "diagnostic_report"
	RefEncounter        ReferenceType = "encounter"
	RefEpisodeOfCare    ReferenceType = "episode_of_care"
)

// ParseReferenceType maps a type code to a ReferenceType, reporting whether
// the code belongs to the closed set.
func ParseReferenceType(code string) (ReferenceType, bool) {
	switch ReferenceType(code) {
	case RefCondition, RefObservation, RefProcedure, RefDiagnosticReport, RefEncounter, RefEpisodeOfCare:
		return ReferenceType(code), true
	}
	return "", false
}

// resourceID carries the externally assigned identity of a resource. The
// upstream schema sends it either as "uuid" or, for freshly created
// resources, as "id"; the uuid is never generated here.
type resourceID struct {
	UUID string `json:"uuid,omitempty"`
	ID   string `json:"id,omitempty"`
}

func (r resourceID) uuid() string {
	if r.UUID != "" {
		return r.UUID
	}
	return r.ID
}

// ResourceRef is the narrow projection returned by the per-resource reverse
// lookups: just enough to enrich another resource's table row.
type ResourceRef struct {
	ID         int64
	UUID       string
	InsertedAt time.Time
	Code       *terminology.CodeableConcept
	Name       string // episodes only
}

// RefResolver dereferences an external UUID of the given kind. A miss
// returns (nil, nil): the referenced resource may simply not have been
// fetched from the eHealth platform yet.
type RefResolver interface {
	Resolve(ctx context.Context, typ ReferenceType, uuid string) (*ResourceRef, error)
}

// ParentLink states how a resource is tied to its encounter: created inline
// within an encounter transaction, standalone but linked by encounter UUID,
// or not linked at all.
type ParentLink struct {
	kind          parentKind
	encounterID   int64
	encounterUUID string
}

type parentKind int

const (
	parentNone parentKind = iota
	parentInline
	parentStandalone
)

// InlineParent links to a locally created encounter row.
func InlineParent(encounterID int64) ParentLink {
	return ParentLink{kind: parentInline, encounterID: encounterID}
}

// StandaloneParent links to an encounter known only by its external UUID.
func StandaloneParent(encounterUUID string) ParentLink {
	return ParentLink{kind: parentStandalone, encounterUUID: encounterUUID}
}

// NoParent marks a resource created without an encounter context.
func NoParent() ParentLink { return ParentLink{} }

// IsInline reports whether the resource is created inside an encounter
// transaction with the parent row id known.
func (l ParentLink) IsInline() bool { return l.kind == parentInline }

// EncounterID returns the local encounter row id for inline links.
func (l ParentLink) EncounterID() (int64, bool) {
	return l.encounterID, l.kind == parentInline
}

// EncounterUUID returns the external encounter UUID for standalone links.
func (l ParentLink) EncounterUUID() (string, bool) {
	return l.encounterUUID, l.kind == parentStandalone
}

// columns returns the nullable encounter_id / encounter_internal_id pair
// the schema stores.
func (l ParentLink) columns() (*int64, *string) {
	switch l.kind {
	case parentInline:
		id := l.encounterID
		return &id, nil
	case parentStandalone:
		uuid := l.encounterUUID
		return nil, &uuid
	}
	return nil, nil
}

// ResourceReference is a stored cross-resource reference as it appears in a
// reconstructed tree. Code and InsertedAt are filled by the enrichment pass
// when the target resource exists locally; otherwise the raw identifier is
// returned untouched.
type ResourceReference struct {
	Identifier *terminology.Identifier      `json:"identifier"`
	Code       *terminology.CodeableConcept `json:"code,omitempty"`
	InsertedAt *time.Time                   `json:"insertedAt,omitempty"`

	rowID int64
}

// applyRef merges the resolved target's denormalized fields into the
// reference. A nil ref leaves the reference untouched.
func (r *ResourceReference) applyRef(ref *ResourceRef) {
	if ref == nil {
		return
	}
	at := ref.InsertedAt
	r.InsertedAt = &at
	if ref.Code == nil {
		return
	}
	if r.Code == nil || len(r.Code.Coding) == 0 {
		r.Code = ref.Code
		return
	}
	r.Code.Coding[0].Code = ref.Code.FirstCode()
}

// EpisodeReference is a supporting-info entry resolved to an episode of
// care, enriched with the episode's display fields.
type EpisodeReference struct {
	Identifier *terminology.Identifier `json:"identifier"`
	Name       string                  `json:"name,omitempty"`
	InsertedAt *time.Time              `json:"insertedAt,omitempty"`
}

// Period is a flattened start/end pair merged from a 1:1 child row.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}
