package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthlink/medevents/internal/domain/terminology"
)

// Registry holds one handle per repository and wires the repositories that
// enrich cross-resource references back to their siblings. Built once per
// process; replaces runtime service lookup with an explicit dependency
// graph.
type Registry struct {
	Terminology         *terminology.Store
	Encounters          *EncounterRepo
	Conditions          *ConditionRepo
	Observations        *ObservationRepo
	Immunizations       *ImmunizationRepo
	Procedures          *ProcedureRepo
	DiagnosticReports   *DiagnosticReportRepo
	ClinicalImpressions *ClinicalImpressionRepo
	Episodes            *EpisodeRepo
}

// NewRegistry constructs every repository over one pool. Local persistence
// failures are logged to the db channel; eHealth backfill failures to the
// ehealth channel. remote may be nil, which disables backfill.
func NewRegistry(pool *pgxpool.Pool, remote RemoteRecords, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbLog := logger.Named("db")
	ehealthLog := logger.Named("ehealth")

	terms := terminology.NewStore(pool, dbLog)

	reg := &Registry{
		Terminology:         terms,
		Encounters:          NewEncounterRepo(pool, terms, dbLog),
		Conditions:          NewConditionRepo(pool, terms, dbLog),
		Observations:        NewObservationRepo(pool, terms, dbLog),
		Immunizations:       NewImmunizationRepo(pool, terms, dbLog),
		Procedures:          NewProcedureRepo(pool, terms, remote, dbLog, ehealthLog),
		DiagnosticReports:   NewDiagnosticReportRepo(pool, terms, dbLog),
		ClinicalImpressions: NewClinicalImpressionRepo(pool, terms, dbLog),
		Episodes:            NewEpisodeRepo(pool, terms, dbLog),
	}

	reg.Encounters.resolver = reg
	reg.Procedures.resolver = reg
	reg.Procedures.conditions = reg.Conditions
	reg.Procedures.observations = reg.Observations
	reg.ClinicalImpressions.resolver = reg

	return reg
}

// Resolve dispatches a reverse lookup to the repository owning the
// referenced resource kind. The switch is exhaustive over ReferenceType; an
// unknown discriminator is a programming error, not a lookup miss.
func (g *Registry) Resolve(ctx context.Context, typ ReferenceType, uuid string) (*ResourceRef, error) {
	switch typ {
	case RefCondition:
		return g.Conditions.FindRef(ctx, uuid)
	case RefObservation:
		return g.Observations.FindRef(ctx, uuid)
	case RefProcedure:
		return g.Procedures.FindRef(ctx, uuid)
	case RefDiagnosticReport:
		return g.DiagnosticReports.FindRef(ctx, uuid)
	case RefEncounter:
		return g.Encounters.FindRef(ctx, uuid)
	case RefEpisodeOfCare:
		return g.Episodes.FindRef(ctx, uuid)
	}
	return nil, fmt.Errorf("records: unknown reference type %q", typ)
}
