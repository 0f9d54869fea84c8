package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

// Fixed columns of the current-row and history tables.
const (
	ColumnID          = "ID"
	ColumnVersionID   = "VERSIONID"
	ColumnLastUpdated = "LASTUPDATED"
	ColumnContent     = "CONTENT"
)

// TableName is the current-row table of a resource type.
func TableName(resourceType string) string {
	return strings.ToUpper(resourceType)
}

// HistoryTableName is the append-only version table of a resource type.
func HistoryTableName(resourceType string) string {
	return TableName(resourceType) + "_HISTORY"
}

// ColumnName maps a search code to its column.
func ColumnName(code string) string {
	switch code {
	case "_id":
		return ColumnID
	case "meta.lastUpdated", "_lastUpdated":
		return ColumnLastUpdated
	}
	return strings.ToUpper(strings.ReplaceAll(code, "-", ""))
}

// scalarParameters lists the parameters of resourceType that get their own
// VARCHAR column, in code order.
func (s *Store) scalarParameters(resourceType string) []*fhir.SearchParameter {
	var out []*fhir.SearchParameter
	seen := map[string]bool{}
	for _, p := range s.registry.GetParameters(resourceType) {
		if !p.Indexable() || s.lookups.TableFor(p) != nil {
			continue
		}
		col := ColumnName(p.Code)
		if seen[col] {
			continue
		}
		seen[col] = true
		out = append(out, p)
	}
	return out
}

// CreateTables creates the lookup tables and the current and history tables
// of every registered resource type in one transaction. It is safe to run
// repeatedly.
func (r *Repository) CreateTables(ctx context.Context) error {
	err := r.sess.Transact(ctx, func(tx db.Session) error {
		if err := r.store.lookups.CreateSchema(ctx, tx); err != nil {
			return err
		}
		for _, rt := range r.store.registry.ResourceTypes() {
			if err := r.createResourceTables(ctx, tx, rt); err != nil {
				return fmt.Errorf("create tables for %s: %w", rt, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.store.logger.Info().Int("resource_types", len(r.store.registry.ResourceTypes())).Msg("schema ready")
	return nil
}

func (r *Repository) createResourceTables(ctx context.Context, tx db.Session, resourceType string) error {
	current := sqlbuilder.NewCreateTable(TableName(resourceType)).
		Column(sqlbuilder.ColumnDef{Name: ColumnID, Type: sqlbuilder.TypeUUID, PrimaryKey: true}).
		Column(sqlbuilder.ColumnDef{Name: ColumnLastUpdated, Type: sqlbuilder.TypeTimestamp, NotNull: true}).
		Column(sqlbuilder.ColumnDef{Name: ColumnContent, Type: sqlbuilder.TypeText, NotNull: true}).
		Index(ColumnLastUpdated)
	for _, p := range r.store.scalarParameters(resourceType) {
		current.Column(sqlbuilder.ColumnDef{Name: ColumnName(p.Code), Type: sqlbuilder.TypeVarchar, Size: sqlbuilder.ScalarSize})
	}

	history := sqlbuilder.NewCreateTable(HistoryTableName(resourceType)).
		Column(sqlbuilder.ColumnDef{Name: ColumnVersionID, Type: sqlbuilder.TypeUUID, PrimaryKey: true}).
		Column(sqlbuilder.ColumnDef{Name: ColumnID, Type: sqlbuilder.TypeUUID, NotNull: true}).
		Column(sqlbuilder.ColumnDef{Name: ColumnLastUpdated, Type: sqlbuilder.TypeTimestamp, NotNull: true}).
		Column(sqlbuilder.ColumnDef{Name: ColumnContent, Type: sqlbuilder.TypeText, NotNull: true}).
		Index(ColumnID)

	for _, ct := range []*sqlbuilder.CreateTable{current, history} {
		stmts, err := ct.Build(tx.Dialect())
		if err != nil {
			return err
		}
		if err := db.ExecAll(ctx, tx, stmts); err != nil {
			return err
		}
	}
	return nil
}
