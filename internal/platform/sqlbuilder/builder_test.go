package sqlbuilder

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"PATIENT", `"PATIENT"`},
		{`we"ird`, `"we""ird"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelect_Postgres(t *testing.T) {
	q := NewSelect("PATIENT").
		Distinct().
		Column(Col("PATIENT", "CONTENT")).
		Join(Join{Table: "IDENTIFIER", Alias: "T1", Left: Col("PATIENT", "ID"), Right: Col("T1", "RESOURCEID")}).
		Where(Condition{Column: Col("T1", "VALUE"), Op: Equals, Type: TypeText, Value: "foo"}).
		Where(Condition{Column: Col("PATIENT", "GENDER"), Op: Like, Type: TypeVarchar, Value: "%fe%"}).
		OrderBy(Col("PATIENT", "LASTUPDATED"), true).
		Limit(1).
		Offset(1)

	stmt, err := q.Build(Postgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `SELECT DISTINCT "PATIENT"."CONTENT", "PATIENT"."LASTUPDATED" FROM "PATIENT"` +
		` JOIN "IDENTIFIER" "T1" ON "PATIENT"."ID"="T1"."RESOURCEID"` +
		` WHERE "T1"."VALUE" = $1 AND "PATIENT"."GENDER" LIKE $2 ESCAPE '\'` +
		` ORDER BY "PATIENT"."LASTUPDATED" DESC LIMIT 1 OFFSET 1`
	if stmt.SQL != want {
		t.Errorf("sql mismatch\n got: %s\nwant: %s", stmt.SQL, want)
	}
	if len(stmt.Args) != 2 || stmt.Args[0] != "foo" || stmt.Args[1] != "%fe%" {
		t.Errorf("unexpected args: %v", stmt.Args)
	}
}

func TestSelect_SQLitePlaceholders(t *testing.T) {
	stmt, err := NewSelect("OBSERVATION").
		Column(Col("OBSERVATION", "CONTENT")).
		Where(Condition{Column: Col("OBSERVATION", "CODE"), Op: Equals, Type: TypeVarchar, Value: "a"}).
		Where(Condition{Column: Col("OBSERVATION", "STATUS"), Op: NotEquals, Type: TypeVarchar, Value: "b"}).
		Build(SQLite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(stmt.SQL, "?") != 2 {
		t.Errorf("expected two ? placeholders, got %s", stmt.SQL)
	}
	if strings.Contains(stmt.SQL, "$") {
		t.Errorf("sqlite statement must not use numbered placeholders: %s", stmt.SQL)
	}
	if strings.Contains(stmt.SQL, "LIMIT") {
		t.Errorf("no limit requested: %s", stmt.SQL)
	}
}

func TestSelect_NumericConditionCastsColumn(t *testing.T) {
	stmt, err := NewSelect("OBSERVATION").
		Column(Col("OBSERVATION", "CONTENT")).
		Where(Condition{Column: Col("OBSERVATION", "VALUEQUANTITY"), Op: GreaterThan, Type: TypeNumeric, Value: "5"}).
		Build(Postgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `SELECT "OBSERVATION"."CONTENT" FROM "OBSERVATION" WHERE CAST("OBSERVATION"."VALUEQUANTITY" AS NUMERIC) > $1`
	if stmt.SQL != want {
		t.Errorf("sql mismatch\n got: %s\nwant: %s", stmt.SQL, want)
	}
	if len(stmt.Args) != 1 || stmt.Args[0] != 5.0 {
		t.Errorf("expected the value bound as a float, got %#v", stmt.Args)
	}

	_, err = NewSelect("OBSERVATION").
		Where(Condition{Column: Col("OBSERVATION", "VALUEQUANTITY"), Op: Equals, Type: TypeNumeric, Value: "ten"}).
		Build(SQLite)
	if err == nil {
		t.Error("expected error binding a non-numeric value")
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a_b", `a\_b`},
		{"50%", `50\%`},
		{`c:\tmp`, `c:\\tmp`},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := EscapeLike(tt.in); got != tt.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelect_ValuesNeverInlined(t *testing.T) {
	evil := "x'; DROP TABLE PATIENT; --"
	stmt, err := NewSelect("PATIENT").
		Column(Col("PATIENT", "CONTENT")).
		Where(Condition{Column: Col("PATIENT", "NAME"), Op: Equals, Type: TypeText, Value: evil}).
		Build(Postgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(stmt.SQL, "DROP") {
		t.Errorf("value leaked into sql: %s", stmt.SQL)
	}
	if stmt.Args[0] != evil {
		t.Errorf("expected value to be bound, got %v", stmt.Args)
	}
}

func TestCreateTable(t *testing.T) {
	stmts, err := NewCreateTable("PATIENT_HISTORY").
		Column(ColumnDef{Name: "VERSIONID", Type: TypeUUID, PrimaryKey: true}).
		Column(ColumnDef{Name: "ID", Type: TypeUUID, NotNull: true}).
		Column(ColumnDef{Name: "LASTUPDATED", Type: TypeTimestamp, NotNull: true}).
		Column(ColumnDef{Name: "CONTENT", Type: TypeText, NotNull: true}).
		Index("ID").
		Build(Postgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected table + index statements, got %d", len(stmts))
	}
	want := `CREATE TABLE IF NOT EXISTS "PATIENT_HISTORY" ("VERSIONID" UUID NOT NULL PRIMARY KEY, ` +
		`"ID" UUID NOT NULL, "LASTUPDATED" TIMESTAMPTZ NOT NULL, "CONTENT" TEXT NOT NULL)`
	if stmts[0].SQL != want {
		t.Errorf("sql mismatch\n got: %s\nwant: %s", stmts[0].SQL, want)
	}
	if !strings.Contains(stmts[1].SQL, `ON "PATIENT_HISTORY" ("ID")`) {
		t.Errorf("unexpected index statement: %s", stmts[1].SQL)
	}

	lite, err := NewCreateTable("PATIENT").
		Column(ColumnDef{Name: "ID", Type: TypeUUID, PrimaryKey: true}).
		Column(ColumnDef{Name: "NAME", Type: TypeVarchar, Size: ScalarSize}).
		Build(SQLite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lite[0].SQL != `CREATE TABLE IF NOT EXISTS "PATIENT" ("ID" TEXT NOT NULL PRIMARY KEY, "NAME" TEXT)` {
		t.Errorf("unexpected sqlite ddl: %s", lite[0].SQL)
	}
}

func TestInsertUpdateDelete(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	ins, err := NewInsert("PATIENT").
		Value("ID", TypeUUID, id).
		Value("LASTUPDATED", TypeTimestamp, ts).
		Value("CONTENT", TypeText, "{}").
		Build(SQLite)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ins.SQL != `INSERT INTO "PATIENT" ("ID", "LASTUPDATED", "CONTENT") VALUES (?, ?, ?)` {
		t.Errorf("unexpected insert: %s", ins.SQL)
	}
	if ins.Args[0] != id.String() {
		t.Errorf("uuid should bind as string, got %v", ins.Args[0])
	}
	if ins.Args[1] != "2024-01-02T03:04:05.000000006Z" {
		t.Errorf("unexpected sqlite timestamp encoding: %v", ins.Args[1])
	}

	upd, err := NewUpdate("PATIENT").
		Set("CONTENT", TypeText, "{}").
		Where("ID", Equals, TypeUUID, id).
		Build(Postgres)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.SQL != `UPDATE "PATIENT" SET "CONTENT"=$1 WHERE "ID" = $2` {
		t.Errorf("unexpected update: %s", upd.SQL)
	}

	del, err := NewDelete("IDENTIFIER").Where("RESOURCEID", Equals, TypeUUID, id).Build(Postgres)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if del.SQL != `DELETE FROM "IDENTIFIER" WHERE "RESOURCEID" = $1` {
		t.Errorf("unexpected delete: %s", del.SQL)
	}
}

func TestBuild_Errors(t *testing.T) {
	if _, err := NewDelete("IDENTIFIER").Build(Postgres); err == nil {
		t.Error("expected unconditional delete to be refused")
	}
	if _, err := NewInsert("PATIENT").Value("ID", TypeUUID, "not-a-uuid").Build(Postgres); err == nil {
		t.Error("expected invalid uuid to fail")
	}
	if _, err := NewInsert("PATIENT").Build(Postgres); err == nil {
		t.Error("expected empty insert to fail")
	}
}

func TestDialectByName(t *testing.T) {
	if d, err := DialectByName("pgx"); err != nil || d.Name != "postgres" {
		t.Errorf("expected postgres, got %v %v", d, err)
	}
	if d, err := DialectByName("sqlite"); err != nil || d.Name != "sqlite" {
		t.Errorf("expected sqlite, got %v %v", d, err)
	}
	if _, err := DialectByName("oracle"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestSelect_OutputColumns(t *testing.T) {
	q := NewSelect("PATIENT").
		Column(Col("PATIENT", "CONTENT")).
		OrderBy(Col("PATIENT", "LASTUPDATED"), false).
		OrderBy(Col("PATIENT", "CONTENT"), false)
	if n := q.OutputColumns(); n != 1 {
		t.Errorf("without DISTINCT expected 1 column, got %d", n)
	}
	q.Distinct()
	if n := q.OutputColumns(); n != 2 {
		t.Errorf("with DISTINCT expected 2 columns, got %d", n)
	}
}
