package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRunner(t *testing.T, fsys fstest.MapFS, opts ...Option) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRunner(db, fsys, opts...), mock
}

func expectEnsureTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSplitStatements(t *testing.T) {
	src := `insert into notes (body) values ('a; b');
update notes set body = 'x';
delete from notes`
	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3: %q", len(stmts), stmts)
	}
	if want := `insert into notes (body) values ('a; b');`; stmts[0] != want {
		t.Fatalf("first statement split inside quoted string: %q", stmts[0])
	}
	if got := stmts[2]; got != "\ndelete from notes" {
		t.Fatalf("trailing statement without semicolon = %q", got)
	}
}

func TestSplitStatementsDropsBlankTail(t *testing.T) {
	stmts := splitStatements("select 1;\n\n  \n")
	if len(stmts) != 1 {
		t.Fatalf("statements = %d, want 1: %q", len(stmts), stmts)
	}
}

func TestGlobOrdersLexically(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_grants.up.sql":   {Data: []byte("select 1;")},
		"0001_init.up.sql":     {Data: []byte("select 1;")},
		"0001_init.down.sql":   {Data: []byte("select 1;")},
		"0010_sessions.up.sql": {Data: []byte("select 1;")},
		"roles.seed.sql":       {Data: []byte("select 1;")},
	}
	r := NewRunner(nil, fsys)
	names, err := r.glob(".up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"0001_init.up.sql", "0002_grants.up.sql", "0010_sessions.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestUpAppliesOnlyPending(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table riders (id text primary key);")},
		"0002_grants.up.sql": {Data: []byte(
			"create table grants (id text primary key);\ninsert into grants (id) values ('g;1');")},
	}
	r, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("create table grants").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into grants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_grants.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table riders (id text);")},
	}
	r, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table riders").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	if err := r.Up(context.Background()); err == nil {
		t.Fatal("Up succeeded over a failing statement")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql":     {Data: []byte("create table riders (id text);")},
		"0001_init.down.sql":   {Data: []byte("drop table riders;")},
		"0002_grants.up.sql":   {Data: []byte("create table grants (id text);")},
		"0002_grants.down.sql": {Data: []byte("drop table grants;")},
	}
	r, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("0001_init.up.sql").
			AddRow("0002_grants.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table grants").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0002_grants.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table riders (id text);")},
	}
	r, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	if err := r.Down(context.Background()); err == nil {
		t.Fatal("Down succeeded without a down migration on disk")
	}
}

func TestDownWithEmptyHistory(t *testing.T) {
	r, mock := newMockRunner(t, fstest.MapFS{})

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if err := r.Down(context.Background()); err == nil {
		t.Fatal("Down succeeded with nothing applied")
	}
}

func TestSeedAppliesEachFileOnce(t *testing.T) {
	fsys := fstest.MapFS{
		"policies.seed.sql": {Data: []byte("insert into policies (action) values ('ride.view');")},
		"roles.seed.sql":    {Data: []byte("insert into roles (name) values ('driver');")},
	}
	r, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("policies.seed.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("roles.seed.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatusListsHistory(t *testing.T) {
	r, mock := newMockRunner(t, fstest.MapFS{}, WithVersionTable("access_migrations"), WithSeedTable("access_seeds"))

	mock.ExpectExec("create table if not exists access_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists access_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from access_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	names, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(names) != 1 || names[0] != "0001_init.up.sql" {
		t.Fatalf("Status = %v", names)
	}
}
