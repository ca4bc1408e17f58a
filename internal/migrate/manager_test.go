package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a(x text default 'a;b');\ninsert into a values ('c');\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "create table a(x text default 'a;b');" {
		t.Fatalf("unexpected first statement %q", got[0])
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) < 3 {
		t.Fatalf("expected embedded migrations, got %v", ups)
	}
	downs, _ := collectSQL(Migrations(), ".down.sql")
	if len(downs) != len(ups) {
		t.Fatalf("every migration needs a down file: up=%v down=%v", ups, downs)
	}
	seeds, _ := collectSQL(Seeds(), ".sql")
	if len(seeds) == 0 {
		t.Fatal("expected embedded seeds")
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a(id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b(id int); create index b_idx on b(id);")},
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(db, fsys, nil)
	mgr.now = func() time.Time { return at }

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b(id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create index b_idx on b(id);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", at).WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{"0002_b.up.sql": {Data: []byte("create table b(id int);")}}
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_b.up.sql"))

	if err := NewManager(db, fsys, nil).Down(context.Background()); err == nil {
		t.Fatal("expected missing down migration error")
	}
}
