package invocation

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	xerrors "monokkai/internal/errors"
	"monokkai/pkg/extension"
)

var invocationColumns = []string{
	"id", "extension", "args", "status", "attempts", "last_error", "error_code",
	"created_at", "updated_at", "started_at", "finished_at",
}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	store, err := NewMySQLStoreWithDB(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store, mock
}

func TestMySQLStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO invocations").
		WithArgs("i1", "greet", `["a","b"]`, "pending", 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO invocations").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	inv := &Invocation{ID: "i1", Extension: "greet", Args: []string{"a", "b"}, Status: StatusPending}
	if err := store.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.CreatedAt == 0 || inv.UpdatedAt == 0 {
		t.Fatalf("timestamps not assigned: %+v", inv)
	}
	if err := store.Create(ctx, &Invocation{ID: "i1", Extension: "greet", Status: StatusPending}); !errors.Is(err, ErrInvocationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM invocations WHERE id = ?")).
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows(invocationColumns).
			AddRow("i1", "greet", `["--loud"]`, "running", 1, nil, "", int64(10), int64(20), int64(20), int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invocations WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(invocationColumns))

	inv, err := store.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inv.Status != StatusRunning || len(inv.Args) != 1 || inv.Args[0] != "--loud" || inv.StartedAt != 20 {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrInvocationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE invocations SET status").
		WithArgs("running", sqlmock.AnyArg(), sqlmock.AnyArg(), "i1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM invocations WHERE id").
		WillReturnRows(sqlmock.NewRows(invocationColumns).
			AddRow("i1", "greet", `[]`, "running", 1, "", "", int64(10), int64(20), int64(20), int64(0)))

	mock.ExpectExec("UPDATE invocations SET status").
		WithArgs("running", sqlmock.AnyArg(), sqlmock.AnyArg(), "i2", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM invocations WHERE id").
		WillReturnRows(sqlmock.NewRows(invocationColumns).
			AddRow("i2", "greet", `[]`, "failed", 1, "boom", "EXTENSION_EXECUTION_FAILED", int64(10), int64(30), int64(20), int64(30)))

	inv, err := store.Claim(ctx, "i1")
	if err != nil || inv.Status != StatusRunning {
		t.Fatalf("claim: %+v %v", inv, err)
	}
	inv, err = store.Claim(ctx, "i2")
	if !errors.Is(err, ErrInvocationCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if inv.LastError != "boom" || inv.ErrorCode != string(extension.CodeExecution) {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreMarkResults(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE invocations SET status").
		WithArgs("succeeded", sqlmock.AnyArg(), sqlmock.AnyArg(), "i1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE invocations SET status").
		WithArgs("failed", "boom", "EXTENSION_EXECUTION_FAILED", sqlmock.AnyArg(), sqlmock.AnyArg(), "i2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE invocations SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkSucceeded(ctx, "i1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkFailed(ctx, "i2", extension.CodeExecution, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "gone"); !errors.Is(err, ErrInvocationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN (?) AND extension = ? ORDER BY updated_at ASC")).
		WithArgs("failed", "greet", 5, 10).
		WillReturnRows(sqlmock.NewRows(invocationColumns).
			AddRow("i2", "greet", `["x"]`, "failed", 1, "boom", "EXTENSION_EXECUTION_FAILED", int64(10), int64(30), int64(20), int64(30)))
	mock.ExpectQuery("COUNT").
		WithArgs("pending", "running", "succeeded", "failed", "greet").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"}).
			AddRow(5, 1, 1, 2, 1, int64(10), int64(50)))

	list, err := store.List(ctx, BuildListOptions(
		WithStatuses(StatusFailed, "bogus"),
		WithExtension("greet"),
		WithSortOrder(SortByUpdatedAsc),
		WithLimit(5),
		WithOffset(10),
	))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "i2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	stats, err := store.Stats(ctx, BuildListOptions(WithExtension("greet")))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Succeeded != 2 || stats.NewestUpdatedAt != 50 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewMySQLStoreRequiresDSN(t *testing.T) {
	if _, err := NewMySQLStore(" "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestMySQLStoreAppliesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS invocations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0001", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := NewMySQLStoreWithDB(db); err != nil {
		t.Fatalf("init store: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreMigrationFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS invocations").WillReturnError(errors.New("denied"))
	mock.ExpectRollback()

	_, err = NewMySQLStoreWithDB(db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitSQLStatementsAndVersion(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n  ;CREATE INDEX b ON a (id);  ")
	if len(stmts) != 2 || stmts[1] != "CREATE INDEX b ON a (id)" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
	for name, want := range map[string]string{"0002_add_index.sql": "0002", "0003.sql": "0003"} {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
