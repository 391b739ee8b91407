package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/rbac"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").
		WithArgs("u1", "a@example.com", "Ann", "hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateUser(context.Background(), &auth.User{ID: "u1", Email: "a@example.com", Name: "Ann", PasswordHash: "hash"})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindUserByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select id, email, name, password_hash, created_at, updated_at.*from users where lower\\(email\\)").
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "created_at", "updated_at"}).
			AddRow("u1", "a@example.com", "Ann", "hash", now, now))
	mock.ExpectQuery("from users where id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "created_at", "updated_at"}))

	u, err := store.FindUserByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if u.ID != "u1" || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.FindUser(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccessUsesSingleJoin(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select c.id, c.name, c.created_at, c.updated_at, m.role.*from company_members m.*join companies c").
		WithArgs("c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at", "role"}).
			AddRow("c1", "Acme", now, now, "ACCOUNTANT"))
	mock.ExpectQuery("from company_members m").
		WithArgs("c1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at", "role"}))

	access, err := store.Access(context.Background(), "c1", "u1")
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if access.Role != rbac.RoleAccountant || access.Company.Name != "Acme" {
		t.Fatalf("unexpected access: %+v", access)
	}
	if _, err := store.Access(context.Background(), "c1", "u2"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateCompanyIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	company := rbac.Company{ID: "c1", Name: "Acme", CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("insert into companies").WithArgs("c1", "Acme", now, now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into company_members").WithArgs("c1", "owner", "OWNER", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := store.CreateCompany(context.Background(), company, "owner"); err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("insert into companies").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into company_members").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if _, err := store.CreateCompany(context.Background(), company, "ghost"); !errors.Is(err, rbac.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMemberMapsConstraintViolations(t *testing.T) {
	store, mock := newMockStore(t)
	m := rbac.Member{CompanyID: "c1", UserID: "u1", Role: rbac.RoleViewer, CreatedAt: time.Now().UTC()}

	mock.ExpectExec("insert into company_members").
		WithArgs("c1", "u1", "VIEWER", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := store.AddMember(context.Background(), m); !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("insert into company_members").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select m.company_id, m.user_id, u.email, m.role, m.created_at").
		WithArgs("c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "user_id", "email", "role", "created_at"}).
			AddRow("c1", "u1", "v@example.com", "VIEWER", m.CreatedAt))
	got, err := store.AddMember(context.Background(), m)
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if got.Email != "v@example.com" || got.Role != rbac.RoleViewer {
		t.Fatalf("unexpected member: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRemoveMemberNeverTouchesOwner(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from company_members.*role = \\$3 and role <> 'OWNER'").
		WithArgs("c1", "owner", "OWNER").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RemoveMember(context.Background(), "c1", "owner", rbac.RoleOwner); !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetMemberRoleRefusesChangedRole(t *testing.T) {
	store, mock := newMockStore(t)
	// The member was promoted to ADMIN after the caller read it as ACCOUNTANT.
	mock.ExpectExec("update company_members set role = \\$4.*role = \\$3 and role <> 'OWNER'").
		WithArgs("c1", "u1", "ACCOUNTANT", "VIEWER").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.SetMemberRole(context.Background(), "c1", "u1", rbac.RoleAccountant, rbac.RoleViewer)
	if !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetMemberRoleUpdatesMatchingRow(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()
	mock.ExpectExec("update company_members set role").
		WithArgs("c1", "u1", "ACCOUNTANT", "VIEWER").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select m.company_id, m.user_id, u.email, m.role, m.created_at").
		WithArgs("c1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "user_id", "email", "role", "created_at"}).
			AddRow("c1", "u1", "a@example.com", "VIEWER", created))

	got, err := store.SetMemberRole(context.Background(), "c1", "u1", rbac.RoleAccountant, rbac.RoleViewer)
	if err != nil {
		t.Fatalf("SetMemberRole: %v", err)
	}
	if got.Role != rbac.RoleViewer {
		t.Fatalf("unexpected role: %s", got.Role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
