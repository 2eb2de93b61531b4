package mysql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"PluginRuntime/internal/auth"
)

func TestSQLAuthStoreLoadSubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	store := &SQLAuthStore{db: db}

	mock.ExpectQuery("SELECT id, username, roles, permissions, disabled FROM auth_users").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "roles", "permissions", "disabled"}).
			AddRow(int64(3), "ops", "operator", "plugins:read, plugins:write", int64(0)))

	subject, err := store.LoadSubject(context.Background(), 3)
	if err != nil {
		t.Fatalf("load subject: %v", err)
	}
	if subject.Username != "ops" || !subject.HasPermission(auth.PermPluginsWrite) || subject.HasPermission(auth.PermSecurityAdmin) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLAuthStoreApplySeed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	store := &SQLAuthStore{db: db}

	mock.ExpectExec("INSERT INTO auth_users").
		WithArgs("root", sqlmock.AnyArg(), "admin", "plugins:read,security:admin", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.ApplySeed(context.Background(), auth.Seed{
		Username:    " root ",
		Password:    "secret",
		Roles:       []string{"Admin"},
		Permissions: []string{"security:admin", "plugins:read", "plugins:read"},
	})
	if err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var _ auth.Store = (*SQLAuthStore)(nil)
var _ auth.SeedWriter = (*SQLAuthStore)(nil)
