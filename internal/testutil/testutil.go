package testutil

import (
	"strings"
	"testing"

	"food-dispatch/internal/auth"
	"food-dispatch/internal/database"
	"food-dispatch/internal/models"

	"github.com/google/uuid"
)

// OpenInMemoryDB открывает in-memory SQLite с примененными миграциями.
// Каждый вызов получает собственную базу, закрывается через t.Cleanup.
func OpenInMemoryDB(t *testing.T) *database.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + uuid.NewString()
	d, err := database.Open(database.DriverSQLite, "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// GenerateJWT возвращает подписанный токен с минимальным набором полей
func GenerateJWT(t *testing.T, secret string, id models.Identity) string {
	t.Helper()
	tok, err := auth.SignToken(id, secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}
