package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"food-dispatch/internal/apperr"

	"github.com/google/uuid"
)

// Querier это общее подмножество *sql.DB и *sql.Tx.
// Репозитории работают через него, чтобы одни и те же запросы шли и в транзакции, и без нее.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const queryTimeout = 3 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// affected возвращает число измененных строк.
// CAS-обновления используют его, чтобы понять, выполнилось ли предусловие.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func uuidFromNull(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid uuid %q: %w", ns.String, err)
	}
	return &id, nil
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolFromNull(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(data), nil
}

func notFound(op, entity string, id interface{}) error {
	return apperr.NotFound(op, "%s %v not found", entity, id)
}
