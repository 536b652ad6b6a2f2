package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/orchestra/workflow"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation checks for a foreign_key_violation (23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// encodeError renders an ErrorInfo for a JSONB column. Nil stays NULL.
func encodeError(info *workflow.ErrorInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: encode error info: %w", err)
	}
	return data, nil
}

func decodeError(data []byte) (*workflow.ErrorInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var info workflow.ErrorInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: decode error info: %w", err)
	}
	return &info, nil
}
