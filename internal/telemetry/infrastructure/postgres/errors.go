package postgres

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	telemetry "stationsync/internal/telemetry/domain"
)

// StorageError maps a database error onto the telemetry error taxonomy.
// Integrity and data exceptions (SQLSTATE classes 22 and 23) are constraint
// violations; everything else is reported as unavailable storage.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return telemetry.ConstraintViolation(op, err)
		}
	}
	return telemetry.StorageUnavailable(op, err)
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
