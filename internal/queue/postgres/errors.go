package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/threatplane/reportd/internal/assembler"
)

// mapError translates PostgreSQL errors into the pipeline taxonomy so callers
// can make retry decisions without knowing the backend. Non-PostgreSQL errors
// pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return assembler.NewCapacityError(fmt.Errorf("transaction conflict: %w", err))

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return assembler.NewCapacityError(fmt.Errorf("database connection error: %w", err))

	case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown:
		return assembler.NewCapacityError(fmt.Errorf("database server unavailable: %w", err))

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return assembler.NewCapacityError(fmt.Errorf("database resource limit: %w", err))

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
	}
}
