package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrGone marks a node that exists but is soft-deleted.
	ErrGone = errors.New("gone")

	// Graph integrity violations raised by the database.
	ErrDuplicateEdge     = errors.New("duplicate edge")
	ErrParentUnpublished = errors.New("unpublished parent")
	ErrParentCycle       = errors.New("parent cycle")
	ErrAlreadyPublished  = errors.New("already published")

	// ErrInvalidData covers malformed values the database refused to
	// coerce (SQLSTATE class 22).
	ErrInvalidData = errors.New("invalid datatype")

	// ErrUnknownField rejects dynamic column names outside the schema.
	ErrUnknownField = errors.New("unknown field")
)

// ConstraintError reports a database integrity violation together with
// the offending constraint, for the error response body. Known graph
// violations additionally unwrap to their sentinel.
type ConstraintError struct {
	Kind       string
	Constraint string
	Table      string
	Column     string
	sentinel   error
}

func (e *ConstraintError) Error() string {
	if e.Constraint == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s (constraint %s)", e.Kind, e.Constraint)
}

func (e *ConstraintError) Unwrap() error { return e.sentinel }

// integrityKinds names the SQLSTATE codes of class 23 the way they are
// reported to clients.
var integrityKinds = map[string]string{
	"23502": "not_null_violation",
	"23503": "foreign_key_violation",
	"23505": "unique_violation",
	"23514": "check_violation",
}

// edgeConstraints are the unique indexes whose violation means a racing
// writer already claimed the same (parent, hist) pair.
var edgeConstraints = map[string]struct{}{
	"parent_hist_unique": {},
	"null_hist_index":    {},
}

// translateError maps *pgconn.PgError values onto the store taxonomy.
// Anything that is not a Postgres error passes through untouched.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == "P0001":
		// RAISE EXCEPTION from an integrity trigger; the message is
		// the violation name.
		constraint := &ConstraintError{Kind: pgErr.Message, Table: pgErr.TableName}
		switch pgErr.Message {
		case "unpublished_parent":
			constraint.sentinel = ErrParentUnpublished
		case "parent_cycle":
			constraint.sentinel = ErrParentCycle
		case "already_published":
			constraint.sentinel = ErrAlreadyPublished
		}
		return constraint

	case pgErr.Code == "23505":
		constraint := &ConstraintError{
			Kind:       "unique_violation",
			Constraint: pgErr.ConstraintName,
			Table:      pgErr.TableName,
			Column:     pgErr.ColumnName,
		}
		if _, ok := edgeConstraints[pgErr.ConstraintName]; ok {
			constraint.Kind = "duplicate_edge"
			constraint.sentinel = ErrDuplicateEdge
		}
		return constraint

	case strings.HasPrefix(pgErr.Code, "23"):
		kind, ok := integrityKinds[pgErr.Code]
		if !ok {
			kind = "integrity_constraint_violation"
		}
		return &ConstraintError{
			Kind:       kind,
			Constraint: pgErr.ConstraintName,
			Table:      pgErr.TableName,
			Column:     pgErr.ColumnName,
		}

	case strings.HasPrefix(pgErr.Code, "22"):
		return fmt.Errorf("%w: %s", ErrInvalidData, pgErr.Message)
	}
	return err
}
