package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslateErrorTriggerViolations(t *testing.T) {
	cases := []struct {
		message  string
		sentinel error
	}{
		{"unpublished_parent", ErrParentUnpublished},
		{"parent_cycle", ErrParentCycle},
		{"already_published", ErrAlreadyPublished},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			err := translateError(&pgconn.PgError{Code: "P0001", Message: tc.message})

			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("expected %v, got %v", tc.sentinel, err)
			}
			var constraint *ConstraintError
			if !errors.As(err, &constraint) {
				t.Fatalf("expected *ConstraintError, got %T", err)
			}
			if constraint.Kind != tc.message {
				t.Fatalf("expected kind %q, got %q", tc.message, constraint.Kind)
			}
		})
	}
}

func TestTranslateErrorUnknownRaiseHasNoSentinel(t *testing.T) {
	err := translateError(&pgconn.PgError{Code: "P0001", Message: "something_else"})

	var constraint *ConstraintError
	if !errors.As(err, &constraint) {
		t.Fatalf("expected *ConstraintError, got %T", err)
	}
	if errors.Is(err, ErrParentCycle) || errors.Is(err, ErrParentUnpublished) || errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("unexpected sentinel attached to %v", err)
	}
}

func TestTranslateErrorDuplicateEdge(t *testing.T) {
	for _, name := range []string{"parent_hist_unique", "null_hist_index"} {
		t.Run(name, func(t *testing.T) {
			err := translateError(&pgconn.PgError{
				Code:           "23505",
				ConstraintName: name,
				TableName:      "document_event",
			})

			if !errors.Is(err, ErrDuplicateEdge) {
				t.Fatalf("expected ErrDuplicateEdge, got %v", err)
			}
			var constraint *ConstraintError
			if !errors.As(err, &constraint) {
				t.Fatalf("expected *ConstraintError, got %T", err)
			}
			if constraint.Kind != "duplicate_edge" {
				t.Fatalf("expected kind duplicate_edge, got %q", constraint.Kind)
			}
		})
	}
}

func TestTranslateErrorOtherUniqueViolation(t *testing.T) {
	err := translateError(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "user_info_pkey",
		TableName:      "user_info",
	})

	if errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("non-edge unique violation must not map to ErrDuplicateEdge: %v", err)
	}
	var constraint *ConstraintError
	if !errors.As(err, &constraint) {
		t.Fatalf("expected *ConstraintError, got %T", err)
	}
	if constraint.Kind != "unique_violation" {
		t.Fatalf("expected kind unique_violation, got %q", constraint.Kind)
	}
	if constraint.Constraint != "user_info_pkey" {
		t.Fatalf("expected constraint user_info_pkey, got %q", constraint.Constraint)
	}
}

func TestTranslateErrorIntegrityClass(t *testing.T) {
	cases := []struct {
		code string
		kind string
	}{
		{"23502", "not_null_violation"},
		{"23503", "foreign_key_violation"},
		{"23514", "check_violation"},
		{"23001", "integrity_constraint_violation"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := translateError(&pgconn.PgError{Code: tc.code, ConstraintName: "some_constraint"})

			var constraint *ConstraintError
			if !errors.As(err, &constraint) {
				t.Fatalf("expected *ConstraintError, got %T", err)
			}
			if constraint.Kind != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, constraint.Kind)
			}
		})
	}
}

func TestTranslateErrorInvalidData(t *testing.T) {
	err := translateError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestTranslateErrorPassthrough(t *testing.T) {
	plain := fmt.Errorf("connection refused")
	if got := translateError(plain); got != plain {
		t.Fatalf("non-postgres error must pass through, got %v", got)
	}
	if got := translateError(nil); got != nil {
		t.Fatalf("nil must pass through, got %v", got)
	}
}

func TestCollectFieldsRejectsUnknownColumn(t *testing.T) {
	_, _, err := buildSet(nodeColumns, map[string]any{"hid": "x"})
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}

	_, _, err = buildSet(nodeColumns, nil)
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField for empty field map, got %v", err)
	}
}

func TestBuildSetSortsColumns(t *testing.T) {
	assignments, args, err := buildSet(nodeColumns, map[string]any{
		"title":     "v2",
		"published": true,
		"pid":       "doc-1",
	})
	if err != nil {
		t.Fatalf("buildSet: %v", err)
	}
	if assignments != "pid = $1, published = $2, title = $3" {
		t.Fatalf("unexpected assignments: %s", assignments)
	}
	if len(args) != 3 || args[0] != "doc-1" || args[1] != true || args[2] != "v2" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildInsertEncodesNestedJSON(t *testing.T) {
	columns, placeholders, args, err := buildInsert(nodeColumns, map[string]any{
		"metadata": map[string]any{"k": "v"},
		"pid":      "doc-1",
	})
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}
	if columns != "metadata, pid" || placeholders != "$1, $2" {
		t.Fatalf("unexpected insert shape: %s / %s", columns, placeholders)
	}
	if args[0] != `{"k":"v"}` {
		t.Fatalf("expected serialized metadata, got %v", args[0])
	}
}
