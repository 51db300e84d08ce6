package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories care about.
const (
	codeUniqueViolation = "23505"
	codeUndefinedTable  = "42P01"
	codeUndefinedColumn = "42703"
)

// UniqueViolationError reports that a write collided with a unique
// constraint. Column is resolved from the constraint name, which follows
// the <table>_<column>_key convention used by the migrations.
type UniqueViolationError struct {
	Table      string
	Column     string
	Constraint string
	Err        error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s.%s (%s)", e.Table, e.Column, e.Constraint)
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

// ClassifyError converts driver errors into the typed errors of this
// package. Errors it does not recognise are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code == codeUniqueViolation {
		return &UniqueViolationError{
			Table:      pgErr.TableName,
			Column:     columnFromConstraint(pgErr.TableName, pgErr.ConstraintName),
			Constraint: pgErr.ConstraintName,
			Err:        err,
		}
	}
	return err
}

// IsUniqueViolationOn reports whether err is a unique violation on column.
func IsUniqueViolationOn(err error, column string) bool {
	var uv *UniqueViolationError
	if !errors.As(err, &uv) {
		uv, _ = ClassifyError(err).(*UniqueViolationError)
	}
	return uv != nil && uv.Column == column
}

// IsUndefinedObject reports whether err is a missing table or column.
func IsUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUndefinedTable || pgErr.Code == codeUndefinedColumn
}

func columnFromConstraint(table, constraint string) string {
	name := strings.TrimPrefix(constraint, table+"_")
	for _, suffix := range []string{"_key", "_idx", "_uniq"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
