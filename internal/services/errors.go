package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrStorageFailure marks errors caused by the verification store.
	ErrStorageFailure = errors.New("two factor: storage failure")
	// ErrMissingContact is returned when no delivery address is known.
	ErrMissingContact = errors.New("two factor: contact address is required")
	// ErrContactMismatch is returned when a code is requested for an address
	// other than the one enrolled on an enabled config.
	ErrContactMismatch = errors.New("two factor: contact does not match enrolled address")
	// ErrConfigNotFound is returned when a principal has no stored second
	// factor configuration for the method.
	ErrConfigNotFound = errors.New("two factor: configuration not found")
)

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate")
}
