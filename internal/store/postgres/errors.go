package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/synergy-network/synergy-node/internal/store"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = store.ErrNotFound

// notFound maps sql.ErrNoRows to ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("getting %s: %w", what, err)
}
