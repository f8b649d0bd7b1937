package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys.
// Ids are generated in Go so the same code runs on PostgreSQL and SQLite
// without gen_random_uuid(). Panics only if the entropy source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
