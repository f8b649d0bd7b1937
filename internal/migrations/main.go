// Package migrations holds the Bun migrations for the identity store.
// Each file registers itself on Migrations from init.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered migration set applied by `authgate db migrate`.
var Migrations = migrate.NewMigrations()
