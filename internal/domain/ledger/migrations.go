package ledger

import "embed"

// Migrations holds the ledger schema, applied by database.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
