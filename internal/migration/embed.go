package migration

import "embed"

// Migrations ship inside the binary so a deploy never depends on files
// on disk next to it.
const migrationsDir = "migrations"

//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS
