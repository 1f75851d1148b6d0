// Package migrations carries the schema migration files compiled into the
// binary, so a deployed nagare process can migrate its database without any
// files on disk.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory, applied in
// lexical order by storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
