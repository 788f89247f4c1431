// Package migrations embeds SQL migration files into the binary.
//
// The service runs its migrations without needing the SQL files present
// on the filesystem; they are compiled into the executable.
package migrations

import "embed"

// FS holds every *.sql file in this directory at its root.
//
//go:embed *.sql
var FS embed.FS
