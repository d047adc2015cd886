// Package migrations embeds the SQL schema for each supported dialect.
// Subdirectories are named after the golang-migrate database scheme.
package migrations

import "embed"

//go:embed sqlite3 postgres mysql
var FS embed.FS
