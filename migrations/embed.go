// Package migrations holds the goose SQL migrations for the branchgraph schema.
package migrations

import "embed"

// FS is the embedded migration set read by internal/migrate.
//
//go:embed *.sql
var FS embed.FS
