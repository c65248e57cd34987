// Package sqlite embeds the SQLite key store migrations.
package sqlite

import "embed"

// FS contains goose migrations for the signing key store.
//
//go:embed *.sql
var FS embed.FS
