// Package postgres embeds the PostgreSQL key store migrations.
package postgres

import "embed"

// FS contains goose migrations for the signing key store.
//
//go:embed *.sql
var FS embed.FS
