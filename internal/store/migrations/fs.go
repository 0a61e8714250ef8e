// Package migrations embeds the goose migration files for the store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
