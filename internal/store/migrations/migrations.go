// Package migrations embeds the goose SQL migrations for the cloud database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
