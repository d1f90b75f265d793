// Package migrations embeds the catalog schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
