// Package migrations embeds the ordering schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
