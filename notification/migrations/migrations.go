// Package migrations embeds the notification schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
