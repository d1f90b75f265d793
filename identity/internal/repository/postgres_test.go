//go:build integration

package repository

import (
	"testing"

	"github.com/telhawk-systems/backbone/common/testutil/containers"
	"github.com/telhawk-systems/backbone/identity/migrations"
)

func TestPostgresRepository(t *testing.T) {
	db := containers.NewPostgres(t, migrations.FS, ".")
	exerciseRepository(t, NewPostgresRepository(db), db)
}
