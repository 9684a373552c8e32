package db

import (
	"embed"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=regsync sslmode=disable", cfg.DSN())
}

func TestConfigMigrationURLEscapesCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "p@ss/word"

	got := cfg.MigrationURL()

	assert.True(t, strings.HasPrefix(got, "pgx5://postgres:"), got)
	assert.Contains(t, got, "p%40ss%2Fword")
	assert.True(t, strings.HasSuffix(got, "@localhost:5432/regsync?sslmode=disable"), got)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	var files embed.FS = migrationFS
	entries, err := fs.ReadDir(files, "migrations")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}
