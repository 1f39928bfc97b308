package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Query.DefaultLimit)
	assert.Equal(t, 500, cfg.Query.MaxRelationalLimit)
	assert.Equal(t, "memory", cfg.Cache.Store)
	assert.True(t, cfg.Cache.AutoPurge)
	require.NoError(t, cfg.Validate())
}

func TestLoadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	yaml := `
database:
  driver: sqlite
  name: content
  path: /tmp/cms
query:
  max_relational_limit: 250
cache:
  store: memory
  ttl: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.True(t, cfg.Database.IsSQLite())
	assert.Equal(t, "/tmp/cms/content.db", cfg.Database.DSN())
	assert.Equal(t, 250, cfg.Query.MaxRelationalLimit)
	assert.Equal(t, 100, cfg.Query.DefaultLimit)
}

func TestLoadFrom_RejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600))

	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadFrom_RedisNeedsURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  store: redis\n"), 0o600))

	_, err := LoadFrom(path)
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: 5432, Name: "cms"}
	assert.Equal(t, "postgres://u:p@db:5432/cms?sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", User: "u", Password: "p", Host: "db", Port: 3306, Name: "cms"}
	assert.Equal(t, "u:p@tcp(db:3306)/cms?parseTime=true&multiStatements=true", my.DSN())
}
