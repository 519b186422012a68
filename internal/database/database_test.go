package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Host: "localhost", Port: 5432, User: "core", Database: "trading"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Config{Port: 5432, User: "core", Database: "trading"}.Validate())
	assert.Error(t, Config{Host: "localhost", User: "core", Database: "trading"}.Validate())
	assert.Error(t, Config{Host: "localhost", Port: 5432}.Validate())
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "core", Password: "secret", Database: "trading"}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "dbname=trading")
	assert.Contains(t, dsn, "sslmode=disable")

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}
