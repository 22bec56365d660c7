package database

import (
	"testing"

	"github.com/ruralpay/creditcore/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestConnString(t *testing.T) {
	got := ConnString(config.DatabaseConfig{
		Host: "db", Port: "5433", User: "ledger", Password: "secret", Name: "creditcore", SSLMode: "require",
	})
	assert.Equal(t, "host=db port=5433 user=ledger password=secret dbname=creditcore sslmode=require", got)
}
