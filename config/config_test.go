package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, STORAGE_TYPE_MEMORY, s.StorageType)
	assert.Equal(t, "./approval.db", s.SQLiteFile)
	assert.Equal(t, "localhost:6379", s.RedisAddr)
	assert.Equal(t, 0, s.RedisDB)
	assert.Equal(t, 4*time.Hour, s.UrgencyThreshold)
	assert.Equal(t, 48*time.Hour, s.DefaultTimeLimit)
	assert.Equal(t, slog.LevelInfo, s.LogLevel)
	assert.Equal(t, uint16(1), s.MachineID)
	assert.Empty(t, s.DefinitionsFile)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(STORAGE_TYPE, "postgres")
	t.Setenv(DATABASE_URL, "postgres://approval@localhost/approval?sslmode=disable")
	t.Setenv(REDIS_DB, "3")
	t.Setenv(URGENCY_THRESHOLD, "90m")
	t.Setenv(DEFAULT_TIME_LIMIT_HOURS, "24")
	t.Setenv(LOG_LEVEL, "debug")
	t.Setenv(MACHINE_ID, "7")
	t.Setenv(DEFINITIONS_FILE, "definitions.yaml")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, STORAGE_TYPE_POSTGRES, s.StorageType)
	assert.Equal(t, 3, s.RedisDB)
	assert.Equal(t, 90*time.Minute, s.UrgencyThreshold)
	assert.Equal(t, 24*time.Hour, s.DefaultTimeLimit)
	assert.Equal(t, slog.LevelDebug, s.LogLevel)
	assert.Equal(t, uint16(7), s.MachineID)
	assert.Equal(t, "definitions.yaml", s.DefinitionsFile)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown storage", STORAGE_TYPE, "CASSANDRA"},
		{"database url missing", STORAGE_TYPE, "MYSQL"},
		{"redis db", REDIS_DB, "one"},
		{"threshold", URGENCY_THRESHOLD, "soon"},
		{"negative threshold", URGENCY_THRESHOLD, "-1h"},
		{"time limit", DEFAULT_TIME_LIMIT_HOURS, "0"},
		{"log level", LOG_LEVEL, "LOUD"},
		{"machine id", MACHINE_ID, "x"},
		{"machine id range", MACHINE_ID, "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
