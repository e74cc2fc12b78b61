package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := Default()
	c.Endpoint = "http://localhost:8529"
	c.OutputPath = "/tmp/out"
	c.Database = "mydb"
	return c
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestMissingEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = ""
	assert.Error(t, cfg.Validate())
}

func TestMissingDatabaseWithoutAll(t *testing.T) {
	cfg := validConfig()
	cfg.Database = ""
	assert.Error(t, cfg.Validate())
}

func TestAllDatabasesConflictsWithDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.AllDatabases = true
	assert.Error(t, cfg.Validate())
}

func TestSplitFilesRequiresParallelDump(t *testing.T) {
	cfg := validConfig()
	cfg.SplitFiles = true
	cfg.UseParallelDump = false
	assert.Error(t, cfg.Validate())
}

func TestChunkSizeClamping(t *testing.T) {
	tests := []struct {
		name         string
		initial, max int
		wantInitial  int
		wantMax      int
	}{
		{"too small grows to floor", 1, 1 << 40, minChunkSize, maxChunkCap},
		{"zero falls back to default then clamps", 0, 0, 1 << 20, 8 << 20},
		{"initial above max is pulled down", 16 << 20, 4 << 20, 4 << 20, 4 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.InitialChunkSize = tt.initial
			cfg.MaxChunkSize = tt.max
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.wantInitial, cfg.InitialChunkSize)
			assert.Equal(t, tt.wantMax, cfg.MaxChunkSize)
		})
	}
}

func TestThreadCountClamping(t *testing.T) {
	cfg := validConfig()
	cfg.ThreadCount = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.ThreadCount)
}
