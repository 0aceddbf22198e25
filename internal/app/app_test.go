package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-scheduler/internal/infra/config"
)

func TestTickSecondsPicksSmallestInterval(t *testing.T) {
	env := config.EnvConfig{
		PostCheckInterval:       15,
		PeriodicCheckInterval:   30,
		DonorCheckInterval:      10,
		RandomPostCheckInterval: 20,
	}
	assert.Equal(t, 10, tickSeconds(env))
}

func TestTickSecondsIgnoresZeroes(t *testing.T) {
	env := config.EnvConfig{
		PostCheckInterval:       15,
		PeriodicCheckInterval:   0,
		DonorCheckInterval:      0,
		RandomPostCheckInterval: 0,
	}
	assert.Equal(t, 15, tickSeconds(env))
}

func TestMainCredential(t *testing.T) {
	dir := t.TempDir()

	assert.Empty(t, mainCredential(dir), "без файла общего креденшела нет")

	path := filepath.Join(dir, mainSessionFile)
	require.NoError(t, os.WriteFile(path, []byte("  1AbCdEf==\n"), 0o600))
	assert.Equal(t, "1AbCdEf==", mainCredential(dir), "креденшел читается без краевых пробелов")
}
