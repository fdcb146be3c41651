package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LoadEnvFile fills unset variables without clobbering values the operator
// already exported.
func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	blob := "GUARD_ENVTEST_NEW=from-file\n" +
		"GUARD_ENVTEST_SET=from-file\n" +
		"GUARD_ENVTEST_QUOTED=\"wss://node.example/ws?key=abc 123\"\n"
	require.NoError(t, os.WriteFile(path, []byte(blob), 0600))

	for _, key := range []string{"GUARD_ENVTEST_NEW", "GUARD_ENVTEST_QUOTED"} {
		t.Setenv(key, "") // registers the restore
		os.Unsetenv(key)
	}
	t.Setenv("GUARD_ENVTEST_SET", "from-process")

	require.True(t, LoadEnvFile(path), "expected the file to load")
	assert.Equal(t, "from-file", os.Getenv("GUARD_ENVTEST_NEW"))
	assert.Equal(t, "from-process", os.Getenv("GUARD_ENVTEST_SET"))
	assert.Equal(t, "wss://node.example/ws?key=abc 123", os.Getenv("GUARD_ENVTEST_QUOTED"))
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.False(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
}
