package testutils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// UpdateGoldenFileYAML overwrites the golden file at path with data and fails the test,
// so that the new file is reviewed before it is committed.
func UpdateGoldenFileYAML(t *testing.T, path string, data []byte) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Fatalf("Golden file %s has been updated, please verify it and rerun the test without the updateGolden tag", path)
}
