package configstore

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
)

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "vector.yaml"))

	cfg := config.New()
	cfg.Sources["host_metrics"] = &config.Source{Type: "host_metrics"}
	cfg.Transforms["enrich_node_metrics"] = &config.Transform{
		Type:   "remap",
		Inputs: config.NewInputs("host_metrics"),
		Source: ".tags.a = \"b\"\n",
	}

	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	enrich := loaded.Transforms["enrich_node_metrics"]
	require.Equal(t, "remap", enrich.Type)
	require.Equal(t, config.Inputs{"host_metrics"}, enrich.Inputs)
	require.Equal(t, config.VRL(".tags.a = \"b\"\n"), enrich.Source)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(fileMode), info.Mode().Perm())
}

func TestSaveReplaces(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "vector.yaml"))

	first := config.New()
	first.Sources["a"] = &config.Source{Type: "host_metrics"}
	require.NoError(t, store.Save(first))

	second := config.New()
	second.Sources["b"] = &config.Source{Type: "host_metrics"}
	require.NoError(t, store.Save(second))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotContains(t, loaded.Sources, "a")
	require.Contains(t, loaded.Sources, "b")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileStore(filepath.Join(dir, "missing.yaml")).Load()

	var persistenceErr *errortypes.PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
	require.ErrorIs(t, err, fs.ErrNotExist)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("sources: [1, 2"), 0o600))

	_, err = LoadFile(invalid)
	require.ErrorAs(t, err, &persistenceErr)
}

func TestSaveToMissingDirectory(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing", "vector.yaml"))

	err := store.Save(config.New())

	var persistenceErr *errortypes.PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
}
