package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slotRecord struct {
	Status   string  `json:"status" yaml:"status"`
	Material string  `json:"material" yaml:"material"`
	Color    []int   `json:"color" yaml:"color"`
	Temp     int     `json:"temp" yaml:"temp"`
}

func backends(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	return map[string]func() Store{
		"yaml": func() Store {
			s, err := OpenFile(filepath.Join(dir, "vars.yaml"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := OpenSQLite(filepath.Join(dir, "vars.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoresPersistAcrossReopen(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			inv := []slotRecord{
				{Status: "ready", Material: "PLA", Color: []int{255, 0, 0}, Temp: 210},
				{Status: "empty", Color: []int{0, 0, 0}},
			}
			require.NoError(t, s.Set("ace_inventory_0", inv))
			require.NoError(t, s.Set("ace_current_index", 5))
			require.NoError(t, s.Set("ace_filament_pos", "nozzle"))
			require.NoError(t, s.Set("ace_endless_spool_enabled", true))
			require.NoError(t, s.Close())

			s = open()
			defer s.Close()

			var got []slotRecord
			ok, err := Decode(s, "ace_inventory_0", &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, inv, got)

			assert.Equal(t, 5, Int(s, "ace_current_index", -1))
			assert.Equal(t, "nozzle", String(s, "ace_filament_pos", ""))
			assert.True(t, Bool(s, "ace_endless_spool_enabled", false))
			assert.Equal(t, []string{
				"ace_current_index", "ace_endless_spool_enabled",
				"ace_filament_pos", "ace_inventory_0",
			}, s.Keys())
		})
	}
}

func TestStoresDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			require.NoError(t, s.Set("ace_feed_assist_index_1", 2))
			require.NoError(t, s.Delete("ace_feed_assist_index_1"))
			require.NoError(t, s.Delete("missing"))
			_, ok := s.Get("ace_feed_assist_index_1")
			assert.False(t, ok)
			assert.Equal(t, -1, Int(s, "ace_feed_assist_index_1", -1))
		})
	}
}

func TestUpperCaseKeyRejected(t *testing.T) {
	s := NewMemory()
	assert.Error(t, s.Set("ACE_CURRENT_INDEX", 1))
	assert.Error(t, s.Set("", 1))
}

func TestFileStoreCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vars.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)
	assert.Empty(t, s.Keys())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- [unclosed"), 0o644))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestHelpersTolerateLegacySpellings(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Set("a", "True"))
	require.NoError(t, s.Set("b", "7"))
	require.NoError(t, s.Set("c", uint64(3)))
	require.NoError(t, s.Set("d", 1.0))

	assert.True(t, Bool(s, "a", false))
	assert.Equal(t, 7, Int(s, "b", 0))
	assert.Equal(t, 3, Int(s, "c", 0))
	assert.Equal(t, 1, Int(s, "d", 0))
	assert.Equal(t, "7", String(s, "b", ""))
	assert.Equal(t, 9, Int(s, "missing", 9))
	assert.Equal(t, "x", String(s, "missing", "x"))
}

func TestOpenBackend(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open("redis", "x")
	assert.Error(t, err)
}
