package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_ResolveIsPure(t *testing.T) {
	c := BuiltIn()

	first, ok := c.Resolve("User.Read.All")
	require.True(t, ok)

	// Same name always maps to the same id.
	for i := 0; i < 3; i++ {
		again, ok := c.Resolve("User.Read.All")
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestStatic_UnknownName(t *testing.T) {
	c := BuiltIn()

	id, ok := c.Resolve("No.Such.Permission")
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, id)
}

func TestStatic_NamesSorted(t *testing.T) {
	c := Static{
		"b": uuid.New(),
		"a": uuid.New(),
		"c": uuid.New(),
	}

	assert.Equal(t, []string{"a", "b", "c"}, c.Names())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	custom := uuid.New()
	content := "Custom.Permission: " + custom.String() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)

	id, ok := c.Resolve("Custom.Permission")
	require.True(t, ok)
	assert.Equal(t, custom, id)
}

func TestLoadFile_InvalidRoleID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Broken.Permission: not-a-uuid\n"), 0o600))

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "invalid role id")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestMerge_LaterWins(t *testing.T) {
	override := uuid.New()
	merged := Merge(BuiltIn(), Static{"User.Read.All": override})

	id, ok := merged.Resolve("User.Read.All")
	require.True(t, ok)
	assert.Equal(t, override, id)

	// Built-in entries survive the merge.
	_, ok = merged.Resolve("Directory.Read.All")
	assert.True(t, ok)
}
