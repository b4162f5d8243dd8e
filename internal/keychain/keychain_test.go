package keychain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetAndGet(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("karaf/admin", "first"))
	require.NoError(t, s.Set("karaf/admin", "second"))

	val, err := s.Get("karaf/admin")
	require.NoError(t, err)
	assert.Equal(t, "second", val)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	var s Store = NewMemoryStore()
	require.NoError(t, s.Set("b", "2"))
	require.NoError(t, s.Set("a", "1"))

	keys, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"), "deleting a missing key is not an error")

	keys, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "MODHARNESS_SECRET_RUNTIME_ADMIN", EnvVar("runtime/admin"))
	assert.Equal(t, "MODHARNESS_SECRET_KARAF_1_PASS", EnvVar("karaf-1.pass"))
}

func TestEnvStoreFallsBackToEnvironment(t *testing.T) {
	t.Setenv(EnvVar("runtime/admin"), "from-env")
	s := NewEnvStore()

	val, err := s.Get("runtime/admin")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	require.NoError(t, s.Set("runtime/admin", "explicit"))
	val, err = s.Get("runtime/admin")
	require.NoError(t, err)
	assert.Equal(t, "explicit", val)

	_, err = s.Get("other/key")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "MODHARNESS_SECRET_OTHER_KEY")

	keys, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"runtime/admin"}, keys)
}
