package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/driver"
	"github.com/benaskins/modharness/internal/module"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := newJournal(dir)

	require.NoError(t, j.setRuntime(RuntimeRecord{
		Mode:    "managed",
		Address: "http://127.0.0.1:20001",
		Process: driver.Identity{PID: 4242, Name: "runtime"},
	}))
	h := module.NewHandle(7, "org.example.a", "1.0.0", "modharness:a?install=x")
	require.NoError(t, j.addModule("a", h))

	st, err := newJournal(dir).load()
	require.NoError(t, err)
	require.NotNil(t, st.Runtime)
	assert.Equal(t, 4242, st.Runtime.Process.PID)
	assert.NotZero(t, st.Runtime.StartedAt)
	assert.Equal(t, h, st.Modules["a"].handle())

	require.NoError(t, j.removeModule("a"))
	require.NoError(t, j.clearRuntime())
	_, err = os.Stat(filepath.Join(dir, "state.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestJournalMissingFile(t *testing.T) {
	st, err := newJournal(t.TempDir()).load()
	require.NoError(t, err)
	assert.Nil(t, st.Runtime)
	assert.Empty(t, st.Modules)
}

func TestJournalCorruptFileIsReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	j := newJournal(dir)
	_, err := j.load()
	assert.Error(t, err)

	require.NoError(t, j.addModule("a", module.NewHandle(1, "a", "", "loc")))
	st, err := j.load()
	require.NoError(t, err)
	assert.Len(t, st.Modules, 1)
}

func TestNilJournal(t *testing.T) {
	j := newJournal("")
	assert.Nil(t, j)
	assert.NoError(t, j.addModule("a", module.Handle{}))
	assert.NoError(t, j.clear())
	st, err := j.load()
	require.NoError(t, err)
	assert.Nil(t, st.Runtime)
}
