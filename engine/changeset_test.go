package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangesetMembership(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cs := NewChangeset(env)

	p1 := cachePage(env, 1024)
	p2 := cachePage(env, 2048)

	cs.AddPage(p1)
	cs.AddPage(p1) // idempotent
	cs.AddPage(p2)

	require.True(t, cs.Contains(p1))
	require.Equal(t, p1, cs.GetPage(1024))
	require.Nil(t, cs.GetPage(4096))

	cs.Remove(p1)
	require.False(t, cs.Contains(p1))
	require.True(t, cs.Contains(p2))

	cs.Clear()
	require.True(t, cs.IsEmpty())
}

func TestChangesetFlushSkipsJournalForBlobOnlyUpdates(t *testing.T) {
	env := testEnv(t, Config{
		PageSize: 1024,
		Flags:    FlagEnableTransactions | FlagAutoRecovery,
	})

	before := env.journal.Lsn()

	// a blob-only changeset is idempotent and must not be journalled
	blobPage, err := env.pageManager.AllocPage(nil, PageTypeBlob, pmIgnoreFreelist)
	require.NoError(t, err)
	blobPage.SetDirty(true)

	env.changeset.Clear()
	env.changeset.AddPage(blobPage)
	lsn, err := env.getIncrementedLsn()
	require.NoError(t, err)
	require.NoError(t, env.changeset.Flush(lsn))

	// only the lsn increment itself moved the counter; no changeset
	// record was appended
	require.Equal(t, before+1, env.journal.Lsn())
	empty0, err := env.journal.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty0)

	// two index pages force a journal changeset record
	i1, err := env.pageManager.AllocPage(nil, PageTypeBindex, pmIgnoreFreelist)
	require.NoError(t, err)
	i2, err := env.pageManager.AllocPage(nil, PageTypeBindex, pmIgnoreFreelist)
	require.NoError(t, err)
	env.changeset.Clear()
	i1.SetDirty(true)
	i2.SetDirty(true)
	env.changeset.AddPage(i1)
	env.changeset.AddPage(i2)

	lsn, err = env.getIncrementedLsn()
	require.NoError(t, err)
	require.NoError(t, env.changeset.Flush(lsn))

	empty, err := env.journal.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

func TestChangesetFlushDropsCleanPages(t *testing.T) {
	env := testEnv(t, Config{
		PageSize: 1024,
		Flags:    FlagEnableRecovery | FlagAutoRecovery,
	})

	p, err := env.pageManager.AllocPage(nil, PageTypeBindex, pmIgnoreFreelist)
	require.NoError(t, err)
	require.NoError(t, env.pageManager.FlushPage(p))
	require.False(t, p.IsDirty())

	env.changeset.Clear()
	env.changeset.AddPage(p)
	require.NoError(t, env.changeset.Flush(1))
	require.True(t, env.changeset.IsEmpty())
}
