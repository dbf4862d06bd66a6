package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageLists(t *testing.T) {
	dev := NewMemDevice(1024)
	require.NoError(t, dev.Create("", 0))

	a := NewPage(dev, nil)
	b := NewPage(dev, nil)
	c := NewPage(dev, nil)

	var head *Page
	head = a.listInsert(head, listCache)
	head = b.listInsert(head, listCache)
	head = c.listInsert(head, listCache)

	require.Equal(t, c, head)
	require.Equal(t, b, head.next[listCache])
	require.Equal(t, a, head.next[listCache].next[listCache])

	require.True(t, b.isInList(head, listCache))
	head = b.listRemove(head, listCache)
	require.False(t, b.isInList(head, listCache))
	require.Equal(t, a, c.next[listCache])

	// removing the head returns the new head
	head = c.listRemove(head, listCache)
	require.Equal(t, a, head)
	require.Nil(t, a.next[listCache])

	// memberships in different lists are independent
	var csHead *Page
	csHead = a.listInsert(csHead, listChangeset)
	require.True(t, a.isInList(csHead, listChangeset))
	require.True(t, a.isInList(head, listCache))
}

func TestPageTypeAndFlags(t *testing.T) {
	dev := NewMemDevice(1024)
	require.NoError(t, dev.Create("", 0))

	p := NewPage(dev, nil)
	p.SetType(PageTypeBindex)
	require.Equal(t, PageTypeBindex, p.Type())

	require.NotZero(t, p.flags&pageNpersMalloc)
	require.False(t, p.IsDirty())
	p.SetDirty(true)
	require.True(t, p.IsDirty())
}
