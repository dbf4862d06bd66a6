package engine

// Changeset collects the pages dirtied by one logical operation. Flushing
// it writes the page images to the redo log, optionally appends a journal
// record, and only then lets the pages reach the device, which makes the
// operation atomic under crashes.
type Changeset struct {
	env  *Environment
	head *Page
}

// NewChangeset creates the per-environment changeset.
func NewChangeset(env *Environment) *Changeset {
	return &Changeset{env: env}
}

// AddPage inserts a page; adding a page twice is a no-op.
func (cs *Changeset) AddPage(page *Page) {
	if page.isInList(cs.head, listChangeset) {
		return
	}
	cs.head = page.listInsert(cs.head, listChangeset)
}

// GetPage looks up a collected page by address.
func (cs *Changeset) GetPage(address uint64) *Page {
	for p := cs.head; p != nil; p = p.next[listChangeset] {
		if p.address == address {
			return p
		}
	}
	return nil
}

// Contains reports membership without moving anything.
func (cs *Changeset) Contains(page *Page) bool {
	return page.isInList(cs.head, listChangeset)
}

// Remove takes a single page out of the changeset.
func (cs *Changeset) Remove(page *Page) {
	if page.isInList(cs.head, listChangeset) {
		cs.head = page.listRemove(cs.head, listChangeset)
	}
}

// IsEmpty reports whether any page was collected.
func (cs *Changeset) IsEmpty() bool {
	return cs.head == nil
}

// Clear unlinks every page.
func (cs *Changeset) Clear() {
	for cs.head != nil {
		cs.head = cs.head.listRemove(cs.head, listChangeset)
	}
}

// Flush persists the changeset under the given lsn:
//
//  1. drop pages that are no longer dirty,
//  2. classify the rest into blobs / page-manager / indices / others,
//  3. write every page image to the redo log, marking the last one as the
//     end of the changeset,
//  4. append a journal changeset record when the operation is not
//     reproducible from idempotent page writes alone,
//  5. flush the pages through the page manager,
//  6. fsync if configured.
func (cs *Changeset) Flush(lsn uint64) error {
	var blobs, pageManager, indices, others []*Page

	for p := cs.head; p != nil; p = p.next[listChangeset] {
		if !p.IsDirty() {
			continue
		}
		switch {
		case p.IsHeader():
			indices = append(indices, p)
		case p.flags&pageNpersNoHeader != 0:
			blobs = append(blobs, p)
		default:
			switch p.Type() {
			case PageTypeBlob:
				blobs = append(blobs, p)
			case PageTypeBroot, PageTypeBindex, PageTypeHeader:
				indices = append(indices, p)
			default:
				others = append(others, p)
			}
		}
	}

	total := len(blobs) + len(pageManager) + len(indices) + len(others)
	if total == 0 {
		cs.Clear()
		return nil
	}

	if log := cs.env.log; log != nil {
		remaining := total
		for _, bucket := range [][]*Page{blobs, pageManager, indices, others} {
			for _, p := range bucket {
				remaining--
				if err := log.AppendPage(p, lsn, remaining); err != nil {
					return err
				}
			}
		}
		if err := log.Flush(); err != nil {
			return err
		}
	}

	// Blob-only updates are idempotent; the journal replays the logical
	// operation and regenerates the blob space. Everything else needs the
	// changeset record.
	if len(others) > 0 || len(pageManager) > 0 || len(indices) > 1 {
		if j := cs.env.journal; j != nil {
			if err := j.AppendChangeset(blobs, pageManager, indices, others, lsn); err != nil {
				return err
			}
		}
	}

	for p := cs.head; p != nil; p = p.next[listChangeset] {
		if err := cs.env.pageManager.FlushPage(p); err != nil {
			return err
		}
	}

	if cs.env.config.Flags&FlagEnableFsync != 0 {
		if err := cs.env.device.Flush(); err != nil {
			return err
		}
	}

	cs.Clear()
	return nil
}
