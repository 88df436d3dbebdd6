package delta

// pageState is the lifecycle state of one resident BAT page.
type pageState int

const (
	pageClean pageState = iota
	pageDirty
	pageWriting
)

// batPage is one page_size slice of a delta's BAT: the unit the cache
// reads, dirties, and commits. entries is always len() ==
// constants.BATEntriesPerPage, zero-padded past the delta's declared
// bat_entries count.
type batPage struct {
	index           uint32
	entries         []uint32
	state           pageState
	pinCount        int
	dirtyGeneration uint64 // generation of the last dirtying, or the one read from disk; kept after commit
	lruTick         uint64 // higher is more recently used
}

func (p *batPage) dirty() bool {
	return p.state == pageDirty || p.state == pageWriting
}
