package chatsync

// Cursor tracks offset paging for one list.
type Cursor struct {
	Offset  int
	HasMore bool
	Loading bool
}

func newCursor() Cursor {
	return Cursor{HasMore: true}
}

// begin marks a load as started. It returns false when the load must be
// skipped because one is in flight or the list is exhausted.
func (c *Cursor) begin() bool {
	if c.Loading || !c.HasMore {
		return false
	}
	c.Loading = true
	return true
}

// complete records a page of n rows fetched with the given page size. A
// short page ends the list.
func (c *Cursor) complete(n, pageSize int) {
	c.Loading = false
	c.Offset += n
	c.HasMore = n >= pageSize
}

// fail ends a load without moving the cursor, so the same page is retried
// on the next call.
func (c *Cursor) fail() {
	c.Loading = false
}

// restart rewinds the cursor for a full refetch of the first rows.
func (c *Cursor) restart(n, pageSize int) {
	c.Loading = false
	c.Offset = n
	c.HasMore = n >= pageSize
}
