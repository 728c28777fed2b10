package sgdb

// layout holds the constants every offset is derived from. It only changes
// during Resize, under the exclusive file lock.
type layout struct {
	pageLimit uint32
	payload   uint32
}

func (l layout) docSize() int64 {
	return DocHeaderSize + int64(l.payload)
}

func (l layout) pageSize() int64 {
	return PageHeaderSize + int64(l.pageLimit)*l.docSize()
}

func (l layout) pageOffset(page uint32) int64 {
	return HeaderSize + int64(page-1)*l.pageSize()
}

// locate maps a 1-based document index to its page and slot.
func (l layout) locate(doc uint32) (page, slot uint32) {
	return (doc-1)/l.pageLimit + 1, (doc - 1) % l.pageLimit
}

func (l layout) documentIndex(page, slot uint32) uint32 {
	return (page-1)*l.pageLimit + slot + 1
}

func (l layout) documentOffset(doc uint32) int64 {
	page, slot := l.locate(doc)
	return l.pageOffset(page) + PageHeaderSize + int64(slot)*l.docSize()
}

// edgeCapacity is the number of edge entries a list document holds.
func (l layout) edgeCapacity() int {
	return (int(l.payload) - edgeCountSize) / edgeEntrySize
}

const payloadAlign = 64

func alignPayload(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + payloadAlign - 1) / payloadAlign * payloadAlign)
}
