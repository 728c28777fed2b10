package sgdb

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (db *DB) readPageHeader(page uint32) (*PageHeader, error) {
	buf := make([]byte, PageHeaderSize)
	if err := db.readAt(buf, db.layout.pageOffset(page)); err != nil {
		return nil, err
	}
	ph := &PageHeader{}
	if err := ph.unmarshal(buf); err != nil {
		return nil, err
	}
	return ph, nil
}

func (db *DB) writePageHeader(page uint32, ph *PageHeader) error {
	return db.writeAt(ph.marshal(), db.layout.pageOffset(page))
}

// pageCount is the number of pages in the file.
func (db *DB) pageCount() uint32 {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	return db.header.PageCount
}

// addPage appends a page whose slots are all removed and persists the page
// count. Caller holds alloclock.
func (db *DB) addPage(typ PageType, owner, parent uint32) (uint32, error) {
	page := db.pageCount() + 1
	buf := make([]byte, db.layout.pageSize())
	ph := PageHeader{Type: typ, Owner: owner, Parent: parent}
	copy(buf, ph.marshal())
	if err := db.writeAt(buf, db.layout.pageOffset(page)); err != nil {
		return 0, err
	}

	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.header.PageCount = page
	if err := db.writeCounters(); err != nil {
		return 0, err
	}
	db.log.WithFields(log.Fields{"page": page, "parent": parent, "type": typ}).Debug("page added")
	return page, nil
}

// findFreeSlot walks the chain from page through its parents for a removed
// slot, claiming it in that page's header. It returns 0 when the chain is
// full. Caller holds alloclock.
func (db *DB) findFreeSlot(page uint32) (uint32, error) {
	l := db.layout
	for p := page; p != 0; {
		ph, err := db.readPageHeader(p)
		if err != nil {
			return 0, err
		}
		if ph.Count < l.pageLimit && ph.FreeHint < l.pageLimit {
			slot, ok, err := db.scanFreeSlot(p, ph.FreeHint)
			if err != nil {
				return 0, err
			}
			if ok {
				ph.Count++
				ph.FreeHint = slot + 1
				if err := db.writePageHeader(p, ph); err != nil {
					return 0, err
				}
				return l.documentIndex(p, slot), nil
			}
		}
		if ph.Parent >= p {
			return 0, errors.Wrapf(ErrInvalidDatabase, "page %d has parent %d", p, ph.Parent)
		}
		p = ph.Parent
	}
	return 0, nil
}

// scanFreeSlot reads the slots of page from slot `from` and returns the first
// removed one.
func (db *DB) scanFreeSlot(page, from uint32) (uint32, bool, error) {
	l := db.layout
	n := l.pageLimit - from
	buf := make([]byte, int64(n)*l.docSize())
	off := l.pageOffset(page) + PageHeaderSize + int64(from)*l.docSize()
	if err := db.readAt(buf, off); err != nil {
		return 0, false, err
	}
	for i := uint32(0); i < n; i++ {
		if DocFlag(buf[int64(i)*l.docSize()+docFlagsOffset]).Removed() {
			return from + i, true, nil
		}
	}
	return 0, false, nil
}

// allocate stores a new document in the chain of (typ, owner), reusing a
// removed slot when one exists and growing a page otherwise.
func (db *DB) allocate(typ PageType, owner uint32, hdr DocHeader, payload []byte) (uint32, error) {
	db.alloclock.Lock()
	defer db.alloclock.Unlock()

	db.metalock.RLock()
	ptr, err := db.anchor(typ, owner)
	var current uint32
	if err == nil {
		current = *ptr
	}
	db.metalock.RUnlock()
	if err != nil {
		return 0, err
	}

	if current == 0 {
		if current, err = db.addPage(typ, owner, 0); err != nil {
			return 0, err
		}
		if err := db.setAnchor(typ, owner, current); err != nil {
			return 0, err
		}
	}

	doc, err := db.findFreeSlot(current)
	if err != nil {
		return 0, err
	}
	if doc == 0 {
		page, err := db.addPage(typ, owner, current)
		if err != nil {
			return 0, err
		}
		if err := db.writePageHeader(page, &PageHeader{Type: typ, Owner: owner, Count: 1, FreeHint: 1, Parent: current}); err != nil {
			return 0, err
		}
		if err := db.setAnchor(typ, owner, page); err != nil {
			return 0, err
		}
		doc = db.layout.documentIndex(page, 0)
	}

	hdr.Page, _ = db.layout.locate(doc)
	hdr.Length = uint32(len(payload))
	if err := db.writeDoc(doc, &hdr, payload); err != nil {
		return 0, err
	}

	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.header.DocCount++
	return doc, db.writeCounters()
}

// release tombstones a document and returns its slot to the page.
func (db *DB) release(doc uint32) error {
	db.alloclock.Lock()
	defer db.alloclock.Unlock()

	l := db.layout
	page, slot := l.locate(doc)
	if err := db.writeAt(make([]byte, DocHeaderSize), l.documentOffset(doc)); err != nil {
		return err
	}
	ph, err := db.readPageHeader(page)
	if err != nil {
		return err
	}
	if ph.Count > 0 {
		ph.Count--
	}
	if slot < ph.FreeHint {
		ph.FreeHint = slot
	}
	if err := db.writePageHeader(page, ph); err != nil {
		return err
	}

	db.metalock.Lock()
	defer db.metalock.Unlock()
	if db.header.DocCount > 0 {
		db.header.DocCount--
	}
	return db.writeCounters()
}

// validDoc reports whether doc addresses a slot inside the file.
func (db *DB) validDoc(doc uint32) bool {
	if doc == 0 {
		return false
	}
	page, _ := db.layout.locate(doc)
	return page <= db.pageCount()
}

func (db *DB) readDoc(doc uint32) (*DocHeader, []byte, error) {
	if !db.validDoc(doc) {
		return nil, nil, errors.Wrapf(ErrNodeNotFound, "document %d out of range", doc)
	}
	buf := make([]byte, db.layout.docSize())
	if err := db.readAt(buf, db.layout.documentOffset(doc)); err != nil {
		return nil, nil, err
	}
	hdr := &DocHeader{}
	if err := hdr.unmarshal(buf); err != nil {
		return nil, nil, err
	}
	if hdr.Length > db.layout.payload {
		return nil, nil, errors.Wrapf(ErrInvalidDatabase, "document %d length %d exceeds payload", doc, hdr.Length)
	}
	return hdr, buf[DocHeaderSize : DocHeaderSize+hdr.Length], nil
}

func (db *DB) writeDoc(doc uint32, hdr *DocHeader, payload []byte) error {
	buf := make([]byte, DocHeaderSize+len(payload))
	copy(buf, hdr.marshal())
	copy(buf[DocHeaderSize:], payload)
	return db.writeAt(buf, db.layout.documentOffset(doc))
}

// writePayload rewrites state, length and payload of a document, leaving its
// chain pointers untouched.
func (db *DB) writePayload(doc uint32, flags DocFlag, payload []byte) error {
	if uint32(len(payload)) > db.layout.payload {
		return errors.Wrapf(ErrValueTooLarge, "payload is %d bytes", len(payload))
	}
	off := db.layout.documentOffset(doc)
	if err := db.writeAt([]byte{byte(flags)}, off+docFlagsOffset); err != nil {
		return err
	}
	buf := make([]byte, DocHeaderSize-docLengthOffset+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[DocHeaderSize-docLengthOffset:], payload)
	return db.writeAt(buf, off+docLengthOffset)
}

func (db *DB) writeUint32(doc uint32, field int64, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return db.writeAt(buf, db.layout.documentOffset(doc)+field)
}

func (db *DB) writeLink(doc, link uint32) error { return db.writeUint32(doc, docLinkOffset, link) }
func (db *DB) writeNext(doc, next uint32) error { return db.writeUint32(doc, docNextOffset, next) }
