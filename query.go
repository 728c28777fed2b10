package sgdb

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Record is a decoded document of any type.
type Record struct {
	ID   uint32
	Type DocType

	// node documents
	Class  string
	Fields Object

	// edge list documents
	Relation string
	Edges    []Edge
	Next     uint32
}

// Read decodes the document stored at id.
func (db *DB) Read(ctx context.Context, id uint32) (*Record, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	hdr, payload, err := db.readDoc(id)
	if err != nil {
		return nil, err
	}
	if !hdr.live() {
		return nil, errors.Wrapf(ErrNodeNotFound, "document %d", id)
	}
	return db.decodeRecord(id, hdr, payload)
}

func (db *DB) decodeRecord(id uint32, hdr *DocHeader, payload []byte) (*Record, error) {
	rec := &Record{ID: id, Type: hdr.Type, Next: hdr.Next}
	switch hdr.Type {
	case DocNode:
		cls, err := db.classByID(hdr.Owner)
		if err != nil {
			return nil, err
		}
		obj, err := unpackRow(cls.Schema, payload, hdr.Flags, db.header.Compression)
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", id)
		}
		rec.Class, rec.Fields = cls.Name, obj
	case DocRelation, DocAdjacency:
		list, err := decodeEdges(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDatabase, "document %d: %s", id, err)
		}
		if hdr.Type == DocRelation {
			rec.Relation = db.relationName(hdr.Owner)
		}
		for _, e := range list {
			rec.Edges = append(rec.Edges, db.edge(e))
		}
	default:
		return nil, errors.Wrapf(ErrInvalidDocumentType, "document %d has type %d", id, hdr.Type)
	}
	return rec, nil
}

// Cursor walks the page chain of a class or relation from the newest page
// back through the parents.
type Cursor struct {
	db    *DB
	start uint32
	page  uint32
	began bool
	err   error
}

// Cursor opens a cursor over the pages of the named class or relation.
func (db *DB) Cursor(name string) (*Cursor, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if cls, err := db.lookupClass(name); err == nil {
		return &Cursor{db: db, start: cls.Page}, nil
	}
	rel, err := db.lookupRelation(name)
	if err != nil {
		return nil, errors.Wrapf(ErrClassNotFound, "no class or relation %q", name)
	}
	return &Cursor{db: db, start: rel.Page}, nil
}

// Next moves to the next page and reports whether there is one.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.began {
		c.began = true
		c.page = c.start
		return c.page != 0
	}
	if c.page == 0 {
		return false
	}
	c.db.swaplock.RLock()
	ph, err := c.db.readPageHeader(c.page)
	c.db.swaplock.RUnlock()
	if err != nil {
		c.err = err
		return false
	}
	if ph.Parent >= c.page {
		c.err = errors.Wrapf(ErrInvalidDatabase, "page %d has parent %d", c.page, ph.Parent)
		return false
	}
	c.page = ph.Parent
	return c.page != 0
}

func (c *Cursor) Page() uint32 { return c.page }

func (c *Cursor) Err() error { return c.err }

// Documents decodes the live documents of the current page in slot order.
func (c *Cursor) Documents(ctx context.Context) ([]*Record, error) {
	if c.page == 0 {
		return nil, nil
	}
	c.db.swaplock.RLock()
	defer c.db.swaplock.RUnlock()
	return c.db.pageRecords(ctx, c.page)
}

// pageRecords reads a page and decodes its live documents concurrently.
// Caller holds swaplock.
func (db *DB) pageRecords(ctx context.Context, page uint32) ([]*Record, error) {
	l := db.layout
	buf := make([]byte, l.pageSize())
	if err := db.readAt(buf, l.pageOffset(page)); err != nil {
		return nil, err
	}

	slots := make([]*Record, l.pageLimit)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for slot := uint32(0); slot < l.pageLimit; slot++ {
		doc := buf[PageHeaderSize+int64(slot)*l.docSize():][:l.docSize()]
		if DocFlag(doc[docFlagsOffset]).Removed() {
			continue
		}
		slot := slot
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hdr := &DocHeader{}
			if err := hdr.unmarshal(doc); err != nil {
				return err
			}
			if hdr.Length > l.payload {
				return errors.Wrapf(ErrInvalidDatabase, "document %d length %d exceeds payload", l.documentIndex(page, slot), hdr.Length)
			}
			rec, err := db.decodeRecord(l.documentIndex(page, slot), hdr, doc[DocHeaderSize:DocHeaderSize+hdr.Length])
			if err != nil {
				return err
			}
			slots[slot] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(slots))
	for _, rec := range slots {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Query selects nodes of one class.
type Query struct {
	db       *DB
	class    string
	compiler Compiler
	collect  *collector
}

// Find starts a query over the rows of class.
func (db *DB) Find(class string) *Query {
	c := &collector{}
	return &Query{db: db, class: class, compiler: c, collect: c}
}

func (q *Query) Where(f Filter) *Query {
	q.collect.filters = append(q.collect.filters, f)
	return q
}

// SortBy orders the result by field; ties fall through to the next key.
func (q *Query) SortBy(field string, desc bool) *Query {
	q.collect.sorts = append(q.collect.sorts, sortKey{field: field, desc: desc})
	return q
}

// SortByFunc orders the result by field using cmp.
func (q *Query) SortByFunc(field string, desc bool, cmp Comparator) *Query {
	q.collect.sorts = append(q.collect.sorts, sortKey{field: field, desc: desc, cmp: cmp})
	return q
}

func (q *Query) Skip(n int) *Query {
	q.collect.skip = n
	return q
}

func (q *Query) Limit(n int) *Query {
	q.collect.limit = n
	return q
}

// With replaces the default compiler. Where, SortBy, Skip and Limit no
// longer apply.
func (q *Query) With(c Compiler) *Query {
	q.compiler = c
	return q
}

// Exec scans the class from its first page onwards, offering every row to
// the compiler until it signals Stop.
func (q *Query) Exec(ctx context.Context) ([]*Node, error) {
	db := q.db
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	cls, err := db.lookupClass(q.class)
	if err != nil {
		return nil, err
	}

	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	pages, err := db.pageChain(cls.Page)
	if err != nil {
		return nil, err
	}
	for i := len(pages) - 1; i >= 0; i-- {
		recs, err := db.pageRecords(ctx, pages[i])
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Type != DocNode {
				continue
			}
			if q.compiler.Offer(&Node{ID: rec.ID, Class: rec.Class, Fields: rec.Fields}) == Stop {
				return q.compiler.Result(), nil
			}
		}
	}
	return q.compiler.Result(), nil
}

// pageChain lists the pages from page back to the root. Caller holds
// swaplock.
func (db *DB) pageChain(page uint32) ([]uint32, error) {
	var pages []uint32
	for p := page; p != 0; {
		pages = append(pages, p)
		ph, err := db.readPageHeader(p)
		if err != nil {
			return nil, err
		}
		if ph.Parent >= p {
			return nil, errors.Wrapf(ErrInvalidDatabase, "page %d has parent %d", p, ph.Parent)
		}
		p = ph.Parent
	}
	return pages, nil
}
