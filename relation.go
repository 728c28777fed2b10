package sgdb

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Connect stores an edge of relation from a to b. The edge is recorded in
// the adjacency chains of both endpoints and in the relation's own list.
func (db *DB) Connect(ctx context.Context, relation string, a, b uint32) error {
	_, err := db.run(ctx, KindRelation, db.relationLocked(relation), func() (interface{}, error) {
		return nil, db.connect(relation, a, b)
	})
	return err
}

func (db *DB) connect(relation string, a, b uint32) error {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	rel, err := db.lookupRelation(relation)
	if err != nil {
		return err
	}
	ha, err := db.nodeHeader(a)
	if err != nil {
		return err
	}
	hb, err := db.nodeHeader(b)
	if err != nil {
		return err
	}

	out, in := DirOut, DirIn
	if rel.Bidirectional {
		out, in = DirBoth, DirBoth
	}

	// A reverse bidirectional edge b->a is stored in a's chain as Both
	// towards b, so this also rejects it.
	found, err := db.chainContains(ha.Link, func(e edgeEntry) bool {
		return e.Relation == rel.ID && e.Target == b && e.outgoing()
	})
	if err != nil {
		return err
	}
	if found {
		return errors.Wrapf(ErrDuplicateEdge, "%s %d -> %d", relation, a, b)
	}

	if err := db.appendPrivate(a, ha.Link, edgeEntry{Relation: rel.ID, Direction: out, Source: a, Target: b}); err != nil {
		return err
	}
	if a == b {
		// the first append may have created the chain
		if ha, err = db.nodeHeader(a); err != nil {
			return err
		}
		hb = ha
	}
	if err := db.appendPrivate(b, hb.Link, edgeEntry{Relation: rel.ID, Direction: in, Source: b, Target: a}); err != nil {
		return err
	}
	if err := db.appendCanonical(rel.ID, edgeEntry{Relation: rel.ID, Direction: out, Source: a, Target: b}); err != nil {
		return err
	}
	db.log.WithFields(log.Fields{"relation": relation, "source": a, "target": b}).Debug("edge connected")
	return nil
}

// Disconnect removes the edge of relation from a to b.
func (db *DB) Disconnect(ctx context.Context, relation string, a, b uint32) error {
	_, err := db.run(ctx, KindRelation, db.relationLocked(relation), func() (interface{}, error) {
		return nil, db.disconnect(relation, a, b)
	})
	return err
}

func (db *DB) disconnect(relation string, a, b uint32) error {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	rel, err := db.lookupRelation(relation)
	if err != nil {
		return err
	}
	ha, err := db.nodeHeader(a)
	if err != nil {
		return err
	}
	hb, err := db.nodeHeader(b)
	if err != nil {
		return err
	}

	removed, err := db.stripChainFirst(ha.Link, func(e edgeEntry) bool {
		return e.Relation == rel.ID && e.Target == b && e.outgoing()
	})
	if err != nil {
		return err
	}
	if !removed {
		return errors.Wrapf(ErrEdgeNotFound, "%s %d -> %d", relation, a, b)
	}
	if _, err := db.stripChainFirst(hb.Link, func(e edgeEntry) bool {
		return e.Relation == rel.ID && e.Target == a && (e.Direction == DirIn || e.Direction == DirBoth)
	}); err != nil {
		return err
	}
	if _, err := db.stripChainFirst(rel.Head, func(e edgeEntry) bool {
		if e.Source == a && e.Target == b {
			return true
		}
		return rel.Bidirectional && e.Source == b && e.Target == a
	}); err != nil {
		return err
	}
	db.log.WithFields(log.Fields{"relation": relation, "source": a, "target": b}).Debug("edge disconnected")
	return nil
}

// Neighbors lists the adjacency chain of a node.
func (db *DB) Neighbors(ctx context.Context, id uint32) ([]Edge, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()
	hdr, err := db.nodeHeader(id)
	if err != nil {
		return nil, err
	}
	return db.chainEdges(ctx, hdr.Link)
}

// Edges lists the canonical edge list of a relation.
func (db *DB) Edges(ctx context.Context, relation string) ([]Edge, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()
	rel, err := db.lookupRelation(relation)
	if err != nil {
		return nil, err
	}
	return db.chainEdges(ctx, rel.Head)
}

func (db *DB) chainEdges(ctx context.Context, head uint32) ([]Edge, error) {
	var out []Edge
	err := db.walkChain(head, func(doc uint32, hdr *DocHeader, list edgeList) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		for _, e := range list {
			out = append(out, db.edge(e))
		}
		return true, nil
	})
	return out, err
}

func (db *DB) edge(e edgeEntry) Edge {
	return Edge{Relation: db.relationName(e.Relation), Direction: e.Direction, Source: e.Source, Target: e.Target}
}

// nodeHeader returns the header of a live node document.
func (db *DB) nodeHeader(id uint32) (*DocHeader, error) {
	hdr, _, err := db.readDoc(id)
	if err != nil {
		return nil, err
	}
	if !hdr.live() {
		return nil, errors.Wrapf(ErrNodeNotFound, "node %d", id)
	}
	if hdr.Type != DocNode {
		return nil, errors.Wrapf(ErrInvalidDocumentType, "document %d is a %s", id, hdr.Type)
	}
	return hdr, nil
}

// walkChain visits the edge list documents linked from head through their
// next pointers until fn returns false.
func (db *DB) walkChain(head uint32, fn func(doc uint32, hdr *DocHeader, list edgeList) (bool, error)) error {
	limit := int(db.pageCount()) * int(db.layout.pageLimit)
	seen := 0
	for doc := head; doc != 0; {
		hdr, payload, err := db.readDoc(doc)
		if err != nil {
			return err
		}
		if !hdr.live() || (hdr.Type != DocAdjacency && hdr.Type != DocRelation) {
			return errors.Wrapf(ErrInvalidDocumentType, "document %d in edge chain is a %s", doc, hdr.Type)
		}
		list, err := decodeEdges(payload)
		if err != nil {
			return errors.Wrapf(ErrInvalidDatabase, "document %d: %s", doc, err)
		}
		more, err := fn(doc, hdr, list)
		if err != nil || !more {
			return err
		}
		if seen++; seen > limit {
			return errors.Wrapf(ErrInvalidDatabase, "edge chain from %d loops", head)
		}
		doc = hdr.Next
	}
	return nil
}

func (db *DB) chainContains(head uint32, match func(edgeEntry) bool) (bool, error) {
	found := false
	err := db.walkChain(head, func(_ uint32, _ *DocHeader, list edgeList) (bool, error) {
		found = list.index(match) >= 0
		return !found, nil
	})
	return found, err
}

// stripChain removes every matching entry from the chain.
func (db *DB) stripChain(head uint32, match func(edgeEntry) bool) error {
	return db.walkChain(head, func(doc uint32, hdr *DocHeader, list edgeList) (bool, error) {
		rest, n := list.without(match)
		if n == 0 {
			return true, nil
		}
		return true, db.writePayload(doc, hdr.Flags, rest.encode())
	})
}

// stripChainFirst removes the first matching entry from the chain.
func (db *DB) stripChainFirst(head uint32, match func(edgeEntry) bool) (bool, error) {
	removed := false
	err := db.walkChain(head, func(doc uint32, hdr *DocHeader, list edgeList) (bool, error) {
		i := list.index(match)
		if i < 0 {
			return true, nil
		}
		removed = true
		rest := append(list[:i:i], list[i+1:]...)
		return false, db.writePayload(doc, hdr.Flags, rest.encode())
	})
	return removed, err
}

// appendPrivate adds e to the first document of a node's chain with room,
// creating the chain or a continuation document as needed.
func (db *DB) appendPrivate(node, head uint32, e edgeEntry) error {
	newDoc := func(parent uint32) (uint32, error) {
		return db.allocate(PagePrivate, 0, DocHeader{Type: DocAdjacency, Flags: DocLive, Owner: node, Parent: parent}, edgeList{e}.encode())
	}
	if head == 0 {
		doc, err := newDoc(0)
		if err != nil {
			return err
		}
		return db.writeLink(node, doc)
	}

	capacity := int(db.layout.edgeCapacity())
	var last uint32
	done := false
	err := db.walkChain(head, func(doc uint32, hdr *DocHeader, list edgeList) (bool, error) {
		last = doc
		if len(list) >= capacity {
			return true, nil
		}
		done = true
		return false, db.writePayload(doc, hdr.Flags, append(list, e).encode())
	})
	if err != nil || done {
		return err
	}
	doc, err := newDoc(last)
	if err != nil {
		return err
	}
	return db.writeNext(last, doc)
}

// appendCanonical adds e to the tail of a relation's edge list.
func (db *DB) appendCanonical(relation uint32, e edgeEntry) error {
	db.metalock.RLock()
	tail := db.catalog.relationByID[relation].Tail
	db.metalock.RUnlock()

	if tail != 0 {
		hdr, payload, err := db.readDoc(tail)
		if err != nil {
			return err
		}
		list, err := decodeEdges(payload)
		if err != nil {
			return errors.Wrapf(ErrInvalidDatabase, "document %d: %s", tail, err)
		}
		if len(list) < int(db.layout.edgeCapacity()) {
			return db.writePayload(tail, hdr.Flags, append(list, e).encode())
		}
	}

	doc, err := db.allocate(PageRelation, relation, DocHeader{Type: DocRelation, Flags: DocLive, Owner: relation, Parent: tail}, edgeList{e}.encode())
	if err != nil {
		return err
	}
	if tail != 0 {
		if err := db.writeNext(tail, doc); err != nil {
			return err
		}
	}

	db.metalock.Lock()
	defer db.metalock.Unlock()
	rel := db.catalog.relationByID[relation]
	if rel.Head == 0 {
		rel.Head = doc
	}
	rel.Tail = doc
	return db.writeHeader(nil)
}
