package sgdb

import (
	"context"
	"strings"

	set "github.com/deckarep/golang-set"
	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Node is a decoded class row.
type Node struct {
	ID     uint32 `json:"id"`
	Class  string `json:"class"`
	Fields Object `json:"fields"`

	link uint32
}

// Insert stores value as a new row of class and returns its id.
func (db *DB) Insert(ctx context.Context, class string, value Object) (uint32, error) {
	v, err := db.run(ctx, KindInsert, db.classLocked(class), func() (interface{}, error) {
		return db.insert(class, value)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

func (db *DB) insert(class string, value Object) (uint32, error) {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	cls, err := db.lookupClass(class)
	if err != nil {
		return 0, err
	}
	data, flags, err := packRow(cls.Schema, value, db.layout.payload, db.header.Compression)
	if err != nil {
		return 0, err
	}
	id, err := db.allocate(PageNode, cls.ID, DocHeader{Type: DocNode, Flags: flags, Owner: cls.ID}, data)
	if err != nil {
		return 0, err
	}
	db.log.WithFields(log.Fields{"class": class, "id": id}).Debug("node inserted")
	return id, nil
}

// readNode reads and decodes the row stored at id. Caller holds swaplock.
func (db *DB) readNode(id uint32) (*Node, *Class, *DocHeader, error) {
	hdr, payload, err := db.readDoc(id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !hdr.live() {
		return nil, nil, nil, errors.Wrapf(ErrNodeNotFound, "node %d", id)
	}
	if hdr.Type != DocNode {
		return nil, nil, nil, errors.Wrapf(ErrInvalidDocumentType, "document %d is a %s", id, hdr.Type)
	}
	cls, err := db.classByID(hdr.Owner)
	if err != nil {
		return nil, nil, nil, err
	}
	obj, err := unpackRow(cls.Schema, payload, hdr.Flags, db.header.Compression)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "node %d", id)
	}
	return &Node{ID: id, Class: cls.Name, Fields: obj, link: hdr.Link}, &cls, hdr, nil
}

// Update replaces every field of the node with value.
func (db *DB) Update(ctx context.Context, id uint32, value Object) error {
	return db.UpdateFunc(ctx, id, func(Object) (Object, error) { return value, nil })
}

// UpdateFunc replaces the node's fields with the result of fn. fn receives a
// copy of the current fields.
func (db *DB) UpdateFunc(ctx context.Context, id uint32, fn func(Object) (Object, error)) error {
	_, err := db.run(ctx, KindUpdate, nil, func() (interface{}, error) {
		return nil, db.update(id, func(_ *Schema, obj Object) (Object, error) {
			cp := make(Object, len(obj))
			if err := copier.CopyWithOption(&cp, &obj, copier.Option{DeepCopy: true}); err != nil {
				return nil, errors.Wrapf(err, "copy node %d", id)
			}
			return fn(cp)
		})
	})
	return err
}

// Modify applies a patch to the node. Keys prefixed with + - * / apply a
// numeric delta to the named field; bare keys overwrite fields the class
// defines and are ignored otherwise.
func (db *DB) Modify(ctx context.Context, id uint32, patch Object) error {
	_, err := db.run(ctx, KindUpdate, nil, func() (interface{}, error) {
		return nil, db.update(id, func(s *Schema, obj Object) (Object, error) {
			return applyPatch(s, obj, patch)
		})
	})
	return err
}

func (db *DB) update(id uint32, fn func(*Schema, Object) (Object, error)) error {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	node, cls, _, err := db.readNode(id)
	if err != nil {
		return err
	}
	obj, err := fn(cls.Schema, node.Fields)
	if err != nil {
		return err
	}
	data, flags, err := packRow(cls.Schema, obj, db.layout.payload, db.header.Compression)
	if err != nil {
		return errors.Wrapf(err, "node %d", id)
	}
	if err := db.writePayload(id, flags, data); err != nil {
		return err
	}
	db.log.WithField("id", id).Debug("node updated")
	return nil
}

func applyPatch(s *Schema, obj, patch Object) (Object, error) {
	for key, v := range patch {
		if len(key) > 1 && strings.IndexByte("+-*/", key[0]) >= 0 {
			name := key[1:]
			f, ok := s.Field(name)
			if !ok {
				continue
			}
			if f.Type != FieldNumber {
				return nil, errors.Wrapf(ErrInvalidValue, "field %q is not a number", name)
			}
			delta, ok := toFloat(v)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidValue, "delta %v for %q is not a number", v, name)
			}
			cur, _ := toFloat(obj[name])
			switch key[0] {
			case '+':
				cur += delta
			case '-':
				cur -= delta
			case '*':
				cur *= delta
			case '/':
				cur /= delta
			}
			obj[name] = cur
			continue
		}
		if _, ok := s.Field(key); ok {
			obj[key] = v
		}
	}
	return obj, nil
}

// Remove deletes the node, its private adjacency chain, and every edge
// referencing it from neighbours and relation lists.
func (db *DB) Remove(ctx context.Context, id uint32) error {
	_, err := db.run(ctx, KindRemove, nil, func() (interface{}, error) {
		return nil, db.remove(id)
	})
	return err
}

func (db *DB) remove(id uint32) error {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	hdr, _, err := db.readDoc(id)
	if err != nil {
		return err
	}
	if !hdr.live() {
		return errors.Wrapf(ErrNodeNotFound, "node %d", id)
	}
	if hdr.Type != DocNode {
		return errors.Wrapf(ErrInvalidDocumentType, "document %d is a %s", id, hdr.Type)
	}

	neighbours := set.NewSet()
	var chain []uint32
	for doc := hdr.Link; doc != 0; {
		h, payload, err := db.readDoc(doc)
		if err != nil {
			return err
		}
		if h.Type != DocAdjacency {
			return errors.Wrapf(ErrInvalidDocumentType, "document %d in chain of node %d is a %s", doc, id, h.Type)
		}
		list, err := decodeEdges(payload)
		if err != nil {
			return err
		}
		for _, e := range list {
			if e.Target != id {
				neighbours.Add(e.Target)
			}
		}
		chain = append(chain, doc)
		doc = h.Next
	}

	if err := db.release(id); err != nil {
		return err
	}
	for _, doc := range chain {
		if err := db.release(doc); err != nil {
			return err
		}
	}

	refersTo := func(e edgeEntry) bool { return e.Target == id || e.Source == id }
	for n := range neighbours.Iter() {
		h, _, err := db.readDoc(n.(uint32))
		if err != nil {
			return err
		}
		if !h.live() || h.Type != DocNode {
			continue
		}
		if err := db.stripChain(h.Link, refersTo); err != nil {
			return err
		}
	}
	for _, rel := range db.Relations() {
		if err := db.stripChain(rel.Head, refersTo); err != nil {
			return err
		}
	}
	db.log.WithFields(log.Fields{"id": id, "adjacency": len(chain), "neighbours": neighbours.Cardinality()}).Debug("node removed")
	return nil
}
