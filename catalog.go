package sgdb

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Class is a named node schema with the page chain holding its rows.
type Class struct {
	Name   string
	ID     uint32
	Schema *Schema
	// newest page of the chain, the one inserts grow from
	Page uint32
	Root uint32

	// set until the first page is allocated
	locked bool
}

// Relation is a named edge type with the page chain holding its canonical
// edge list.
type Relation struct {
	Name          string
	ID            uint32
	Bidirectional bool
	Page          uint32
	Root          uint32
	// first and last documents of the canonical edge list
	Head uint32
	Tail uint32

	locked bool
}

type catalog struct {
	classes      map[string]*Class
	classByID    map[uint32]*Class
	relations    map[string]*Relation
	relationByID map[uint32]*Relation
}

func newCatalog() *catalog {
	return &catalog{
		classes:      make(map[string]*Class),
		classByID:    make(map[uint32]*Class),
		relations:    make(map[string]*Relation),
		relationByID: make(map[uint32]*Relation),
	}
}

type classJSON struct {
	Name   string `json:"name"`
	ID     uint32 `json:"id"`
	Schema string `json:"schema"`
	Page   uint32 `json:"page"`
	Root   uint32 `json:"root"`
}

type relationJSON struct {
	Name          string `json:"name"`
	ID            uint32 `json:"id"`
	Bidirectional bool   `json:"bidirectional"`
	Page          uint32 `json:"page"`
	Root          uint32 `json:"root"`
	Head          uint32 `json:"head"`
	Tail          uint32 `json:"tail"`
}

type catalogJSON struct {
	Classes   []classJSON    `json:"classes"`
	Relations []relationJSON `json:"relations"`
}

// marshal renders the catalog, replacing class schemas found in overrides.
// Locked entries are skipped: they have no page yet.
func (c *catalog) marshal(overrides map[uint32]*Schema) ([]byte, error) {
	out := catalogJSON{Classes: []classJSON{}, Relations: []relationJSON{}}
	for _, cls := range c.sortedClasses() {
		if cls.locked {
			continue
		}
		schema := cls.Schema
		if s, ok := overrides[cls.ID]; ok {
			schema = s
		}
		out.Classes = append(out.Classes, classJSON{
			Name: cls.Name, ID: cls.ID, Schema: schema.String(), Page: cls.Page, Root: cls.Root,
		})
	}
	for _, rel := range c.sortedRelations() {
		if rel.locked {
			continue
		}
		out.Relations = append(out.Relations, relationJSON{
			Name: rel.Name, ID: rel.ID, Bidirectional: rel.Bidirectional,
			Page: rel.Page, Root: rel.Root, Head: rel.Head, Tail: rel.Tail,
		})
	}
	return json.Marshal(out)
}

func (c *catalog) unmarshal(data []byte) error {
	var in catalogJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for _, cj := range in.Classes {
		schema, err := ParseSchema(cj.Schema)
		if err != nil {
			return errors.Wrapf(err, "class %q", cj.Name)
		}
		c.addClass(&Class{Name: cj.Name, ID: cj.ID, Schema: schema, Page: cj.Page, Root: cj.Root})
	}
	for _, rj := range in.Relations {
		c.addRelation(&Relation{
			Name: rj.Name, ID: rj.ID, Bidirectional: rj.Bidirectional,
			Page: rj.Page, Root: rj.Root, Head: rj.Head, Tail: rj.Tail,
		})
	}
	return nil
}

func (c *catalog) addClass(cls *Class) {
	c.classes[cls.Name] = cls
	c.classByID[cls.ID] = cls
}

func (c *catalog) dropClass(cls *Class) {
	delete(c.classes, cls.Name)
	delete(c.classByID, cls.ID)
}

func (c *catalog) addRelation(rel *Relation) {
	c.relations[rel.Name] = rel
	c.relationByID[rel.ID] = rel
}

func (c *catalog) dropRelation(rel *Relation) {
	delete(c.relations, rel.Name)
	delete(c.relationByID, rel.ID)
}

// counts returns the number of ready classes and relations.
func (c *catalog) counts() (classes, relations uint32) {
	for _, cls := range c.classes {
		if !cls.locked {
			classes++
		}
	}
	for _, rel := range c.relations {
		if !rel.locked {
			relations++
		}
	}
	return
}

func (c *catalog) nextClassID() uint32 {
	var max uint32
	for id := range c.classByID {
		if id > max {
			max = id
		}
	}
	return max + 1
}

func (c *catalog) nextRelationID() uint32 {
	var max uint32
	for id := range c.relationByID {
		if id > max {
			max = id
		}
	}
	return max + 1
}

func (c *catalog) sortedClasses() []*Class {
	out := make([]*Class, 0, len(c.classes))
	for _, cls := range c.classes {
		out = append(out, cls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *catalog) sortedRelations() []*Relation {
	out := make([]*Relation, 0, len(c.relations))
	for _, rel := range c.relations {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// anchor returns the current-page pointer of a page chain owner. Caller
// holds metalock.
func (db *DB) anchor(typ PageType, owner uint32) (*uint32, error) {
	switch typ {
	case PageNode:
		if cls, ok := db.catalog.classByID[owner]; ok {
			return &cls.Page, nil
		}
		return nil, errors.Wrapf(ErrClassNotFound, "class id %d", owner)
	case PageRelation:
		if rel, ok := db.catalog.relationByID[owner]; ok {
			return &rel.Page, nil
		}
		return nil, errors.Wrapf(ErrRelationNotFound, "relation id %d", owner)
	case PagePrivate:
		return &db.header.Private, nil
	}
	return nil, errors.Errorf("unknown page type %d", typ)
}

// setAnchor moves a chain owner to a new current page and persists it.
func (db *DB) setAnchor(typ PageType, owner, page uint32) error {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	ptr, err := db.anchor(typ, owner)
	if err != nil {
		return err
	}
	*ptr = page
	switch typ {
	case PageNode:
		if cls := db.catalog.classByID[owner]; cls.Root == 0 {
			cls.Root = page
		}
	case PageRelation:
		if rel := db.catalog.relationByID[owner]; rel.Root == 0 {
			rel.Root = page
		}
	case PagePrivate:
		return db.writeCounters()
	}
	return db.writeHeader(nil)
}

// lookupClass returns a snapshot of a ready class.
func (db *DB) lookupClass(name string) (Class, error) {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	cls, ok := db.catalog.classes[name]
	if !ok || cls.locked {
		return Class{}, errors.Wrapf(ErrClassNotFound, "class %q", name)
	}
	return *cls, nil
}

func (db *DB) classByID(id uint32) (Class, error) {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	cls, ok := db.catalog.classByID[id]
	if !ok {
		return Class{}, errors.Wrapf(ErrClassNotFound, "class id %d", id)
	}
	return *cls, nil
}

func (db *DB) lookupRelation(name string) (Relation, error) {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	rel, ok := db.catalog.relations[name]
	if !ok || rel.locked {
		return Relation{}, errors.Wrapf(ErrRelationNotFound, "relation %q", name)
	}
	return *rel, nil
}

func (db *DB) relationName(id uint32) string {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	if rel, ok := db.catalog.relationByID[id]; ok {
		return rel.Name
	}
	return ""
}

// classLocked reports whether inserts into name must wait for its creation.
func (db *DB) classLocked(name string) func() bool {
	return func() bool {
		db.metalock.RLock()
		defer db.metalock.RUnlock()
		cls, ok := db.catalog.classes[name]
		return ok && cls.locked
	}
}

func (db *DB) relationLocked(name string) func() bool {
	return func() bool {
		db.metalock.RLock()
		defer db.metalock.RUnlock()
		rel, ok := db.catalog.relations[name]
		return ok && rel.locked
	}
}

// Classes lists the defined classes in id order.
func (db *DB) Classes() []Class {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	var out []Class
	for _, cls := range db.catalog.sortedClasses() {
		if !cls.locked {
			out = append(out, *cls)
		}
	}
	return out
}

func (db *DB) Relations() []Relation {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	var out []Relation
	for _, rel := range db.catalog.sortedRelations() {
		if !rel.locked {
			out = append(out, *rel)
		}
	}
	return out
}

// DefineClass creates a class, or migrates its rows when the schema text
// changed. A schema needing more payload than the file has triggers a resize.
func (db *DB) DefineClass(ctx context.Context, name, schemaText string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	schema, err := ParseSchema(schemaText)
	if err != nil {
		return err
	}

	db.metalock.Lock()
	cls, exists := db.catalog.classes[name]
	if !exists {
		if len(db.catalog.classes) >= maxEntries {
			db.metalock.Unlock()
			return errors.Wrapf(ErrTooManyClasses, "class %q", name)
		}
		cls = &Class{Name: name, ID: db.catalog.nextClassID(), Schema: schema, locked: true}
		db.catalog.addClass(cls)
	}
	current := cls.Schema
	db.metalock.Unlock()

	if exists {
		if current.Equal(schema) {
			return nil
		}
		_, err = db.run(ctx, KindMeta, nil, func() (interface{}, error) {
			return nil, db.redefineClass(name, schema)
		})
		return err
	}
	_, err = db.run(ctx, KindMeta, nil, func() (interface{}, error) {
		return nil, db.createClass(cls)
	})
	return err
}

func (db *DB) createClass(cls *Class) error {
	err := db.withFile(func() error {
		db.alloclock.Lock()
		defer db.alloclock.Unlock()
		page, err := db.addPage(PageNode, cls.ID, 0)
		if err != nil {
			return err
		}
		db.metalock.Lock()
		defer db.metalock.Unlock()
		cls.Page, cls.Root, cls.locked = page, page, false
		return db.writeHeader(nil)
	})
	if err != nil {
		db.metalock.Lock()
		db.catalog.dropClass(cls)
		db.metalock.Unlock()
		db.dispatch.drainAll()
		return err
	}
	db.log.WithField("class", cls.Name).Info("class defined")
	db.dispatch.drainAll()

	if need := alignPayload(cls.Schema.RequiredPayload()); need > db.payload() {
		return db.resize(need, nil)
	}
	return nil
}

func (db *DB) redefineClass(name string, schema *Schema) error {
	cls, err := db.lookupClass(name)
	if err != nil {
		return err
	}
	if cls.Schema.Equal(schema) {
		return nil
	}
	payload := db.payload()
	if need := alignPayload(schema.RequiredPayload()); need > payload {
		payload = need
	}
	db.log.WithFields(log.Fields{
		"class": name, "from": cls.Schema.String(), "to": schema.String(),
	}).Info("class schema changed")
	return db.resize(payload, map[uint32]migration{cls.ID: {from: cls.Schema, to: schema}})
}

// DefineRelation creates a relation type. Redefining it with another
// direction fails with ErrRelationConflict.
func (db *DB) DefineRelation(ctx context.Context, name string, bidirectional bool) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if name == "" {
		return errors.Wrap(ErrInvalidSchema, "empty relation name")
	}

	db.metalock.Lock()
	rel, exists := db.catalog.relations[name]
	if exists {
		db.metalock.Unlock()
		if rel.Bidirectional != bidirectional {
			return errors.Wrapf(ErrRelationConflict, "relation %q", name)
		}
		return nil
	}
	if len(db.catalog.relations) >= maxEntries {
		db.metalock.Unlock()
		return errors.Wrapf(ErrTooManyRelations, "relation %q", name)
	}
	rel = &Relation{Name: name, ID: db.catalog.nextRelationID(), Bidirectional: bidirectional, locked: true}
	db.catalog.addRelation(rel)
	db.metalock.Unlock()

	_, err := db.run(ctx, KindMeta, nil, func() (interface{}, error) {
		return nil, db.createRelation(rel)
	})
	return err
}

func (db *DB) createRelation(rel *Relation) error {
	err := db.withFile(func() error {
		db.alloclock.Lock()
		defer db.alloclock.Unlock()
		page, err := db.addPage(PageRelation, rel.ID, 0)
		if err != nil {
			return err
		}
		db.metalock.Lock()
		defer db.metalock.Unlock()
		rel.Page, rel.Root, rel.locked = page, page, false
		return db.writeHeader(nil)
	})
	if err != nil {
		db.metalock.Lock()
		db.catalog.dropRelation(rel)
		db.metalock.Unlock()
	} else {
		db.log.WithField("relation", rel.Name).Info("relation defined")
	}
	db.dispatch.drainAll()
	return err
}

func (db *DB) payload() uint32 {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	return db.layout.payload
}

// withFile runs fn holding the shared file lock.
func (db *DB) withFile(fn func() error) error {
	db.swaplock.RLock()
	defer db.swaplock.RUnlock()
	return fn()
}
