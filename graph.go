package sgdb

import (
	"context"

	set "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GraphOptions restrict a traversal.
type GraphOptions struct {
	// Depth bounds the number of edges followed from the root. Zero or
	// less is unbounded.
	Depth int
	// Relations and Classes, when not empty, list the relation types that
	// are followed and the classes that are kept.
	Relations []string
	Classes   []string
	// Direction selects the edges followed: DirOut (the default) follows
	// outgoing edges, DirIn incoming ones, DirBoth any. Bidirectional edges
	// always match.
	Direction Direction
}

// GraphNode is a node of a traversal result tree.
type GraphNode struct {
	*Node
	// Relation is the relation type of the edge leading here.
	Relation string
	Depth    int
	Children []*GraphNode

	key visitKey
}

type GraphResult struct {
	Root *GraphNode
	// Count is the number of nodes in the tree, the root included.
	Count int
}

// Level filters, orders and limits the children every node gets at one
// depth.
type Level struct {
	filters []Filter
	sorts   []sortKey
	limit   int
}

func (l *Level) Where(f Filter) *Level {
	l.filters = append(l.filters, f)
	return l
}

func (l *Level) SortBy(field string, desc bool) *Level {
	l.sorts = append(l.sorts, sortKey{field: field, desc: desc})
	return l
}

func (l *Level) Limit(n int) *Level {
	l.limit = n
	return l
}

func (l *Level) apply(children []*GraphNode) []*GraphNode {
	if l == nil {
		return children
	}
	c := &collector{filters: l.filters, sorts: l.sorts, limit: l.limit}
	byNode := make(map[*Node]*GraphNode, len(children))
	for _, gn := range children {
		byNode[gn.Node] = gn
		if c.Offer(gn.Node) == Stop {
			break
		}
	}
	kept := c.Result()
	out := make([]*GraphNode, 0, len(kept))
	for _, n := range kept {
		out = append(out, byNode[n])
	}
	return out
}

// GraphQuery is a breadth-first traversal from one node.
type GraphQuery struct {
	db     *DB
	root   uint32
	opts   GraphOptions
	levels map[int]*Level
}

// Graph prepares a traversal starting at id.
func (db *DB) Graph(id uint32, opts GraphOptions) *GraphQuery {
	return &GraphQuery{db: db, root: id, opts: opts, levels: make(map[int]*Level)}
}

// Level returns the per-depth rules for nodes at depth n, the root's
// children being depth 1.
func (q *GraphQuery) Level(n int) *Level {
	l, ok := q.levels[n]
	if !ok {
		l = &Level{}
		q.levels[n] = l
	}
	return l
}

type visitKey struct {
	id       uint32
	relation uint32
}

// Exec runs the traversal. Every (node, relation) pair is expanded at most
// once and the root never appears as a child. Children dropped by a level
// rule stay reachable through other parents.
func (q *GraphQuery) Exec(ctx context.Context) (*GraphResult, error) {
	db := q.db
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	relations, err := q.relationFilter()
	if err != nil {
		return nil, err
	}
	classes := set.NewSet()
	for _, name := range q.opts.Classes {
		classes.Add(name)
	}

	db.swaplock.RLock()
	defer db.swaplock.RUnlock()

	node, _, _, err := db.readNode(q.root)
	if err != nil {
		return nil, err
	}
	root := &GraphNode{Node: node}
	result := &GraphResult{Root: root, Count: 1}
	visited := set.NewSet()

	frontier := []*GraphNode{root}
	for depth := 1; len(frontier) > 0 && (q.opts.Depth <= 0 || depth <= q.opts.Depth); depth++ {
		var next []*GraphNode
		for _, parent := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var children []*GraphNode
			seen := set.NewThreadUnsafeSet()
			err := db.walkChain(parent.link, func(_ uint32, _ *DocHeader, list edgeList) (bool, error) {
				for _, e := range list {
					if e.Target == q.root || !q.follows(e) {
						continue
					}
					if relations != nil && !relations.Contains(e.Relation) {
						continue
					}
					key := visitKey{id: e.Target, relation: e.Relation}
					if visited.Contains(key) || !seen.Add(key) {
						continue
					}
					child, _, _, err := db.readNode(e.Target)
					if errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrInvalidDocumentType) {
						db.log.WithFields(log.Fields{"from": parent.ID, "to": e.Target}).Debug("dangling edge skipped")
						continue
					}
					if err != nil {
						return false, err
					}
					if classes.Cardinality() > 0 && !classes.Contains(child.Class) {
						continue
					}
					children = append(children, &GraphNode{
						Node:     child,
						Relation: db.relationName(e.Relation),
						Depth:    depth,
						key:      key,
					})
				}
				return true, nil
			})
			if err != nil {
				return nil, err
			}
			parent.Children = q.levels[depth].apply(children)
			for _, c := range parent.Children {
				visited.Add(c.key)
			}
			result.Count += len(parent.Children)
			next = append(next, parent.Children...)
		}
		frontier = next
	}
	return result, nil
}

func (q *GraphQuery) follows(e edgeEntry) bool {
	switch q.opts.Direction {
	case DirBoth:
		return true
	case DirIn:
		return e.Direction == DirIn || e.Direction == DirBoth
	}
	return e.outgoing()
}

// relationFilter resolves the relation names to ids, nil meaning all.
func (q *GraphQuery) relationFilter() (set.Set, error) {
	if len(q.opts.Relations) == 0 {
		return nil, nil
	}
	ids := set.NewSet()
	for _, name := range q.opts.Relations {
		rel, err := q.db.lookupRelation(name)
		if err != nil {
			return nil, err
		}
		ids.Add(rel.ID)
	}
	return ids, nil
}
