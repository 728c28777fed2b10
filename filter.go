package sgdb

import "sort"

// Verdict tells a scan whether to keep offering nodes.
type Verdict int

const (
	Continue Verdict = iota
	Stop
)

// Compiler receives the nodes of a scan in id order and builds the result.
type Compiler interface {
	Offer(n *Node) Verdict
	Result() []*Node
}

// Filter reports whether a node belongs in a result.
type Filter func(n *Node) bool

type sortKey struct {
	field string
	desc  bool
	cmp   Comparator
}

// collector is the default compiler: filter, then sort, then skip and limit.
type collector struct {
	filters []Filter
	sorts   []sortKey
	skip    int
	limit   int // 0 means no limit

	nodes []*Node
}

func (c *collector) Offer(n *Node) Verdict {
	for _, f := range c.filters {
		if !f(n) {
			return Continue
		}
	}
	c.nodes = append(c.nodes, n)
	if len(c.sorts) == 0 && c.limit > 0 && len(c.nodes) >= c.skip+c.limit {
		return Stop
	}
	return Continue
}

func (c *collector) Result() []*Node {
	out := c.nodes
	if len(c.sorts) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, k := range c.sorts {
				compare := k.cmp
				if compare == nil {
					compare = CompareValues
				}
				cmp := compare(out[i].Fields[k.field], out[j].Fields[k.field])
				if cmp == 0 {
					continue
				}
				if k.desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if c.skip >= len(out) {
		return nil
	}
	out = out[c.skip:]
	if c.limit > 0 && len(out) > c.limit {
		out = out[:c.limit]
	}
	return out
}
