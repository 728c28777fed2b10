package sgdb

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

type Direction uint8

const (
	DirOut Direction = iota + 1
	DirIn
	// bidirectional relations store Both on every side
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirBoth:
		return "both"
	}
	return "any"
}

// Edge is a decoded adjacency or relation list entry.
type Edge struct {
	Relation  string
	Direction Direction
	Source    uint32
	Target    uint32
}

const (
	edgeCountSize = 4
	edgeEntrySize = 16
)

// size: 16
type edgeEntry struct {
	Relation  uint32
	Direction Direction
	Source    uint32
	Target    uint32
}

func (e edgeEntry) outgoing() bool {
	return e.Direction == DirOut || e.Direction == DirBoth
}

type edgeList []edgeEntry

func decodeEdges(b []byte) (edgeList, error) {
	if len(b) < edgeCountSize {
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint32(b))
	if edgeCountSize+n*edgeEntrySize > len(b) {
		return nil, errors.Errorf("edge list count %d exceeds %d bytes", n, len(b))
	}
	list := make(edgeList, n)
	for i := range list {
		p := b[edgeCountSize+i*edgeEntrySize:]
		list[i] = edgeEntry{
			Relation:  binary.LittleEndian.Uint32(p),
			Direction: Direction(p[4]),
			Source:    binary.LittleEndian.Uint32(p[8:]),
			Target:    binary.LittleEndian.Uint32(p[12:]),
		}
	}
	return list, nil
}

func (l edgeList) encode() []byte {
	b := make([]byte, edgeCountSize+len(l)*edgeEntrySize)
	binary.LittleEndian.PutUint32(b, uint32(len(l)))
	for i, e := range l {
		p := b[edgeCountSize+i*edgeEntrySize:]
		binary.LittleEndian.PutUint32(p, e.Relation)
		p[4] = byte(e.Direction)
		binary.LittleEndian.PutUint32(p[8:], e.Source)
		binary.LittleEndian.PutUint32(p[12:], e.Target)
	}
	return b
}

func (l edgeList) index(match func(edgeEntry) bool) int {
	for i, e := range l {
		if match(e) {
			return i
		}
	}
	return -1
}

// without returns the entries not matching, compacted in order.
func (l edgeList) without(match func(edgeEntry) bool) (edgeList, int) {
	out := l[:0:0]
	removed := 0
	for _, e := range l {
		if match(e) {
			removed++
			continue
		}
		out = append(out, e)
	}
	return out, removed
}
