package sgdb

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	Version uint16 = 1

	// HeaderSize is the fixed header block at offset 0: the HeadPage struct
	// followed by the catalog JSON.
	HeaderSize     = 16 * 1024
	headPageSize   = 64
	PageHeaderSize = 24
	DocHeaderSize  = 32

	maxCatalogSize = HeaderSize - headPageSize
	maxEntries     = 255
)

var Magic = [4]byte{'S', 'G', 'D', 'B'}

type PageType uint8

const (
	PageNode PageType = iota + 1
	PageRelation
	PagePrivate
)

type DocType uint8

const (
	DocNode DocType = iota + 1
	// canonical per-relation edge list
	DocRelation
	// per-node private adjacency list
	DocAdjacency
)

func (t DocType) String() string {
	switch t {
	case DocNode:
		return "node"
	case DocRelation:
		return "relation"
	case DocAdjacency:
		return "adjacency"
	}
	return "unknown"
}

// size: 64
type HeadPage struct {
	Magic       [4]byte           // 4
	Version     uint16            // 2
	Compression CompressAlgorithm // 2

	PageCount uint32 // 4
	// bytes per page, header included
	PageSize  uint32 // 4
	PageLimit uint32 // 4
	DocCount  uint32 // 4

	PayloadSize   uint32 // 4
	ClassCount    uint32 // 4
	RelationCount uint32 // 4
	// anchor of the page chain holding private adjacency documents
	Private uint32 // 4

	CatalogLen uint32   // 4
	Checksum   uint32   // 4
	_          [16]byte // 16
}

func (h *HeadPage) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headPageSize))
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func (h *HeadPage) unmarshal(b []byte) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, h)
}

func (h *HeadPage) layout() layout {
	return layout{pageLimit: h.PageLimit, payload: h.PayloadSize}
}

func (h *HeadPage) validate() error {
	if h.Magic != Magic {
		return errors.Wrap(ErrInvalidDatabase, "bad magic")
	}
	if h.Version != Version {
		return errors.Wrapf(ErrInvalidDatabase, "unsupported version %d", h.Version)
	}
	if h.PageLimit == 0 || h.PayloadSize == 0 {
		return errors.Wrap(ErrInvalidDatabase, "zero page limit or payload size")
	}
	if int64(h.PageSize) != h.layout().pageSize() {
		return errors.Wrapf(ErrInvalidDatabase, "page size %d does not match layout", h.PageSize)
	}
	if h.CatalogLen > maxCatalogSize {
		return errors.Wrap(ErrInvalidDatabase, "catalog length out of range")
	}
	return nil
}

// size: 24
type PageHeader struct {
	Type  PageType // 1
	_     [3]byte  // 3
	Owner uint32   // 4
	// live documents in this page
	Count uint32 // 4
	// lowest slot that may be free
	FreeHint uint32 // 4
	// previous page of the same owner, 0 for the chain root
	Parent uint32  // 4
	_      [4]byte // 4
}

func (p *PageHeader) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, PageHeaderSize))
	_ = binary.Write(buf, binary.LittleEndian, p)
	return buf.Bytes()
}

func (p *PageHeader) unmarshal(b []byte) error {
	return binary.Read(bytes.NewReader(b[:PageHeaderSize]), binary.LittleEndian, p)
}

// byte offsets inside DocHeader used for partial writes
const (
	docFlagsOffset  = 1
	docNextOffset   = 12
	docLinkOffset   = 20
	docLengthOffset = 24
)

// size: 32
type DocHeader struct {
	Type  DocType // 1
	Flags DocFlag // 1
	_     [2]byte // 2
	// class id for nodes, relation id for relation lists, node id for adjacency lists
	Owner uint32 // 4
	Page  uint32 // 4
	// continuation document once this one is full
	Next   uint32 // 4
	Parent uint32 // 4
	// node rows: head of the private adjacency chain
	Link   uint32  // 4
	Length uint32  // 4
	_      [4]byte // 4
}

func (d *DocHeader) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, DocHeaderSize))
	_ = binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

func (d *DocHeader) unmarshal(b []byte) error {
	return binary.Read(bytes.NewReader(b[:DocHeaderSize]), binary.LittleEndian, d)
}

func (d *DocHeader) live() bool { return d.Flags.Has(DocLive) }
