package sgdb

// DocFlag is the state byte of a document slot. A zero value means removed.
type DocFlag uint8

const (
	DocLive DocFlag = 1 << iota
	DocCompressed
)

func (f DocFlag) Set(flag DocFlag) DocFlag   { return f | flag }
func (f DocFlag) Clear(flag DocFlag) DocFlag { return f &^ flag }
func (f DocFlag) Has(flag DocFlag) bool      { return f&flag != 0 }

func (f DocFlag) Removed() bool { return !f.Has(DocLive) }
