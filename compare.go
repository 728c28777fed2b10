package sgdb

import (
	"math"
	"strings"
	"time"
)

// Comparator orders two field values, returning -1, 0 or 1.
type Comparator func(a, b interface{}) int

// CompareValues orders decoded field values. nil sorts first, then booleans,
// numbers, dates and strings; values of other types compare equal.
func CompareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		} else if !x {
			return -1
		}
		return 1
	case time.Time:
		y := b.(time.Time)
		if x.Before(y) {
			return -1
		} else if x.After(y) {
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	}
	if ra == rankNumber {
		x, _ := toFloat(a)
		y, _ := toFloat(b)
		switch {
		case x < y || (math.IsNaN(x) && !math.IsNaN(y)):
			return -1
		case x > y || (!math.IsNaN(x) && math.IsNaN(y)):
			return 1
		}
	}
	return 0
}

const (
	rankNil = iota
	rankBool
	rankNumber
	rankDate
	rankString
	rankOther
)

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case time.Time:
		return rankDate
	case string:
		return rankString
	}
	if _, ok := toFloat(v); ok {
		return rankNumber
	}
	return rankOther
}
