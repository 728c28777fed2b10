package sgdb

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Object is a decoded node row keyed by field name.
type Object map[string]interface{}

const (
	rowDelim   = ","
	escapeFlag = '%'
)

// encodeRow joins the field encodings in schema order. Keys unknown to the
// schema are dropped.
func encodeRow(s *Schema, obj Object) ([]byte, error) {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		v, err := encodeValue(f, obj[f.Name])
		if err != nil {
			return nil, err
		}
		parts[i] = v
	}
	return []byte(strings.Join(parts, rowDelim)), nil
}

func decodeRow(s *Schema, data []byte) (Object, error) {
	parts := strings.Split(string(data), rowDelim)
	if len(parts) > len(s.Fields) {
		return nil, errors.Errorf("row has %d fields, schema has %d", len(parts), len(s.Fields))
	}
	obj := make(Object, len(s.Fields))
	for i, f := range s.Fields {
		var raw string
		if i < len(parts) {
			raw = parts[i]
		}
		v, err := decodeValue(f, raw)
		if err != nil {
			return nil, err
		}
		obj[f.Name] = v
	}
	return obj, nil
}

func needsEscape(s string) bool {
	return strings.ContainsAny(s, rowDelim+"\n\r") || (s != "" && s[0] == escapeFlag)
}

func escape(s string) string {
	if !needsEscape(s) {
		return s
	}
	return string(escapeFlag) + url.QueryEscape(s)
}

func unescape(s string) (string, error) {
	if s == "" || s[0] != escapeFlag {
		return s, nil
	}
	return url.QueryUnescape(s[1:])
}

func encodeValue(f Field, v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	switch f.Type {
	case FieldString:
		switch s := v.(type) {
		case string:
			return escape(s), nil
		case fmt.Stringer:
			return escape(s.String()), nil
		}
		return escape(fmt.Sprint(v)), nil
	case FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return "", errors.Wrapf(ErrInvalidValue, "field %q: %v is not a number", f.Name, v)
		}
		return strconv.FormatFloat(n, 'g', -1, 64), nil
	case FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", errors.Wrapf(ErrInvalidValue, "field %q: %v is not a boolean", f.Name, v)
		}
		if b {
			return "1", nil
		}
		return "0", nil
	case FieldDate:
		ms, err := toEpochMillis(v)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidValue, "field %q: %v", f.Name, err)
		}
		return strconv.FormatInt(ms, 10), nil
	case FieldObject:
		b, err := json.Marshal(v)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidValue, "field %q: %v", f.Name, err)
		}
		return escape(string(b)), nil
	}
	return "", errors.Wrapf(ErrInvalidSchema, "field %q has unknown type", f.Name)
}

func decodeValue(f Field, raw string) (interface{}, error) {
	switch f.Type {
	case FieldString:
		return unescape(raw)
	case FieldNumber:
		if raw == "" {
			return nil, nil
		}
		return strconv.ParseFloat(raw, 64)
	case FieldBoolean:
		if raw == "" {
			return nil, nil
		}
		return raw == "1", nil
	case FieldDate:
		if raw == "" {
			return nil, nil
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil
	case FieldObject:
		if raw == "" {
			return nil, nil
		}
		s, err := unescape(raw)
		if err != nil {
			return nil, err
		}
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, errors.Wrapf(ErrInvalidSchema, "field %q has unknown type", f.Name)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toEpochMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli(), nil
	case *time.Time:
		return t.UnixMilli(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, err
		}
		return parsed.UnixMilli(), nil
	}
	if f, ok := toFloat(v); ok {
		return int64(f), nil
	}
	return 0, errors.Errorf("%v is not a date", v)
}

// packRow encodes a row for a payload of the given size, compressing it when
// the plain encoding does not fit.
func packRow(s *Schema, obj Object, payload uint32, alg CompressAlgorithm) ([]byte, DocFlag, error) {
	raw, err := encodeRow(s, obj)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) <= int(payload) {
		return raw, DocLive, nil
	}
	compress, _ := alg.Codec()
	if compress == nil {
		return nil, 0, errors.Wrapf(ErrValueTooLarge, "row is %d bytes, payload %d", len(raw), payload)
	}
	packed, err := compress(raw)
	if err != nil {
		return nil, 0, err
	}
	if len(packed) > int(payload) {
		return nil, 0, errors.Wrapf(ErrValueTooLarge, "row is %d bytes compressed, payload %d", len(packed), payload)
	}
	return packed, DocLive | DocCompressed, nil
}

func unpackRow(s *Schema, data []byte, flags DocFlag, alg CompressAlgorithm) (Object, error) {
	if flags.Has(DocCompressed) {
		_, decompress := alg.Codec()
		if decompress == nil {
			return nil, errors.New("row is compressed but decompressor is nil")
		}
		raw, err := decompress(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress row")
		}
		data = raw
	}
	return decodeRow(s, data)
}
