package sgdb

import (
	"bytes"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

type Compressor func([]byte) ([]byte, error)
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		return buf.Bytes(), nil
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

// Codec returns the compressor pair for the algorithm. CompNone yields nils.
func (c CompressAlgorithm) Codec() (Compressor, DeCompressor) {
	switch c {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress
	case CompLz4:
		return Lz4Compress, Lz4DeCompress
	}
	return nil, nil
}

func (c CompressAlgorithm) String() string {
	switch c {
	case CompSnappy:
		return "snappy"
	case CompNone:
		return "none"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

func ParseCompressAlgorithm(s string) (CompressAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "snappy":
		return CompSnappy, nil
	case "none":
		return CompNone, nil
	case "lz4":
		return CompLz4, nil
	}
	return 0, errors.Errorf("unknown compression %q", s)
}

func (c *CompressAlgorithm) UnmarshalYAML(value *yaml.Node) error {
	alg, err := ParseCompressAlgorithm(value.Value)
	if err != nil {
		return err
	}
	*c = alg
	return nil
}

func (c CompressAlgorithm) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}
