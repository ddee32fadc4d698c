package flat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Dimension uint32
	DataType  uint32
	Count     uint64
	Space     uint32
}

func writeHeader(w io.Writer, h Header) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	return nil
}

// Contents is a decoded flat artifact.
type Contents struct {
	Header  Header
	DocIds  []int64
	Vectors []byte
	Norms   []float32
}

func rowBytes(h Header) int {
	switch h.DataType {
	case dataTypeCodes["byte"]:
		return int(h.Dimension)
	case dataTypeCodes["binary"]:
		return int(h.Dimension / 8)
	default:
		return int(h.Dimension) * 4
	}
}

// Decode reads an artifact written by Index.WriteTo.
func Decode(r io.Reader) (*Contents, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var m [len(magic)]byte
	if _, err := io.ReadFull(dec, m[:]); err != nil {
		return nil, fmt.Errorf("error reading magic: %w", err)
	}
	if string(m[:]) != magic {
		return nil, fmt.Errorf("not a flat index artifact")
	}

	var c Contents
	if err := binary.Read(dec, binary.LittleEndian, &c.Header); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	c.DocIds = make([]int64, c.Header.Count)
	if err := binary.Read(dec, binary.LittleEndian, c.DocIds); err != nil {
		return nil, fmt.Errorf("error reading doc ids: %w", err)
	}

	c.Vectors = make([]byte, int(c.Header.Count)*rowBytes(c.Header))
	if _, err := io.ReadFull(dec, c.Vectors); err != nil {
		return nil, fmt.Errorf("error reading vectors: %w", err)
	}

	if c.Header.Space == spaceCodes["cosinesimil"] {
		c.Norms = make([]float32, c.Header.Count)
		if err := binary.Read(dec, binary.LittleEndian, c.Norms); err != nil {
			return nil, fmt.Errorf("error reading norms: %w", err)
		}
	}

	return &c, nil
}
