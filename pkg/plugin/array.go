package plugin

import (
	"fmt"
	"io"
)

// Array is a flat buffer of fixed-size records, the unit of data exchanged
// between producers and the storage layer. The engine never interprets the
// record contents.
type Array struct {
	// Dtype is a descriptive record type name (e.g. "raw_record", "int64").
	Dtype string

	// Itemsize is the size of one record in bytes.
	Itemsize int

	// Data is the raw record buffer; len(Data) must be a multiple of Itemsize.
	Data []byte
}

// NewArray builds an Array and validates the record framing.
func NewArray(dtype string, itemsize int, data []byte) (*Array, error) {
	if itemsize <= 0 {
		return nil, fmt.Errorf("itemsize must be positive, got %d", itemsize)
	}
	if len(data)%itemsize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of itemsize %d", len(data), itemsize)
	}
	return &Array{Dtype: dtype, Itemsize: itemsize, Data: data}, nil
}

// Count returns the number of records in the array.
func (a *Array) Count() int {
	if a == nil || a.Itemsize <= 0 {
		return 0
	}
	return len(a.Data) / a.Itemsize
}

// Record returns the i-th record as a subslice of the underlying buffer.
func (a *Array) Record(i int) ([]byte, error) {
	if i < 0 || i >= a.Count() {
		return nil, fmt.Errorf("record index %d out of range [0, %d)", i, a.Count())
	}
	off := i * a.Itemsize
	return a.Data[off : off+a.Itemsize], nil
}

// RecordStream yields successive chunks of record data. Next returns io.EOF
// after the final chunk; any other error aborts the consuming write.
type RecordStream interface {
	Next() ([]byte, error)
}

// arrayStream streams an in-memory array in fixed-size chunks.
type arrayStream struct {
	data  []byte
	chunk int
	off   int
}

// defaultStreamChunk keeps write syscalls reasonably sized without
// buffering whole waveform arrays twice.
const defaultStreamChunk = 1 << 20

// Stream returns a RecordStream over the array's data.
func (a *Array) Stream() RecordStream {
	return &arrayStream{data: a.Data, chunk: defaultStreamChunk}
}

func (s *arrayStream) Next() ([]byte, error) {
	if s.off >= len(s.data) {
		return nil, io.EOF
	}
	end := s.off + s.chunk
	if end > len(s.data) {
		end = len(s.data)
	}
	out := s.data[s.off:end]
	s.off = end
	return out, nil
}

// FuncStream adapts a function to a RecordStream; handy in tests and for
// producers that generate records incrementally.
type FuncStream func() ([]byte, error)

// Next implements RecordStream.
func (f FuncStream) Next() ([]byte, error) { return f() }
