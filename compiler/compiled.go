package compiler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/sarchlab/npuc/cmdstream"
	"github.com/sarchlab/npuc/codegen"
	"github.com/sarchlab/npuc/layout"
)

// Version is written at the start of a serialized compiled network.
const Version = "1.0.0"

// ErrVersionMismatch is returned when deserializing a compiled network
// written by an incompatible version.
var ErrVersionMismatch = errors.New("compiled network version mismatch")

// BufferRecord is the serialized form of a buffer.
type BufferRecord struct {
	ID     uint32
	Offset uint32
	Size   uint32
}

// IOBufferRecord is the serialized form of an input or output buffer.
type IOBufferRecord struct {
	ID                         uint32
	Offset                     uint32
	Size                       uint32
	SourceOperationID          uint32
	SourceOperationOutputIndex uint32
}

var (
	_ = layout.MustDefine[BufferRecord](12)
	_ = layout.MustDefine[IOBufferRecord](20)
)

// CompiledNetwork is what the runtime needs to run a network: the packed
// constant data and where every buffer lives.
type CompiledNetwork struct {
	ConstantDmaData         []byte
	ConstantControlUnitData []byte

	InputBuffers               []IOBufferRecord
	OutputBuffers              []IOBufferRecord
	ConstantControlUnitBuffers []BufferRecord
	ConstantDmaBuffers         []BufferRecord
	IntermediateBuffers        []BufferRecord

	// OperationIDs are the network operations the compiled network
	// implements.
	OperationIDs []uint32
	Sections     []Section

	// PassCycles is how long the cascade of each MCE pass takes when
	// replayed, by pass index. Only set when cascading.
	PassCycles map[int]uint64
}

// TotalCycles sums PassCycles.
func (c *CompiledNetwork) TotalCycles() uint64 {
	total := uint64(0)
	for _, cycles := range c.PassCycles {
		total += cycles
	}
	return total
}

func newCompiledNetwork(buffers *codegen.Buffers, sections []Section, ids []uint32) *CompiledNetwork {
	c := &CompiledNetwork{
		ConstantDmaData:         buffers.ConstantDmaData(),
		ConstantControlUnitData: buffers.ConstantControlUnitData(),
		OperationIDs:            ids,
		Sections:                sections,
	}

	for _, b := range buffers.Table() {
		if b.Location != cmdstream.LocationDram {
			continue
		}

		rec := BufferRecord{ID: b.ID, Offset: b.Offset, Size: b.Size}
		ioRec := IOBufferRecord{
			ID: b.ID, Offset: b.Offset, Size: b.Size,
			SourceOperationID:          b.SourceOperationID,
			SourceOperationOutputIndex: b.SourceOperationOutputIndex,
		}

		switch b.Type {
		case codegen.BufferInput:
			c.InputBuffers = append(c.InputBuffers, ioRec)
		case codegen.BufferOutput:
			c.OutputBuffers = append(c.OutputBuffers, ioRec)
		case codegen.BufferIntermediate:
			c.IntermediateBuffers = append(c.IntermediateBuffers, rec)
		case codegen.BufferConstantControlUnit:
			c.ConstantControlUnitBuffers = append(c.ConstantControlUnitBuffers, rec)
		case codegen.BufferConstantDma:
			c.ConstantDmaBuffers = append(c.ConstantDmaBuffers, rec)
		}
	}
	return c
}

// CommandStream returns the command stream, which the constant control
// unit data holds as the buffer with ID 0.
func (c *CompiledNetwork) CommandStream() []byte {
	for _, b := range c.ConstantControlUnitBuffers {
		if b.ID == codegen.CommandStreamBufferID {
			return c.ConstantControlUnitData[b.Offset : b.Offset+b.Size]
		}
	}
	return nil
}

// IntermediateDataSize is the DRAM the intermediate buffers need.
func (c *CompiledNetwork) IntermediateDataSize() uint32 {
	size := uint32(0)
	for _, b := range c.IntermediateBuffers {
		size = max(size, b.Offset+b.Size)
	}
	return size
}

// Serialize writes the compiled network. Every list is prefixed by its
// length as a little-endian uint32.
func (c *CompiledNetwork) Serialize(w io.Writer) error {
	var b []byte
	b = appendBytes(b, []byte(Version))
	b = appendBytes(b, c.ConstantDmaData)
	b = appendBytes(b, c.ConstantControlUnitData)

	var err error
	for _, list := range [][]IOBufferRecord{c.InputBuffers, c.OutputBuffers} {
		if b, err = appendRecords(b, list); err != nil {
			return fmt.Errorf("serialize compiled network: %w", err)
		}
	}
	for _, list := range [][]BufferRecord{c.ConstantControlUnitBuffers, c.ConstantDmaBuffers, c.IntermediateBuffers} {
		if b, err = appendRecords(b, list); err != nil {
			return fmt.Errorf("serialize compiled network: %w", err)
		}
	}

	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("serialize compiled network: %w", err)
	}
	return nil
}

func appendBytes(b, data []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func appendRecords[T any](b []byte, records []T) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(records)))
	for _, r := range records {
		var err error
		if b, err = layout.AppendTo(b, r); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Deserialize reads a compiled network written by Serialize. It refuses
// networks written by another major version or a newer minor version.
func Deserialize(r io.Reader) (*CompiledNetwork, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("deserialize compiled network: %w", err)
	}
	d := &decoder{r: bytes.NewReader(raw)}

	version := string(d.bytes())
	if d.err == nil {
		if err := checkVersion(version); err != nil {
			return nil, err
		}
	}

	c := &CompiledNetwork{}
	c.ConstantDmaData = d.bytes()
	c.ConstantControlUnitData = d.bytes()
	c.InputBuffers = readRecords[IOBufferRecord](d)
	c.OutputBuffers = readRecords[IOBufferRecord](d)
	c.ConstantControlUnitBuffers = readRecords[BufferRecord](d)
	c.ConstantDmaBuffers = readRecords[BufferRecord](d)
	c.IntermediateBuffers = readRecords[BufferRecord](d)

	if d.err != nil {
		return nil, fmt.Errorf("deserialize compiled network: %w", d.err)
	}
	return c, nil
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) u32() uint32 {
	var v uint32
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return v
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.r.Len() {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	return b
}

func (d *decoder) bytes() []byte {
	return d.read(int(d.u32()))
}

func readRecords[T any](d *decoder) []T {
	n := int(d.u32())
	size := layout.SizeOf[T]()

	var res []T
	for range n {
		raw := d.read(size)
		if d.err != nil {
			return nil
		}
		var rec T
		if d.err = layout.Unmarshal(raw, &rec); d.err != nil {
			return nil
		}
		res = append(res, rec)
	}
	return res
}

func parseVersion(v string) (major, minor int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("malformed version %q", v)
	}
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", v, err)
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", v, err)
	}
	return major, minor, nil
}

func checkVersion(v string) error {
	major, minor, err := parseVersion(v)
	if err != nil {
		return fmt.Errorf("deserialize compiled network: %w", err)
	}
	libMajor, libMinor, _ := parseVersion(Version)
	if major != libMajor || libMinor < minor {
		return fmt.Errorf("compiled network was serialized with version %s, reading with %s: %w",
			v, Version, ErrVersionMismatch)
	}
	return nil
}

// BufferIDs returns the IDs of every serialized buffer in ascending order.
func (c *CompiledNetwork) BufferIDs() []uint32 {
	var ids []uint32
	for _, l := range [][]IOBufferRecord{c.InputBuffers, c.OutputBuffers} {
		for _, b := range l {
			ids = append(ids, b.ID)
		}
	}
	for _, l := range [][]BufferRecord{c.ConstantControlUnitBuffers, c.ConstantDmaBuffers, c.IntermediateBuffers} {
		for _, b := range l {
			ids = append(ids, b.ID)
		}
	}
	slices.Sort(ids)
	return ids
}
