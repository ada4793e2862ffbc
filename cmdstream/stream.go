package cmdstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/sarchlab/npuc/layout"
)

// Version of the command stream produced by the Builder.
const (
	VersionMajor = 3
	VersionMinor = 0
	VersionPatch = 0
)

// FourCC identifies a command stream.
const FourCC uint32 = uint32('E') | uint32('N')<<8 | uint32('C')<<16 | uint32('S')<<24

const versionHeaderSize = 16

var (
	// ErrTruncated is returned when a stream ends inside a record.
	ErrTruncated = errors.New("command stream truncated")

	// ErrBadHeader is returned when the stream does not start with the
	// expected version header.
	ErrBadHeader = errors.New("bad command stream header")
)

// Command is one decoded command.
type Command struct {
	Data CommandData

	// Cascade holds the trailing cascading stream of a Cascade command.
	Cascade []byte
}

// Builder serialises commands into a word-aligned stream.
type Builder struct {
	raw      []byte
	commands int
}

// NewBuilder creates a builder with the version header already written.
func NewBuilder() *Builder {
	b := &Builder{}
	header := [4]uint32{FourCC, VersionMajor, VersionMinor, VersionPatch}
	b.raw = layout.MustMarshal(header)
	return b
}

// Add appends a command.
func (b *Builder) Add(data CommandData) {
	b.raw = appendCommand(b.raw, data)
	b.commands++
}

// AddCascade appends a Cascade command followed by its cascading stream.
func (b *Builder) AddCascade(stream []byte) {
	b.Add(Cascade{Size: uint32(len(stream))})
	b.raw = append(b.raw, stream...)
	for len(b.raw)%4 != 0 {
		b.raw = append(b.raw, 0)
	}
}

// NumCommands returns the number of commands added.
func (b *Builder) NumCommands() int {
	return b.commands
}

// Bytes returns the serialised stream.
func (b *Builder) Bytes() []byte {
	return b.raw
}

// Words returns the serialised stream as 32-bit words.
func (b *Builder) Words() []uint32 {
	words := make([]uint32, len(b.raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b.raw[i*4:])
	}
	return words
}

func appendCommand(raw []byte, data CommandData) []byte {
	raw = append(raw, layout.MustMarshal(CommandHeader{Opcode: data.Opcode()})...)
	raw = append(raw, layout.MustMarshal(data)...)
	for len(raw)%4 != 0 {
		raw = append(raw, 0)
	}
	return raw
}

// CommandSize returns the encoded size of a command including its header.
func CommandSize(data CommandData) int {
	l, err := layout.Of(reflect.TypeOf(data))
	if err != nil {
		panic(err)
	}
	return (4 + l.Size + 3) / 4 * 4
}

// Parse decodes a stream produced by Builder.
func Parse(raw []byte) ([]Command, error) {
	if len(raw) < versionHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}

	var header [4]uint32
	if err := layout.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	if header[0] != FourCC {
		return nil, fmt.Errorf("%w: fourcc %#x", ErrBadHeader, header[0])
	}
	if header[1] != VersionMajor {
		return nil, fmt.Errorf("%w: version %d.%d.%d", ErrBadHeader, header[1], header[2], header[3])
	}

	var cmds []Command
	pos := versionHeaderSize
	for pos < len(raw) {
		cmd, next, err := parseCommand(raw, pos)
		if err != nil {
			return nil, fmt.Errorf("command %d at offset %d: %w", len(cmds), pos, err)
		}
		cmds = append(cmds, cmd)
		pos = next
	}

	return cmds, nil
}

func parseCommand(raw []byte, pos int) (Command, int, error) {
	var header CommandHeader
	if err := layout.Unmarshal(raw[pos:], &header); err != nil {
		return Command{}, 0, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	ptr, ok := newCommandData(header.Opcode)
	if !ok {
		return Command{}, 0, fmt.Errorf("unknown opcode %d", header.Opcode)
	}
	if err := layout.Unmarshal(raw[pos+4:], ptr); err != nil {
		return Command{}, 0, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	data := reflect.ValueOf(ptr).Elem().Interface().(CommandData)
	cmd := Command{Data: data}
	next := pos + CommandSize(data)

	if c, isCascade := data.(Cascade); isCascade {
		end := next + int(c.Size)
		if end > len(raw) {
			return Command{}, 0, ErrTruncated
		}
		cmd.Cascade = raw[next:end]
		next = (end + 3) / 4 * 4
	}

	return cmd, next, nil
}
