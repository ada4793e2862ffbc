// Package layout computes fixed binary layouts for Go structs and encodes
// them as the little-endian raw bytes the firmware reads.
//
// Every field is placed at the next offset aligned to its natural
// alignment, and the record is padded at the end to a multiple of its
// largest alignment. Scalars align to their size, arrays to their element
// and structs to their largest member. Blank fields (named "_") are
// declared padding: they occupy space and are always encoded as zeros.
// Types implementing Custom provide their own size, alignment and
// encoding, which is how tagged unions are expressed.
package layout

import (
	"fmt"
	"reflect"
	"sync"
)

// Custom is implemented by types that encode themselves, such as tagged
// unions whose payload shape depends on a discriminant.
type Custom interface {
	// LayoutShape returns the size and alignment of the encoded value.
	LayoutShape() (size, align int)

	// PutLayout writes exactly size bytes into b.
	PutLayout(b []byte)
}

// CustomDecoder is implemented by pointers to Custom types.
type CustomDecoder interface {
	GetLayout(b []byte) error
}

// Field describes the placement of one struct field.
type Field struct {
	Name   string
	Index  int
	Offset int
	Size   int
	Align  int
	Blank  bool
}

// Layout is the computed binary shape of a type.
type Layout struct {
	Type   reflect.Type
	Size   int
	Align  int
	Fields []Field

	elem *Layout
	kind kind
}

type kind int

const (
	kindScalar kind = iota
	kindArray
	kindStruct
	kindCustom
)

var (
	customType        = reflect.TypeOf((*Custom)(nil)).Elem()
	customDecoderType = reflect.TypeOf((*CustomDecoder)(nil)).Elem()
	layouts           sync.Map
)

// Of returns the layout of t.
func Of(t reflect.Type) (*Layout, error) {
	if l, ok := layouts.Load(t); ok {
		return l.(*Layout), nil
	}

	l, err := compute(t)
	if err != nil {
		return nil, err
	}

	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*Layout), nil
}

// For returns the layout of T and panics if T cannot be laid out.
func For[T any]() *Layout {
	l, err := Of(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		panic(err)
	}
	return l
}

// MustDefine returns the layout of T and panics unless its size equals
// expectedSize. Record definitions call it at package initialisation so a
// schema mistake can never reach the wire.
func MustDefine[T any](expectedSize int) *Layout {
	l := For[T]()
	if l.Size != expectedSize {
		panic(fmt.Sprintf("layout of %s is %d bytes, expected %d",
			l.Type, l.Size, expectedSize))
	}
	return l
}

// SizeOf returns the encoded size of T.
func SizeOf[T any]() int {
	return For[T]().Size
}

// OffsetOf returns the byte offset of the named field.
func (l *Layout) OffsetOf(name string) int {
	for _, f := range l.Fields {
		if f.Name == name && !f.Blank {
			return f.Offset
		}
	}
	panic(fmt.Sprintf("%s has no field %s", l.Type, name))
}

func compute(t reflect.Type) (*Layout, error) {
	if t.Implements(customType) {
		if !reflect.PointerTo(t).Implements(customDecoderType) {
			return nil, fmt.Errorf("%s implements Custom but *%s does not implement CustomDecoder", t, t)
		}
		size, align := reflect.Zero(t).Interface().(Custom).LayoutShape()
		return &Layout{Type: t, Size: size, Align: align, kind: kindCustom}, nil
	}

	switch t.Kind() {
	case reflect.Uint8, reflect.Int8:
		return scalar(t, 1), nil
	case reflect.Uint16, reflect.Int16:
		return scalar(t, 2), nil
	case reflect.Uint32, reflect.Int32, reflect.Float32:
		return scalar(t, 4), nil
	case reflect.Uint64, reflect.Int64, reflect.Float64:
		return scalar(t, 8), nil
	case reflect.Array:
		elem, err := Of(t.Elem())
		if err != nil {
			return nil, err
		}
		return &Layout{
			Type:  t,
			Size:  elem.Size * t.Len(),
			Align: elem.Align,
			elem:  elem,
			kind:  kindArray,
		}, nil
	case reflect.Struct:
		return computeStruct(t)
	default:
		return nil, fmt.Errorf("type %s has no fixed binary layout", t)
	}
}

func scalar(t reflect.Type, size int) *Layout {
	return &Layout{Type: t, Size: size, Align: size, kind: kindScalar}
}

func computeStruct(t reflect.Type) (*Layout, error) {
	l := &Layout{Type: t, Align: 1, kind: kindStruct}

	offset := 0
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		blank := sf.Name == "_"
		if !blank && !sf.IsExported() {
			return nil, fmt.Errorf("%s.%s is unexported and not padding", t, sf.Name)
		}

		fl, err := Of(sf.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t, sf.Name, err)
		}

		offset = roundUp(offset, fl.Align)
		l.Fields = append(l.Fields, Field{
			Name:   sf.Name,
			Index:  i,
			Offset: offset,
			Size:   fl.Size,
			Align:  fl.Align,
			Blank:  blank,
		})
		offset += fl.Size
		l.Align = max(l.Align, fl.Align)
	}

	l.Size = roundUp(offset, l.Align)
	return l, nil
}

func roundUp(x, align int) int {
	return (x + align - 1) / align * align
}
