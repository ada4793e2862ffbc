package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrShortBuffer is returned when decoding from fewer bytes than the layout
// needs.
var ErrShortBuffer = errors.New("buffer shorter than layout")

// Marshal encodes v, padding included.
func Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	l, err := Of(rv.Type())
	if err != nil {
		return nil, err
	}

	b := make([]byte, l.Size)
	l.put(b, rv)
	return b, nil
}

// MustMarshal is like Marshal but panics if v has no layout.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// AppendTo appends the encoding of v to b.
func AppendTo(b []byte, v any) ([]byte, error) {
	enc, err := Marshal(v)
	if err != nil {
		return b, err
	}
	return append(b, enc...), nil
}

// Unmarshal decodes b into the value v points to. Padding is ignored.
func Unmarshal(b []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("unmarshal target must be a non-nil pointer, got %T", v)
	}

	l, err := Of(rv.Elem().Type())
	if err != nil {
		return err
	}
	if len(b) < l.Size {
		return fmt.Errorf("%s needs %d bytes, have %d: %w", l.Type, l.Size, len(b), ErrShortBuffer)
	}

	return l.get(b, rv.Elem())
}

func (l *Layout) put(b []byte, v reflect.Value) {
	switch l.kind {
	case kindCustom:
		v.Interface().(Custom).PutLayout(b[:l.Size])
	case kindScalar:
		putScalar(b, v)
	case kindArray:
		for i := 0; i < v.Len(); i++ {
			l.elem.put(b[i*l.elem.Size:], v.Index(i))
		}
	case kindStruct:
		for _, f := range l.Fields {
			if f.Blank {
				continue
			}
			fl, _ := Of(v.Field(f.Index).Type())
			fl.put(b[f.Offset:], v.Field(f.Index))
		}
	}
}

func (l *Layout) get(b []byte, v reflect.Value) error {
	switch l.kind {
	case kindCustom:
		return v.Addr().Interface().(CustomDecoder).GetLayout(b[:l.Size])
	case kindScalar:
		getScalar(b, v)
	case kindArray:
		for i := 0; i < v.Len(); i++ {
			if err := l.elem.get(b[i*l.elem.Size:], v.Index(i)); err != nil {
				return err
			}
		}
	case kindStruct:
		for _, f := range l.Fields {
			if f.Blank {
				continue
			}
			fl, _ := Of(v.Field(f.Index).Type())
			if err := fl.get(b[f.Offset:], v.Field(f.Index)); err != nil {
				return err
			}
		}
	}
	return nil
}

func putScalar(b []byte, v reflect.Value) {
	switch v.Kind() {
	case reflect.Uint8:
		b[0] = uint8(v.Uint())
	case reflect.Int8:
		b[0] = uint8(v.Int())
	case reflect.Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v.Uint()))
	case reflect.Int16:
		binary.LittleEndian.PutUint16(b, uint16(v.Int()))
	case reflect.Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v.Uint()))
	case reflect.Int32:
		binary.LittleEndian.PutUint32(b, uint32(v.Int()))
	case reflect.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.Float())))
	case reflect.Uint64:
		binary.LittleEndian.PutUint64(b, v.Uint())
	case reflect.Int64:
		binary.LittleEndian.PutUint64(b, uint64(v.Int()))
	case reflect.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.Float()))
	}
}

func getScalar(b []byte, v reflect.Value) {
	switch v.Kind() {
	case reflect.Uint8:
		v.SetUint(uint64(b[0]))
	case reflect.Int8:
		v.SetInt(int64(int8(b[0])))
	case reflect.Uint16:
		v.SetUint(uint64(binary.LittleEndian.Uint16(b)))
	case reflect.Int16:
		v.SetInt(int64(int16(binary.LittleEndian.Uint16(b))))
	case reflect.Uint32:
		v.SetUint(uint64(binary.LittleEndian.Uint32(b)))
	case reflect.Int32:
		v.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case reflect.Uint64:
		v.SetUint(binary.LittleEndian.Uint64(b))
	case reflect.Int64:
		v.SetInt(int64(binary.LittleEndian.Uint64(b)))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
}
