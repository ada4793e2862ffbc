package layout_test

import (
	"encoding/binary"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/npuc/layout"
)

type mixed struct {
	A uint8
	B uint32
	C uint16
}

type nested struct {
	Head  uint8
	Inner mixed
	Tail  [3]int16
}

type padded struct {
	Flag uint8
	_    [3]uint8
	Word uint32
}

type withUnexported struct {
	A uint8
	b uint8
}

type withSlice struct {
	A []uint8
}

type shape struct {
	Kind uint8
	Len  uint16
}

func (s shape) LayoutShape() (int, int) { return 4, 2 }

func (s shape) PutLayout(b []byte) {
	b[0] = s.Kind
	binary.LittleEndian.PutUint16(b[2:], s.Len)
}

func (s *shape) GetLayout(b []byte) error {
	s.Kind = b[0]
	s.Len = binary.LittleEndian.Uint16(b[2:])
	return nil
}

type holder struct {
	Count uint8
	S     shape
}

var _ = Describe("Layout", func() {
	It("should place fields at aligned offsets", func() {
		l := layout.For[mixed]()

		Expect(l.OffsetOf("A")).To(Equal(0))
		Expect(l.OffsetOf("B")).To(Equal(4))
		Expect(l.OffsetOf("C")).To(Equal(8))
		Expect(l.Align).To(Equal(4))
		Expect(l.Size).To(Equal(12))
	})

	It("should lay out nested records and arrays", func() {
		l := layout.For[nested]()

		Expect(l.OffsetOf("Inner")).To(Equal(4))
		Expect(l.OffsetOf("Tail")).To(Equal(16))
		Expect(l.Size).To(Equal(24))
	})

	It("should count declared padding", func() {
		Expect(layout.SizeOf[padded]()).To(Equal(8))
		Expect(layout.For[padded]().OffsetOf("Word")).To(Equal(4))
	})

	It("should use custom shapes", func() {
		l := layout.For[holder]()
		Expect(l.OffsetOf("S")).To(Equal(2))
		Expect(l.Size).To(Equal(6))
	})

	It("should reject unexported fields and slices", func() {
		_, err := layout.Of(reflect.TypeOf(withUnexported{}))
		Expect(err).To(HaveOccurred())

		_, err = layout.Of(reflect.TypeOf(withSlice{}))
		Expect(err).To(HaveOccurred())
	})

	It("should panic when the size does not match the definition", func() {
		Expect(func() { layout.MustDefine[mixed](12) }).ToNot(Panic())
		Expect(func() { layout.MustDefine[mixed](9) }).To(Panic())
	})
})

var _ = Describe("Codec", func() {
	It("should round trip mixed-size fields", func() {
		in := mixed{A: 0xAB, B: 0xDEADBEEF, C: 0x1234}

		b, err := layout.Marshal(in)
		Expect(err).ToNot(HaveOccurred())
		Expect(b).To(HaveLen(12))

		var out mixed
		Expect(layout.Unmarshal(b, &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("should zero the padding", func() {
		b := layout.MustMarshal(mixed{A: 0xFF, B: 1, C: 2})

		Expect(b[1:4]).To(Equal([]byte{0, 0, 0}))
		Expect(b[10:12]).To(Equal([]byte{0, 0}))
	})

	It("should ignore padding when decoding", func() {
		b := layout.MustMarshal(padded{Flag: 1, Word: 7})
		b[1], b[2], b[3] = 9, 9, 9

		var out padded
		Expect(layout.Unmarshal(b, &out)).To(Succeed())
		Expect(out == padded{Flag: 1, Word: 7}).To(BeTrue())
	})

	It("should keep negative values", func() {
		in := nested{Head: 1, Inner: mixed{A: 2, B: 3, C: 4}, Tail: [3]int16{-1, 0, -32768}}

		var out nested
		Expect(layout.Unmarshal(layout.MustMarshal(in), &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("should encode custom types through their codec", func() {
		in := holder{Count: 3, S: shape{Kind: 5, Len: 0x0102}}
		b := layout.MustMarshal(in)

		Expect(b).To(Equal([]byte{3, 0, 5, 0, 0x02, 0x01}))

		var out holder
		Expect(layout.Unmarshal(b, &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("should fail on short buffers", func() {
		var out mixed
		err := layout.Unmarshal(make([]byte, 4), &out)
		Expect(err).To(MatchError(layout.ErrShortBuffer))
	})

	It("should append encodings", func() {
		b, err := layout.AppendTo([]byte{0xEE}, padded{Flag: 1, Word: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(b).To(HaveLen(9))
		Expect(b[0]).To(Equal(byte(0xEE)))
	})
})
