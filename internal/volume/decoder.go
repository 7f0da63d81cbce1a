package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	headerSize      = 348
	defaultVoxStart = 352

	offDim      = 40
	offDatatype = 70
	offPixdim   = 76
	offVoxOff   = 108
	offMagic    = 344
)

// Datatype is a NIfTI-1 datatype code.
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

func (d Datatype) size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) isInteger() bool {
	return d != Float32 && d != Float64
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Header holds the fields of a NIfTI-1 header the viewer needs.
type Header struct {
	Dims      [3]int
	Datatype  Datatype
	Spacing   [3]float64
	VoxOffset int
	Order     binary.ByteOrder
}

// DefaultMaxBytes bounds the decompressed size of one volume file.
const DefaultMaxBytes int64 = 2 << 30

// Decoder turns raw container bytes into volumes. It is safe for
// concurrent use.
type Decoder struct {
	maxBytes int64
}

// NewDecoder creates a decoder that refuses files whose decompressed size
// would exceed maxBytes. maxBytes <= 0 selects DefaultMaxBytes.
func NewDecoder(maxBytes int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{maxBytes: maxBytes}
}

// Decode decompresses raw when needed, parses the header and normalises the
// payload.
func (d *Decoder) Decode(raw []byte) (*Volume, error) {
	data, err := d.decompress(raw)
	if err != nil {
		return nil, err
	}

	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	values, err := readPayload(data, hdr)
	if err != nil {
		return nil, err
	}
	return New(values, hdr.Dims, hdr.Spacing)
}

func (d *Decoder) decompress(raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &FormatError{Reason: "corrupt gzip stream", Err: err}
		}
		defer zr.Close()
		return d.readBounded(zr, "gzip")
	case bytes.HasPrefix(raw, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(raw),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(d.maxBytes)))
		if err != nil {
			return nil, &FormatError{Reason: "corrupt zstd stream", Err: err}
		}
		defer zr.Close()
		return d.readBounded(zr, "zstd")
	default:
		return raw, nil
	}
}

// readBounded inflates the header first and then exactly the bytes it
// declares, so the output never grows past vox_offset plus the payload.
func (d *Decoder) readBounded(r io.Reader, codec string) ([]byte, error) {
	head := make([]byte, defaultVoxStart)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, &FormatError{Reason: codec + " decompress failed", Err: err}
	}
	head = head[:n]

	hdr, err := ParseHeader(head)
	if err != nil {
		return nil, err
	}
	need := int64(hdr.VoxOffset) + int64(hdr.Dims[0])*int64(hdr.Dims[1])*int64(hdr.Dims[2])*int64(hdr.Datatype.size())
	if need > d.maxBytes {
		return nil, &FormatError{Reason: fmt.Sprintf("decompressed volume needs %d bytes, limit is %d", need, d.maxBytes)}
	}
	if need <= int64(n) {
		return head, nil
	}

	out := make([]byte, need)
	copy(out, head)
	m, err := io.ReadFull(r, out[n:])
	switch err {
	case nil:
		return out, nil
	case io.ErrUnexpectedEOF, io.EOF:
		// readPayload reports the truncation.
		return out[:n+m], nil
	default:
		return nil, &FormatError{Reason: codec + " decompress failed", Err: err}
	}
}

// ParseHeader validates the fixed header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < headerSize {
		return nil, &FormatError{Reason: fmt.Sprintf("header truncated (%d bytes)", len(data))}
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data[0:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data[0:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, &FormatError{Reason: "unrecognised header size"}
	}

	magic := data[offMagic : offMagic+4]
	if !bytes.Equal(magic, []byte("n+1\x00")) && !bytes.Equal(magic, []byte("ni1\x00")) {
		return nil, &FormatError{Reason: fmt.Sprintf("bad magic %q", magic)}
	}

	ndim := int(int16(order.Uint16(data[offDim:])))
	if ndim < 1 || ndim > 7 {
		return nil, &FormatError{Reason: fmt.Sprintf("bad dimension count %d", ndim)}
	}

	hdr := &Header{Order: order}
	for i := 0; i < 3; i++ {
		n := 1
		if i < ndim {
			n = int(int16(order.Uint16(data[offDim+2*(i+1):])))
		}
		hdr.Dims[i] = n

		s := 1.0
		if i < ndim {
			p := float64(math.Float32frombits(order.Uint32(data[offPixdim+4*(i+1):])))
			if p != 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
				s = math.Abs(p)
			}
		}
		hdr.Spacing[i] = s
	}
	for _, n := range hdr.Dims {
		if n <= 0 {
			return nil, &InvalidDimensionsError{Dims: hdr.Dims}
		}
	}

	hdr.Datatype = Datatype(int16(order.Uint16(data[offDatatype:])))
	if hdr.Datatype.size() == 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported datatype %d", hdr.Datatype)}
	}

	vox := float64(math.Float32frombits(order.Uint32(data[offVoxOff:])))
	hdr.VoxOffset = defaultVoxStart
	if vox > defaultVoxStart && !math.IsNaN(vox) && !math.IsInf(vox, 0) {
		hdr.VoxOffset = int(vox)
	}

	return hdr, nil
}

func readPayload(data []byte, hdr *Header) ([]float32, error) {
	n := hdr.Dims[0] * hdr.Dims[1] * hdr.Dims[2]
	size := hdr.Datatype.size()
	need := hdr.VoxOffset + n*size
	if len(data) < need {
		return nil, &FormatError{Reason: fmt.Sprintf("payload truncated: have %d bytes, need %d", len(data), need)}
	}
	payload := data[hdr.VoxOffset:need]
	order := hdr.Order

	if !hdr.Datatype.isInteger() {
		out := make([]float32, n)
		for i := range out {
			if hdr.Datatype == Float32 {
				out[i] = math.Float32frombits(order.Uint32(payload[i*4:]))
			} else {
				out[i] = float32(math.Float64frombits(order.Uint64(payload[i*8:])))
			}
		}
		return out, nil
	}

	raw := make([]float64, n)
	for i := range raw {
		switch hdr.Datatype {
		case Uint8:
			raw[i] = float64(payload[i])
		case Int8:
			raw[i] = float64(int8(payload[i]))
		case Int16:
			raw[i] = float64(int16(order.Uint16(payload[i*2:])))
		case Uint16:
			raw[i] = float64(order.Uint16(payload[i*2:]))
		case Int32:
			raw[i] = float64(int32(order.Uint32(payload[i*4:])))
		case Uint32:
			raw[i] = float64(order.Uint32(payload[i*4:]))
		}
	}
	return rescale(raw), nil
}

// rescale maps integer samples linearly onto [0, 1] using their own range.
func rescale(raw []float64) []float32 {
	out := make([]float32, len(raw))
	if len(raw) == 0 {
		return out
	}
	minV, maxV := raw[0], raw[0]
	for _, x := range raw[1:] {
		minV = math.Min(minV, x)
		maxV = math.Max(maxV, x)
	}
	r := maxV - minV
	if r == 0 {
		r = 1
	}
	for i, x := range raw {
		out[i] = float32((x - minV) / r)
	}
	return out
}
