package volume

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode writes values as an uncompressed single-file NIfTI-1 image. Values
// are converted to the requested datatype without scaling; it exists for
// fixtures and for serving synthetic volumes.
func Encode(dims [3]int, spacing [3]float64, dt Datatype, values []float64, order binary.ByteOrder) ([]byte, error) {
	size := dt.size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", dt)
	}
	n := dims[0] * dims[1] * dims[2]
	if len(values) != n {
		return nil, fmt.Errorf("have %d values for %d voxels", len(values), n)
	}

	buf := make([]byte, defaultVoxStart+n*size)
	order.PutUint32(buf[0:], headerSize)
	order.PutUint16(buf[offDim:], 3)
	for i := 0; i < 3; i++ {
		order.PutUint16(buf[offDim+2*(i+1):], uint16(int16(dims[i])))
		order.PutUint32(buf[offPixdim+4*(i+1):], math.Float32bits(float32(spacing[i])))
	}
	order.PutUint16(buf[offDatatype:], uint16(dt))
	order.PutUint16(buf[offDatatype+2:], uint16(size*8))
	order.PutUint32(buf[offVoxOff:], math.Float32bits(defaultVoxStart))
	copy(buf[offMagic:], "n+1\x00")

	p := buf[defaultVoxStart:]
	for i, v := range values {
		switch dt {
		case Uint8:
			p[i] = uint8(v)
		case Int8:
			p[i] = uint8(int8(v))
		case Int16:
			order.PutUint16(p[i*2:], uint16(int16(v)))
		case Uint16:
			order.PutUint16(p[i*2:], uint16(v))
		case Int32:
			order.PutUint32(p[i*4:], uint32(int32(v)))
		case Uint32:
			order.PutUint32(p[i*4:], uint32(v))
		case Float32:
			order.PutUint32(p[i*4:], math.Float32bits(float32(v)))
		case Float64:
			order.PutUint64(p[i*8:], math.Float64bits(v))
		}
	}
	return buf, nil
}
