package uapi

import (
	"encoding/binary"
	"fmt"
)

// MarshalError reports a short buffer during (un)marshalling.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

// byteOrder is the host order; the kernel reads structs in native layout.
var byteOrder = binary.NativeEndian

// SetPixFormatMP writes a multi-planar pixel format into the format union.
func (f *Format) SetPixFormatMP(pix *PixFormatMP) {
	buf := f.Fmt[:]
	byteOrder.PutUint32(buf[0:4], pix.Width)
	byteOrder.PutUint32(buf[4:8], pix.Height)
	byteOrder.PutUint32(buf[8:12], pix.PixelFormat)
	byteOrder.PutUint32(buf[12:16], pix.Field)
	byteOrder.PutUint32(buf[16:20], pix.Colorspace)

	offset := 20
	for i := range pix.PlaneFmt {
		p := &pix.PlaneFmt[i]
		byteOrder.PutUint32(buf[offset:offset+4], p.SizeImage)
		byteOrder.PutUint32(buf[offset+4:offset+8], p.BytesPerLine)
		for j, r := range p.Reserved {
			byteOrder.PutUint16(buf[offset+8+2*j:], r)
		}
		offset += SizeofPlanePixFormat
	}

	buf[offset] = pix.NumPlanes
	buf[offset+1] = pix.Flags
	buf[offset+2] = pix.YcbcrEnc
	buf[offset+3] = pix.Quantization
	buf[offset+4] = pix.XferFunc
	copy(buf[offset+5:offset+12], pix.Reserved[:])
}

// PixFormatMP decodes the multi-planar pixel format held in the union.
func (f *Format) PixFormatMP() PixFormatMP {
	var pix PixFormatMP
	buf := f.Fmt[:]
	pix.Width = byteOrder.Uint32(buf[0:4])
	pix.Height = byteOrder.Uint32(buf[4:8])
	pix.PixelFormat = byteOrder.Uint32(buf[8:12])
	pix.Field = byteOrder.Uint32(buf[12:16])
	pix.Colorspace = byteOrder.Uint32(buf[16:20])

	offset := 20
	for i := range pix.PlaneFmt {
		p := &pix.PlaneFmt[i]
		p.SizeImage = byteOrder.Uint32(buf[offset : offset+4])
		p.BytesPerLine = byteOrder.Uint32(buf[offset+4 : offset+8])
		for j := range p.Reserved {
			p.Reserved[j] = byteOrder.Uint16(buf[offset+8+2*j:])
		}
		offset += SizeofPlanePixFormat
	}

	pix.NumPlanes = buf[offset]
	pix.Flags = buf[offset+1]
	pix.YcbcrEnc = buf[offset+2]
	pix.Quantization = buf[offset+3]
	pix.XferFunc = buf[offset+4]
	copy(pix.Reserved[:], buf[offset+5:offset+12])
	return pix
}

// UnmarshalFormat decodes a raw v4l2_format image, as captured from a
// driver trace or test fixture.
func UnmarshalFormat(data []byte, f *Format) error {
	if len(data) < SizeofFormat {
		return MarshalError(fmt.Sprintf("format: need %d bytes, got %d", SizeofFormat, len(data)))
	}
	f.Type = byteOrder.Uint32(data[0:4])
	copy(f.Fmt[:], data[8:SizeofFormat])
	return nil
}

// MarshalFormat encodes a v4l2_format into its raw kernel image.
func MarshalFormat(f *Format) []byte {
	buf := make([]byte, SizeofFormat)
	byteOrder.PutUint32(buf[0:4], f.Type)
	copy(buf[8:], f.Fmt[:])
	return buf
}
