package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

// TIFF tags read by the native decoder.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagSampleFormat    = 339
	tagGDALNoData      = 42113
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946
	sampleFormatUint      = 1
	sampleFormatInt       = 2
	sampleFormatFloat     = 3
	predictorNone         = 1
	predictorHorizontal   = 2
	maxRasterPixels       = 1 << 28
)

// NativeDecoder reads striped single-band TIFF files with integer or
// floating point samples, uncompressed or deflated. It honors the GDAL
// no-data tag.
type NativeDecoder struct{}

// NewNativeDecoder creates a new decoder.
func NewNativeDecoder() *NativeDecoder {
	return &NativeDecoder{}
}

// Name returns "native".
func (d *NativeDecoder) Name() string {
	return "native"
}

// Supports reports true for every pixel type. The sample layout is taken
// from the file itself.
func (d *NativeDecoder) Supports(domain.PixelType) bool {
	return true
}

type ifdEntry struct {
	typ    uint16
	count  uint32
	offset []byte // 4 inline bytes
}

type tiffFile struct {
	data    []byte
	order   binary.ByteOrder
	entries map[uint16]ifdEntry
}

// Decode decodes the first image of the file.
func (d *NativeDecoder) Decode(r io.Reader, _ domain.PixelType) (*output.DecodedRaster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("native: reading: %w", err)
	}
	f, err := parseTIFF(data)
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}
	return f.decode()
}

func parseTIFF(data []byte) (*tiffFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short: %w", domain.ErrInvalidInput)
	}
	f := &tiffFile{data: data, entries: make(map[uint16]ifdEntry)}
	switch string(data[:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file: %w", domain.ErrInvalidInput)
	}
	switch f.order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("BigTIFF: %w", domain.ErrUnsupported)
	default:
		return nil, fmt.Errorf("bad TIFF magic: %w", domain.ErrInvalidInput)
	}

	off := int(f.order.Uint32(data[4:8]))
	if off < 8 || off+2 > len(data) {
		return nil, fmt.Errorf("IFD offset out of range: %w", domain.ErrInvalidInput)
	}
	n := int(f.order.Uint16(data[off:]))
	if off+2+n*12 > len(data) {
		return nil, fmt.Errorf("IFD truncated: %w", domain.ErrInvalidInput)
	}
	for i := 0; i < n; i++ {
		e := data[off+2+i*12:]
		f.entries[f.order.Uint16(e[0:2])] = ifdEntry{
			typ:    f.order.Uint16(e[2:4]),
			count:  f.order.Uint32(e[4:8]),
			offset: e[8:12],
		}
	}
	return f, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7:
		return 1
	case 3, 8:
		return 2
	case 4, 9, 11:
		return 4
	case 5, 10, 12:
		return 8
	}
	return 0
}

// raw returns the value bytes of tag.
func (f *tiffFile) raw(tag uint16) ([]byte, ifdEntry, bool) {
	e, ok := f.entries[tag]
	if !ok {
		return nil, e, false
	}
	size := typeSize(e.typ) * int(e.count)
	if size <= 4 {
		return e.offset[:size], e, true
	}
	start := int(f.order.Uint32(e.offset))
	if start < 0 || start+size > len(f.data) {
		return nil, e, false
	}
	return f.data[start : start+size], e, true
}

func (f *tiffFile) uints(tag uint16) []uint64 {
	b, e, ok := f.raw(tag)
	if !ok {
		return nil
	}
	out := make([]uint64, 0, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.typ {
		case 1:
			out = append(out, uint64(b[i]))
		case 3:
			out = append(out, uint64(f.order.Uint16(b[i*2:])))
		case 4:
			out = append(out, uint64(f.order.Uint32(b[i*4:])))
		default:
			return nil
		}
	}
	return out
}

func (f *tiffFile) uint(tag uint16, def uint64) uint64 {
	if v := f.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (f *tiffFile) ascii(tag uint16) (string, bool) {
	b, e, ok := f.raw(tag)
	if !ok || e.typ != 2 {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00")), true
}

func (f *tiffFile) decode() (*output.DecodedRaster, error) {
	if _, tiled := f.entries[tagTileWidth]; tiled {
		return nil, fmt.Errorf("native: tiled TIFF: %w", domain.ErrUnsupported)
	}
	w, h := f.uint(tagImageWidth, 0), f.uint(tagImageLength, 0)
	if w == 0 || h == 0 || w > maxRasterPixels || h > maxRasterPixels || w*h > maxRasterPixels {
		return nil, fmt.Errorf("native: invalid dimensions %dx%d: %w", w, h, domain.ErrInvalidInput)
	}
	width, height := int(w), int(h)
	if spp := f.uint(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("native: %d samples per pixel: %w", spp, domain.ErrUnsupported)
	}
	bps := int(f.uint(tagBitsPerSample, 1))
	format := f.uint(tagSampleFormat, sampleFormatUint)
	if !validLayout(format, bps) {
		return nil, fmt.Errorf("native: sample format %d with %d bits: %w", format, bps, domain.ErrUnsupported)
	}
	predictor := f.uint(tagPredictor, predictorNone)
	if predictor != predictorNone && (predictor != predictorHorizontal || format == sampleFormatFloat) {
		return nil, fmt.Errorf("native: predictor %d: %w", predictor, domain.ErrUnsupported)
	}

	buf, err := f.strips(f.uint(tagCompression, compressionNone))
	if err != nil {
		return nil, err
	}
	bytesPer := bps / 8
	if len(buf) < width*height*bytesPer {
		return nil, fmt.Errorf("native: strip data truncated: %w", domain.ErrInvalidInput)
	}

	bits := make([]uint64, width*height)
	for i := range bits {
		b := buf[i*bytesPer:]
		switch bytesPer {
		case 1:
			bits[i] = uint64(b[0])
		case 2:
			bits[i] = uint64(f.order.Uint16(b))
		case 4:
			bits[i] = uint64(f.order.Uint32(b))
		case 8:
			bits[i] = f.order.Uint64(b)
		}
	}
	if predictor == predictorHorizontal {
		mask := uint64(1)<<uint(bps) - 1
		for y := 0; y < height; y++ {
			row := bits[y*width : (y+1)*width]
			for x := 1; x < width; x++ {
				row[x] = (row[x] + row[x-1]) & mask
			}
		}
	}

	out := &output.DecodedRaster{Width: width, Height: height, Samples: make([]float64, len(bits))}
	for i, v := range bits {
		out.Samples[i] = toFloat(v, format, bps)
	}
	if s, ok := f.ascii(tagGDALNoData); ok && s != "" {
		if nd, err := strconv.ParseFloat(s, 64); err == nil {
			out.NoData = &nd
		}
	}
	return out, nil
}

func validLayout(format uint64, bps int) bool {
	switch format {
	case sampleFormatUint, sampleFormatInt:
		return bps == 8 || bps == 16 || bps == 32
	case sampleFormatFloat:
		return bps == 32 || bps == 64
	}
	return false
}

func toFloat(v, format uint64, bps int) float64 {
	switch format {
	case sampleFormatInt:
		switch bps {
		case 8:
			return float64(int8(v))
		case 16:
			return float64(int16(v))
		default:
			return float64(int32(v))
		}
	case sampleFormatFloat:
		if bps == 32 {
			return float64(math.Float32frombits(uint32(v)))
		}
		return math.Float64frombits(v)
	}
	return float64(v)
}

// strips concatenates the decompressed strips.
func (f *tiffFile) strips(compression uint64) ([]byte, error) {
	offsets := f.uints(tagStripOffsets)
	counts := f.uints(tagStripByteCounts)
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("native: missing strip layout: %w", domain.ErrInvalidInput)
	}

	var buf bytes.Buffer
	for i := range offsets {
		start, end := int(offsets[i]), int(offsets[i]+counts[i])
		if start < 0 || end > len(f.data) || start > end {
			return nil, fmt.Errorf("native: strip %d out of range: %w", i, domain.ErrInvalidInput)
		}
		chunk := f.data[start:end]

		switch compression {
		case compressionNone:
			buf.Write(chunk)
		case compressionDeflate, compressionDeflateOld:
			zr, err := zlib.NewReader(bytes.NewReader(chunk))
			if err != nil {
				return nil, fmt.Errorf("native: strip %d: %w", i, err)
			}
			_, err = io.Copy(&buf, zr)
			_ = zr.Close()
			if err != nil {
				return nil, fmt.Errorf("native: strip %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("native: compression %d: %w", compression, domain.ErrUnsupported)
		}
	}
	return buf.Bytes(), nil
}
