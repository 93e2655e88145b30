package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/jobrunner/orbis/internal/domain"
	"github.com/jobrunner/orbis/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// buildTIFF writes a single-strip little-endian TIFF.
func buildTIFF(width, height int, bps, format, compression uint16, strip []byte, nodata string) []byte {
	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, uint32(0))

	stripOff := buf.Len()
	buf.Write(strip)
	ascii := append([]byte(nodata), 0)
	ndOff := buf.Len()
	if nodata != "" {
		buf.Write(ascii)
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
	ifdOff := buf.Len()

	short := func(v uint16) []byte {
		b := make([]byte, 4)
		le.PutUint16(b, v)
		return b
	}
	long := func(v uint32) []byte {
		b := make([]byte, 4)
		le.PutUint32(b, v)
		return b
	}
	type entry struct {
		tag, typ uint16
		count    uint32
		val      []byte
	}
	entries := []entry{
		{256, 4, 1, long(uint32(width))},
		{257, 4, 1, long(uint32(height))},
		{258, 3, 1, short(bps)},
		{259, 3, 1, short(compression)},
		{262, 3, 1, short(1)},
		{273, 4, 1, long(uint32(stripOff))},
		{277, 3, 1, short(1)},
		{278, 4, 1, long(uint32(height))},
		{279, 4, 1, long(uint32(len(strip)))},
		{339, 3, 1, short(format)},
	}
	if nodata != "" {
		val := make([]byte, 4)
		if len(ascii) <= 4 {
			copy(val, ascii)
		} else {
			le.PutUint32(val, uint32(ndOff))
		}
		entries = append(entries, entry{42113, 2, uint32(len(ascii)), val})
	}

	_ = binary.Write(&buf, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&buf, le, e.tag)
		_ = binary.Write(&buf, le, e.typ)
		_ = binary.Write(&buf, le, e.count)
		buf.Write(e.val)
	}
	_ = binary.Write(&buf, le, uint32(0))

	out := buf.Bytes()
	le.PutUint32(out[4:8], uint32(ifdOff))
	return out
}

func float32Strip(values ...float32) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, values)
	return b.Bytes()
}

func TestNativeDecodeFloat32WithNoData(t *testing.T) {
	file := buildTIFF(3, 2, 32, 3, 1, float32Strip(1.5, -9999, 3, 4, 5.25, -9999), "-9999")

	out, err := NewNativeDecoder().Decode(bytes.NewReader(file), domain.PixelFloat)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Width != 3 || out.Height != 2 {
		t.Fatalf("dimensions = %dx%d", out.Width, out.Height)
	}
	want := []float64{1.5, -9999, 3, 4, 5.25, -9999}
	for i, v := range want {
		if out.Samples[i] != v {
			t.Errorf("sample %d = %v, want %v", i, out.Samples[i], v)
		}
	}
	if out.NoData == nil || *out.NoData != -9999 {
		t.Errorf("NoData = %v", out.NoData)
	}
}

func TestNativeDecodeDeflatedInt16(t *testing.T) {
	var raw bytes.Buffer
	_ = binary.Write(&raw, binary.LittleEndian, []int16{-3, 0, 7, 32000})
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(raw.Bytes())
	_ = zw.Close()

	file := buildTIFF(2, 2, 16, 2, 8, z.Bytes(), "")
	out, err := NewNativeDecoder().Decode(bytes.NewReader(file), domain.PixelShort)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []float64{-3, 0, 7, 32000}
	for i, v := range want {
		if out.Samples[i] != v {
			t.Errorf("sample %d = %v, want %v", i, out.Samples[i], v)
		}
	}
	if out.NoData != nil {
		t.Errorf("unexpected NoData %v", *out.NoData)
	}
}

func TestNativeDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"too short", []byte("II"), domain.ErrInvalidInput},
		{"not a tiff", []byte("PK\x03\x04 not a tiff at all"), domain.ErrInvalidInput},
		{"bigtiff", []byte("II\x2b\x00\x08\x00\x00\x00"), domain.ErrUnsupported},
		{"lzw", buildTIFF(1, 1, 8, 1, 5, []byte{1}, ""), domain.ErrUnsupported},
		{"truncated strip", buildTIFF(4, 4, 32, 3, 1, float32Strip(1, 2), ""), domain.ErrInvalidInput},
		{"24 bit samples", buildTIFF(1, 1, 24, 1, 1, []byte{1, 2, 3}, ""), domain.ErrUnsupported},
		{"zero width", buildTIFF(0, 1, 8, 1, 1, []byte{1}, ""), domain.ErrInvalidInput},
		{"too many pixels", buildTIFF(1<<15, 1<<14, 8, 1, 1, []byte{1}, ""), domain.ErrInvalidInput},
		{"overflowing dimensions", buildTIFF(0xFFFFFFFF, 0xFFFFFFFF, 32, 3, 1, float32Strip(1), ""), domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNativeDecoder().Decode(bytes.NewReader(tt.data), domain.PixelFloat)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestXTIFFDecodeSignedShort(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	nd := int16(-9999)
	img.Pix[0], img.Pix[1] = byte(uint16(nd)>>8), byte(uint16(nd))
	img.Pix[2], img.Pix[3] = 0, 42

	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}

	out, err := NewXTIFFDecoder().Decode(bytes.NewReader(buf.Bytes()), domain.PixelShort)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Samples[0] != -9999 || out.Samples[1] != 42 {
		t.Errorf("samples = %v", out.Samples)
	}

	if _, err := NewXTIFFDecoder().Decode(bytes.NewReader(buf.Bytes()), domain.PixelFloat); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for float, got %v", err)
	}
}

type failingDecoder struct{ calls int }

func (d *failingDecoder) Name() string                   { return "failing" }
func (d *failingDecoder) Supports(domain.PixelType) bool { return true }
func (d *failingDecoder) Decode(io.Reader, domain.PixelType) (*output.DecodedRaster, error) {
	d.calls++
	return nil, errors.New("codec missing")
}

func TestChainFallsBack(t *testing.T) {
	file := buildTIFF(2, 1, 32, 3, 1, float32Strip(0.5, 1.5), "")

	t.Run("unsupported pixel type skips decoder", func(t *testing.T) {
		c := NewChain(testLogger(), NewXTIFFDecoder(), NewNativeDecoder())
		out, err := c.Decode(bytes.NewReader(file), domain.PixelFloat)
		if err != nil {
			t.Fatal(err)
		}
		if out.Samples[1] != 1.5 {
			t.Errorf("samples = %v", out.Samples)
		}
	})

	t.Run("failing decoder falls through", func(t *testing.T) {
		f := &failingDecoder{}
		c := NewChain(testLogger(), f, NewNativeDecoder())
		if _, err := c.Decode(bytes.NewReader(file), domain.PixelFloat); err != nil {
			t.Fatal(err)
		}
		if f.calls != 1 {
			t.Errorf("failing decoder called %d times", f.calls)
		}
	})

	t.Run("hostile dimensions", func(t *testing.T) {
		hostile := buildTIFF(0xFFFFFFFF, 0xFFFFFFFF, 32, 3, 1, float32Strip(1), "")
		c := NewChain(testLogger(), NewXTIFFDecoder(), NewNativeDecoder())
		if _, err := c.Decode(bytes.NewReader(hostile), domain.PixelFloat); err == nil {
			t.Error("expected an error for an oversized raster")
		}
	})

	t.Run("no decoder", func(t *testing.T) {
		c := NewChain(testLogger(), NewXTIFFDecoder())
		if _, err := c.Decode(bytes.NewReader(file), domain.PixelDouble); !errors.Is(err, domain.ErrUnsupported) {
			t.Errorf("expected ErrUnsupported, got %v", err)
		}
	})
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"", "chain(xtiff,native)", false},
		{"auto", "chain(xtiff,native)", false},
		{"XTIFF", "chain(xtiff,native)", false},
		{"native", "native", false},
		{"gdal", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Select(tt.name, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Select() error = %v", err)
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", d.Name(), tt.wantName)
			}
		})
	}
}
