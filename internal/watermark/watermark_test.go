package watermark

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestApply_ProducesJPEGWithSameDimensions(t *testing.T) {
	m, err := New("Mirasi")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.Apply(testJPEG(t, 640, 480))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("output format = %q; want jpeg", format)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Errorf("dimensions = %dx%d; want 640x480", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestApply_ChangesPixels(t *testing.T) {
	m, err := New("Mirasi")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := testJPEG(t, 320, 320)
	out, err := m.Apply(src)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if bytes.Equal(src, out) {
		t.Error("watermarked bytes identical to source")
	}
}

func TestApply_AcceptsPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	m, err := New("Mirasi")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.Apply(buf.Bytes())
	if err != nil {
		t.Fatalf("Apply on PNG: %v", err)
	}
	if _, format, err := image.Decode(bytes.NewReader(out)); err != nil || format != "jpeg" {
		t.Errorf("output should re-encode as jpeg, got %q, %v", format, err)
	}
}

func TestApply_RejectsGarbage(t *testing.T) {
	m, err := New("Mirasi")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Apply([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
