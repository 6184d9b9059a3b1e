package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"cellcount/internal/models"
)

// createTestImage creates a grayscale test image with the specified dimensions and pattern
func createTestImage(width, height int, pattern func(x, y int) uint16) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	folder := NewFolder(t.TempDir())

	v := models.NewLabelVolume(3, 4, 5)
	for i := range v.Data {
		v.Data[i] = int32((i * 2731) % (models.MaxStoredLabel + 1))
	}
	v.Data[7] = models.MaxStoredLabel

	if err := folder.WriteVolume("labels_total", "fish1.tif", v); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}

	got, err := folder.ReadVolume("labels_total", "fish1.tif")
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if got.Shape() != v.Shape() {
		t.Fatalf("Expected shape %s, got %s", v.Shape(), got.Shape())
	}
	if !reflect.DeepEqual(got.Data, v.Data) {
		t.Errorf("Labels changed in the round trip")
	}

	// rewriting a shallower volume must not leave stale slices behind
	if err := folder.WriteVolume("labels_total", "fish1.tif", models.NewLabelVolume(1, 4, 5)); err != nil {
		t.Fatalf("second WriteVolume failed: %v", err)
	}
	got, err = folder.ReadVolume("labels_total", "fish1")
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if got.Depth != 1 {
		t.Errorf("Expected depth 1 after rewrite, got %d", got.Depth)
	}
}

func TestWriteVolumeOverflow(t *testing.T) {
	folder := NewFolder(t.TempDir())
	v := models.NewLabelVolume(1, 2, 2)
	v.Data[2] = models.MaxStoredLabel + 5

	err := folder.WriteVolume("labels_total", "big", v)
	if !errors.Is(err, models.ErrLabelOverflow) {
		t.Errorf("Expected ErrLabelOverflow, got %v", err)
	}
}

func TestCreateFolderIdempotent(t *testing.T) {
	folder := NewFolder(t.TempDir())
	first, err := folder.CreateFolder("labels_total")
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	second, err := folder.CreateFolder("labels_total")
	if err != nil {
		t.Fatalf("CreateFolder on an existing folder failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected the same path twice, got %s and %s", first, second)
	}
}

func TestReadStackOrdersByNumber(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "labelmaps_2D", "fish2")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	// z10 must come after z2 even though it sorts first as a string
	writePNG(t, filepath.Join(dir, "z10.png"), createTestImage(3, 2, func(x, y int) uint16 { return 10 }))
	writePNG(t, filepath.Join(dir, "z2.png"), createTestImage(3, 2, func(x, y int) uint16 { return 2 }))
	writePNG(t, filepath.Join(dir, "z1.png"), createTestImage(3, 2, func(x, y int) uint16 { return uint16(x + y) }))

	v, err := NewFolder(root).ReadVolume("labelmaps_2D", "fish2")
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if v.Depth != 3 || v.Height != 2 || v.Width != 3 {
		t.Fatalf("Expected shape 3x2x3, got %s", v.Shape())
	}
	if v.At(1, 0, 0) != 2 || v.At(2, 1, 2) != 10 {
		t.Errorf("Slices out of order: z1=%d z2=%d", v.At(1, 0, 0), v.At(2, 1, 2))
	}
	if v.At(0, 1, 2) != 3 {
		t.Errorf("Expected 3 at z0 y1 x2, got %d", v.At(0, 1, 2))
	}
}

func TestReadStackShapeMismatch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "masks", "fish3")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	writePNG(t, filepath.Join(dir, "0.png"), createTestImage(3, 2, func(x, y int) uint16 { return 1 }))
	writePNG(t, filepath.Join(dir, "1.png"), createTestImage(4, 2, func(x, y int) uint16 { return 1 }))

	_, err := NewFolder(root).ReadVolume("masks", "fish3")
	if !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestReadColorMask(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "masks"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(1, 0, color.NRGBA{R: 0, G: 0, B: 1, A: 255})
	writePNG(t, filepath.Join(root, "masks", "m.png"), img)

	m, err := NewFolder(root).ReadMask("masks", "m.png")
	if err != nil {
		t.Fatalf("ReadMask failed: %v", err)
	}
	if m.Data[0] || !m.Data[1] {
		t.Errorf("Expected [false true], got %v", m.Data)
	}

	// the same image is not a valid label map
	if _, err := NewFolder(root).ReadVolume("masks", "m.png"); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("Expected ErrUnsupportedImage for a color label map, got %v", err)
	}
}

// writeMultiPageTIFF writes an uncompressed little-endian 16-bit grayscale
// TIFF with one page per image
func writeMultiPageTIFF(t *testing.T, path string, pages ...*image.Gray16) {
	t.Helper()
	const entries = 9
	const ifdSize = 2 + entries*12 + 4

	var buf bytes.Buffer
	le := binary.LittleEndian
	put16 := func(v uint16) { binary.Write(&buf, le, v) }
	put32 := func(v uint32) { binary.Write(&buf, le, v) }

	buf.WriteString("II")
	put16(42)
	put32(8)

	offset := uint32(8)
	for i, img := range pages {
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		pixelOffset := offset + ifdSize
		pixelBytes := uint32(w * h * 2)
		next := pixelOffset + pixelBytes
		if i == len(pages)-1 {
			next = 0
		}

		entry := func(tag, typ uint16, value uint32) {
			put16(tag)
			put16(typ)
			put32(1)
			if typ == 3 {
				put16(uint16(value))
				put16(0)
			} else {
				put32(value)
			}
		}
		put16(entries)
		entry(256, 3, uint32(w))   // ImageWidth
		entry(257, 3, uint32(h))   // ImageLength
		entry(258, 3, 16)          // BitsPerSample
		entry(259, 3, 1)           // Compression: none
		entry(262, 3, 1)           // PhotometricInterpretation: BlackIsZero
		entry(273, 4, pixelOffset) // StripOffsets
		entry(277, 3, 1)           // SamplesPerPixel
		entry(278, 3, uint32(h))   // RowsPerStrip
		entry(279, 4, pixelBytes)  // StripByteCounts
		put32(next)

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				put16(img.Gray16At(x, y).Y)
			}
		}
		offset = next
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestReadMultiPageTIFF(t *testing.T) {
	root := t.TempDir()
	writeMultiPageTIFF(t, filepath.Join(root, "labelmaps_3D", "fish.tif"),
		createTestImage(2, 2, func(x, y int) uint16 { return 1 }),
		createTestImage(2, 2, func(x, y int) uint16 { return 2 }),
		createTestImage(2, 2, func(x, y int) uint16 { return uint16(300 + x + 2*y) }),
	)

	v, err := NewFolder(root).ReadVolume("labelmaps_3D", "fish.tif")
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if v.Depth != 3 || v.Height != 2 || v.Width != 2 {
		t.Fatalf("Expected shape 3x2x2, got %s", v.Shape())
	}
	expected := []int32{1, 1, 1, 1, 2, 2, 2, 2, 300, 301, 302, 303}
	if !reflect.DeepEqual(v.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, v.Data)
	}

	m, err := NewFolder(root).ReadMask("labelmaps_3D", "fish.tif")
	if err != nil {
		t.Fatalf("ReadMask failed: %v", err)
	}
	if m.Depth != 3 || m.Count() != 12 {
		t.Errorf("Expected a full 3-slice mask, got depth %d with %d voxels", m.Depth, m.Count())
	}
}

func TestReadMultiPageTIFFShapeMismatch(t *testing.T) {
	root := t.TempDir()
	writeMultiPageTIFF(t, filepath.Join(root, "labelmaps_3D", "fish.tif"),
		createTestImage(2, 2, func(x, y int) uint16 { return 1 }),
		createTestImage(3, 2, func(x, y int) uint16 { return 2 }),
	)

	_, err := NewFolder(root).ReadVolume("labelmaps_3D", "fish.tif")
	if !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestReadStackRejectsMultiPageSlice(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "labelmaps_2D", "fish4")
	writeMultiPageTIFF(t, filepath.Join(dir, "slice_000.tif"),
		createTestImage(2, 2, func(x, y int) uint16 { return 1 }),
		createTestImage(2, 2, func(x, y int) uint16 { return 2 }),
	)

	_, err := NewFolder(root).ReadVolume("labelmaps_2D", "fish4")
	if !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestTIFFPagesCorrupt(t *testing.T) {
	tests := map[string][]byte{
		"short header":  []byte("II*"),
		"not a TIFF":    []byte("PK\x03\x04\x00\x00\x00\x00"),
		"offset beyond": {'I', 'I', 42, 0, 0xff, 0, 0, 0},
		"looping chain": {'I', 'I', 42, 0, 8, 0, 0, 0, 0, 0, 8, 0, 0, 0},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := tiffPages(data); !errors.Is(err, ErrUnsupportedImage) {
				t.Errorf("Expected ErrUnsupportedImage, got %v", err)
			}
		})
	}
}

func TestReadVolumeMissing(t *testing.T) {
	_, err := NewFolder(t.TempDir()).ReadVolume("labelmaps_3D", "absent.tif")
	if !errors.Is(err, ErrNoVolume) {
		t.Errorf("Expected ErrNoVolume, got %v", err)
	}
}

func TestListImagesAndSubfolders(t *testing.T) {
	root := t.TempDir()
	folder := NewFolder(root)
	for _, d := range []string{"sampleB", "sampleA", "sampleA/labelmaps_2D/stack"} {
		if _, err := folder.CreateFolder(d); err != nil {
			t.Fatalf("CreateFolder failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	writePNG(t, filepath.Join(root, "sampleA", "labelmaps_2D", "single.png"), createTestImage(1, 1, func(x, y int) uint16 { return 0 }))
	if err := os.WriteFile(filepath.Join(root, "sampleA", "labelmaps_2D", "readme.md"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	subs, err := folder.Subfolders()
	if err != nil {
		t.Fatalf("Subfolders failed: %v", err)
	}
	expected := []string{filepath.Join(root, "sampleA"), filepath.Join(root, "sampleB")}
	if !reflect.DeepEqual(subs, expected) {
		t.Errorf("Expected %v, got %v", expected, subs)
	}

	names, err := NewFolder(subs[0]).ListImages("labelmaps_2D")
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"single.png", "stack"}) {
		t.Errorf("Expected [single.png stack], got %v", names)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	folder := NewFolder(t.TempDir())
	in := map[string][]int{"fish1.tif": {1, 2, 3}}
	if err := folder.WriteJSON("results.json", in); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var out map[string][]int
	if err := folder.ReadJSON("results.json", &out); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("Expected %v, got %v", in, out)
	}
}
