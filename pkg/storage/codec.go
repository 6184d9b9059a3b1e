package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"cellcount/internal/models"
	"cellcount/pkg/visualization"
)

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff", ".png":
		return true
	}
	return false
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// pixelKind selects how decoded pixels become voxel values
type pixelKind int

const (
	// labelPixels accepts grayscale images only. Gray values are label ids.
	labelPixels pixelKind = iota

	// maskPixels also accepts color images; any non-black pixel is foreground
	maskPixels
)

// loadStack loads every image of dir as one depth slice. Slices are ordered
// by the number embedded in their file name.
func loadStack(dir string, kind pixelKind) (*models.LabelVolume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no slice images in %s", ErrNoVolume, dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		numI := extractNumber(files[i])
		numJ := extractNumber(files[j])
		if numI != numJ {
			return numI < numJ
		}
		return files[i] < files[j]
	})

	var vol *models.LabelVolume
	for z, name := range files {
		page, err := loadFile(filepath.Join(dir, name), kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}
		if page.Depth != 1 {
			return nil, fmt.Errorf("%w: slice %s has %d pages", models.ErrShapeMismatch, name, page.Depth)
		}

		// All slices must share the dimensions of the first
		if vol == nil {
			vol = models.NewLabelVolume(len(files), page.Height, page.Width)
		} else if page.Width != vol.Width || page.Height != vol.Height {
			return nil, fmt.Errorf("%w: slice %s is %dx%d, expected %dx%d",
				models.ErrShapeMismatch, name, page.Height, page.Width, vol.Height, vol.Width)
		}
		copy(vol.SliceData(z), page.Data)
	}

	return vol, nil
}

// loadFile loads a single image file. Every page of a TIFF file becomes one
// depth slice; other formats give a volume of depth 1.
func loadFile(path string, kind pixelKind) (*models.LabelVolume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".tif" && ext != ".tiff" {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		values, width, height, err := imageToLabels(img, kind)
		if err != nil {
			return nil, err
		}
		return &models.LabelVolume{Data: values, Width: width, Height: height, Depth: 1}, nil
	}

	order, offsets, err := tiffPages(data)
	if err != nil {
		return nil, err
	}

	var vol *models.LabelVolume
	for z, off := range offsets {
		// tiff.Decode reads the first directory only, so point the header at page z
		order.PutUint32(data[4:8], off)
		img, err := tiff.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", z, err)
		}
		values, width, height, err := imageToLabels(img, kind)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", z, err)
		}

		if vol == nil {
			vol = models.NewLabelVolume(len(offsets), height, width)
		} else if width != vol.Width || height != vol.Height {
			return nil, fmt.Errorf("%w: page %d is %dx%d, expected %dx%d",
				models.ErrShapeMismatch, z, height, width, vol.Height, vol.Width)
		}
		copy(vol.SliceData(z), values)
	}

	return vol, nil
}

// tiffPages walks the chain of image file directories of a classic TIFF
// file and returns the offset of each one.
func tiffPages(data []byte) (binary.ByteOrder, []uint32, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: TIFF header truncated", ErrUnsupportedImage)
	}

	var order binary.ByteOrder
	switch string(data[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: not a TIFF file", ErrUnsupportedImage)
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, nil, fmt.Errorf("%w: only classic TIFF is supported", ErrUnsupportedImage)
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	off := order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] {
			return nil, nil, fmt.Errorf("%w: directory chain loops at offset %d", ErrUnsupportedImage, off)
		}
		seen[off] = true

		start := int64(off)
		if start+2 > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: directory offset %d out of range", ErrUnsupportedImage, off)
		}
		entries := int64(order.Uint16(data[start : start+2]))
		next := start + 2 + entries*12
		if next+4 > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: directory at offset %d truncated", ErrUnsupportedImage, off)
		}

		offsets = append(offsets, off)
		off = order.Uint32(data[next : next+4])
	}
	if len(offsets) == 0 {
		return nil, nil, fmt.Errorf("%w: TIFF file without pages", ErrUnsupportedImage)
	}
	return order, offsets, nil
}

// imageToLabels reads gray values as voxel values. For masks, color images
// are reduced to their 16-bit luminance, which keeps any non-zero pixel
// non-zero. Color label maps are rejected since distinct colors can share a
// luminance.
func imageToLabels(img image.Image, kind pixelKind) ([]int32, int, int, error) {
	switch img.(type) {
	case *image.Gray16, *image.Gray:
	default:
		if kind == labelPixels {
			return nil, 0, 0, fmt.Errorf("%w: %T label map, label maps must be grayscale",
				ErrUnsupportedImage, img)
		}
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]int32, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px, py := bounds.Min.X+x, bounds.Min.Y+y
			var v int32
			switch im := img.(type) {
			case *image.Gray16:
				v = int32(im.Gray16At(px, py).Y)
			case *image.Gray:
				v = int32(im.GrayAt(px, py).Y)
			default:
				g := color.Gray16Model.Convert(img.At(px, py)).(color.Gray16)
				v = int32(g.Y)
				if v == 0 {
					// dark but non-black colors still mark foreground
					r, gg, b, _ := img.At(px, py).RGBA()
					if r|gg|b != 0 {
						v = 1
					}
				}
			}
			result[y*width+x] = v
		}
	}

	return result, width, height, nil
}

// saveStack writes one TIFF per depth slice into dir
func saveStack(dir string, v *models.LabelVolume) error {
	if err := v.Validate(); err != nil {
		return err
	}

	viewer := visualization.NewViewer(v)
	for z := 0; z < v.Depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			return err
		}
		filename := filepath.Join(dir, fmt.Sprintf("slice_%03d.tif", z))
		if err := viewer.SaveSlice(img, filename); err != nil {
			return fmt.Errorf("failed to write %s: %w", filename, err)
		}
	}
	return nil
}
