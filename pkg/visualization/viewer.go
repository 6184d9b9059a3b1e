// Package visualization extracts 2D views of label volumes along the three
// volume axes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"cellcount/internal/models"
)

// Viewer extracts axis-aligned slices from a label volume. Label values are
// written verbatim into 16-bit gray images, so an extracted slice can be
// read back into the exact same labels.
type Viewer struct {
	volume *models.LabelVolume
}

// NewViewer creates a viewer over the given volume
func NewViewer(volume *models.LabelVolume) *Viewer {
	return &Viewer{volume: volume}
}

// AxisLength returns the number of slices available along axis
func (v *Viewer) AxisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Width, nil
	case "y", "Y":
		return v.volume.Height, nil
	case "z", "Z":
		return v.volume.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// It fails with models.ErrLabelOverflow if a label does not fit 16 bits.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	n, err := v.AxisLength(axis)
	if err != nil {
		return nil, err
	}
	if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s-axis length %d", position, axis, n)
	}

	vol := v.volume
	var img *image.Gray16
	var px func(a, b int) (x, y, z int)

	switch axis {
	case "x", "X":
		// YZ plane, depth runs along the image x axis
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		px = func(a, b int) (int, int, int) { return position, b, a }
	case "y", "Y":
		// XZ plane
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		px = func(a, b int) (int, int, int) { return a, position, b }
	default:
		// XY plane
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		px = func(a, b int) (int, int, int) { return a, b, position }
	}

	bounds := img.Bounds()
	for b := 0; b < bounds.Dy(); b++ {
		for a := 0; a < bounds.Dx(); a++ {
			x, y, z := px(a, b)
			label := vol.At(z, y, x)
			if label < 0 {
				return nil, fmt.Errorf("%w: value %d at z=%d y=%d x=%d", models.ErrInvalidLabelType, label, z, y, x)
			}
			if label > models.MaxStoredLabel {
				return nil, fmt.Errorf("%w: label %d at z=%d y=%d x=%d", models.ErrLabelOverflow, label, z, y, x)
			}
			img.SetGray16(a, b, color.Gray16{Y: uint16(label)})
		}
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a deflate-compressed 16-bit TIFF
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	maxPos, err := v.AxisLength(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.tif", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
