// Package storage handles the files read and written by a counting run:
// per-sample folders, label volumes stored as slice stacks, and result
// documents.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cellcount/internal/models"
)

// ErrNoVolume is returned when a volume name resolves to nothing readable
var ErrNoVolume = errors.New("no label volume found")

// ErrUnsupportedImage is returned for image files that cannot be read as a
// label volume or mask
var ErrUnsupportedImage = errors.New("unsupported image")

// Store is the file bookkeeping a counting run depends on
type Store interface {
	// CreateFolder creates a subfolder. Creating an existing folder is a no-op.
	CreateFolder(name string) (string, error)

	// Subfolders lists the immediate subfolders
	Subfolders() ([]string, error)

	// ReadVolume loads the label volume called name from subfolder folder
	ReadVolume(folder, name string) (*models.LabelVolume, error)

	// ReadMask loads the mask called name from subfolder folder
	ReadMask(folder, name string) (*models.RegionMask, error)

	// WriteVolume stores v as name in subfolder folder
	WriteVolume(folder, name string, v *models.LabelVolume) error
}

// Folder is a Store rooted at a directory on disk
type Folder struct {
	Path string
}

// NewFolder returns a Folder rooted at path
func NewFolder(path string) *Folder {
	return &Folder{Path: path}
}

// Name returns the last element of the folder path
func (f *Folder) Name() string {
	return filepath.Base(f.Path)
}

// CreateFolder creates the subfolder name and returns its path
func (f *Folder) CreateFolder(name string) (string, error) {
	dir := filepath.Join(f.Path, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", dir, err)
	}
	return dir, nil
}

// Subfolders returns the full paths of all subfolders, sorted by name
func (f *Folder) Subfolders() ([]string, error) {
	entries, err := os.ReadDir(f.Path)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(f.Path, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ListImages returns the names of all volumes stored in subfolder folder.
// A volume is either a directory of slices or a single image file.
func (f *Folder) ListImages(folder string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.Path, folder))
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || isImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadVolume loads a label volume. name may refer to a slice directory, a
// single image file, or, when neither exists, the directory WriteVolume
// creates for that name. Each page of a multi-page TIFF is one depth slice.
// Label maps must be grayscale.
func (f *Folder) ReadVolume(folder, name string) (*models.LabelVolume, error) {
	return f.readVolume(folder, name, labelPixels)
}

// ReadMask loads a mask the way ReadVolume loads a label volume. Color images
// are accepted; every non-black voxel is foreground.
func (f *Folder) ReadMask(folder, name string) (*models.RegionMask, error) {
	v, err := f.readVolume(folder, name, maskPixels)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(v)
}

func (f *Folder) readVolume(folder, name string, kind pixelKind) (*models.LabelVolume, error) {
	for _, candidate := range []string{name, stem(name)} {
		path := filepath.Join(f.Path, folder, candidate)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			return loadStack(path, kind)
		}
		return loadFile(path, kind)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoVolume, filepath.Join(f.Path, folder, name))
}

// WriteVolume stores v as a directory of 16-bit TIFF slices under
// folder/<name without extension>. Existing slices are replaced.
func (f *Folder) WriteVolume(folder, name string, v *models.LabelVolume) error {
	dir, err := f.CreateFolder(filepath.Join(folder, stem(name)))
	if err != nil {
		return err
	}
	if err := clearSlices(dir); err != nil {
		return err
	}
	return saveStack(dir, v)
}

// WriteJSON writes v as an indented JSON document
func (f *Folder) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", name, err)
	}
	return f.writeFile(name, data)
}

// ReadJSON decodes the JSON document name into v
func (f *Folder) ReadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(f.Path, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing %s: %w", name, err)
	}
	return nil
}

// WriteYAML writes v as a YAML document
func (f *Folder) WriteYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", name, err)
	}
	return f.writeFile(name, data)
}

func (f *Folder) writeFile(name string, data []byte) error {
	path := filepath.Join(f.Path, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func clearSlices(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
