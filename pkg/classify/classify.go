// Package classify discovers the output files a task produced, selecting them
// by dataset type and an optional path pattern.
package classify

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DatasetType selects the rule used to harvest output files.
type DatasetType int

const (
	PhilipsRec DatasetType = iota + 1
	Dicom
	Other
)

var datasetTypeNames = map[DatasetType]string{
	PhilipsRec: "PHILIPS_REC",
	Dicom:      "DICOM",
	Other:      "OTHER",
}

func (t DatasetType) String() string {
	if name, ok := datasetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DatasetType(%d)", int(t))
}

// UnsupportedTypeError is returned for dataset types without a classification rule.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported dataset type %q", e.Type)
}

// ParseDatasetType maps the coordinator's dataset type name onto a DatasetType.
func ParseDatasetType(s string) (DatasetType, error) {
	for t, name := range datasetTypeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, &UnsupportedTypeError{Type: s}
}

// CompilePattern compiles a user supplied filter. The pattern has to match at
// the start of the path but may stop anywhere. An empty expression yields nil,
// which matches everything.
func CompilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", expr, err)
	}
	return re, nil
}

// Classify returns the files below dir that belong to dataset type t and whose
// slash separated path matches pattern (nil matches all). Only the walk of dir
// itself can fail; unreadable entries are skipped.
func Classify(dir string, t DatasetType, pattern *regexp.Regexp) ([]string, error) {
	files, err := regularFiles(dir)
	if err != nil {
		return nil, err
	}

	var selected []string
	switch t {
	case PhilipsRec:
		selected = append(withSuffix(files, ".rec"), withSuffix(files, ".par")...)
	case Dicom:
		for _, f := range files {
			if IsDicom(f) {
				selected = append(selected, f)
			}
		}
	case Other:
		selected = files
	default:
		return nil, &UnsupportedTypeError{Type: t.String()}
	}

	if pattern == nil {
		return selected, nil
	}
	matched := selected[:0:0]
	for _, f := range selected {
		if pattern.MatchString(filepath.ToSlash(f)) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

var dicomMagic = []byte("DICM")

// dicomMagicOffset is the length of the DICOM preamble.
const dicomMagicOffset = 128

// IsDicom probes the DICM marker that follows the 128 byte preamble. Any read
// failure counts as "not DICOM".
func IsDicom(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, len(dicomMagic))
	if _, err := f.ReadAt(buf, dicomMagicOffset); err != nil && err != io.EOF {
		return false
	}
	return bytes.Equal(buf, dicomMagic)
}

func withSuffix(files []string, suffix string) []string {
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f, suffix) {
			out = append(out, f)
		}
	}
	return out
}

// regularFiles walks dir in lexical order. Symlinks count when they resolve
// to a regular file; linked directories are not descended into.
func regularFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		switch {
		case d.Type().IsRegular():
			files = append(files, path)
		case d.Type()&fs.ModeSymlink != 0:
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				files = append(files, path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, nil
}
