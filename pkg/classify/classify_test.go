package classify

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func dicomBytes() []byte {
	data := make([]byte, 200)
	copy(data[128:], "DICM")
	return data
}

func TestParseDatasetType(t *testing.T) {
	for name, want := range map[string]DatasetType{"PHILIPS_REC": PhilipsRec, "DICOM": Dicom, "OTHER": Other} {
		got, err := ParseDatasetType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}

	_, err := ParseDatasetType("NIFTI")
	var unsupported *UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "NIFTI", unsupported.Type)

	_, err = ParseDatasetType("dicom")
	require.ErrorAs(t, err, &unsupported)
}

func TestClassifyPhilipsRec(t *testing.T) {
	dir := t.TempDir()
	par1 := writeFile(t, filepath.Join(dir, "a.par"), []byte("par"))
	rec1 := writeFile(t, filepath.Join(dir, "a.rec"), []byte("rec"))
	rec2 := writeFile(t, filepath.Join(dir, "sub", "b.rec"), []byte("rec"))
	par2 := writeFile(t, filepath.Join(dir, "sub", "deeper", "b.par"), []byte("par"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "upper.REC"), []byte("x"))
	writeFile(t, filepath.Join(dir, "a.recx"), []byte("x"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.rec"), 0o755))

	files, err := Classify(dir, PhilipsRec, nil)
	require.NoError(t, err)

	require.Len(t, files, 4)
	assert.ElementsMatch(t, []string{rec1, rec2}, files[:2])
	assert.ElementsMatch(t, []string{par1, par2}, files[2:])
}

func TestClassifyDicomByContent(t *testing.T) {
	dir := t.TempDir()
	dcm := writeFile(t, filepath.Join(dir, "no_extension"), dicomBytes())
	nested := writeFile(t, filepath.Join(dir, "series", "img.txt"), dicomBytes())
	writeFile(t, filepath.Join(dir, "fake.dcm"), []byte("not a dicom file at all"))
	writeFile(t, filepath.Join(dir, "short"), []byte("DICM"))
	wrongOffset := make([]byte, 200)
	copy(wrongOffset[0:], "DICM")
	writeFile(t, filepath.Join(dir, "offset0"), wrongOffset)

	files, err := Classify(dir, Dicom, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dcm, nested}, files)
}

func TestClassifyOther(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a.txt"), []byte("a"))
	b := writeFile(t, filepath.Join(dir, "x", "y", "b.bin"), []byte("b"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	files, err := Classify(dir, Other, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, files)
}

func TestClassifySymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := writeFile(t, filepath.Join(t.TempDir(), "target.txt"), []byte("t"))
	good := filepath.Join(dir, "good")
	require.NoError(t, os.Symlink(target, good))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "dangling")))

	files, err := Classify(dir, Other, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{good}, files)
}

func TestClassifyPattern(t *testing.T) {
	dir := t.TempDir()
	keep := writeFile(t, filepath.Join(dir, "keep", "a.rec"), []byte("r"))
	writeFile(t, filepath.Join(dir, "drop", "b.rec"), []byte("r"))

	// Search-from-start: a bare fragment does not match in the middle of the path.
	re, err := CompilePattern("keep")
	require.NoError(t, err)
	files, err := Classify(dir, PhilipsRec, re)
	require.NoError(t, err)
	assert.Empty(t, files)

	re, err = CompilePattern(".*/keep/")
	require.NoError(t, err)
	files, err = Classify(dir, PhilipsRec, re)
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, files)
}

func TestCompilePattern(t *testing.T) {
	re, err := CompilePattern("")
	require.NoError(t, err)
	assert.Nil(t, re)

	re, err = CompilePattern("a|b")
	require.NoError(t, err)
	assert.True(t, re.MatchString("bcd"))
	assert.False(t, re.MatchString("cab"))

	_, err = CompilePattern("(unclosed")
	require.Error(t, err)
}

func TestClassifyMissingDirectory(t *testing.T) {
	_, err := Classify(filepath.Join(t.TempDir(), "nope"), Other, nil)
	require.Error(t, err)
}

func TestClassifyUnsupported(t *testing.T) {
	_, err := Classify(t.TempDir(), DatasetType(99), nil)
	var unsupported *UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
}

func TestClassifyIsRestartable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.dcm"), dicomBytes())

	first, err := Classify(dir, Dicom, nil)
	require.NoError(t, err)
	second, err := Classify(dir, Dicom, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
