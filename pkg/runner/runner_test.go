package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMessageDecode(t *testing.T) {
	data := `{
		"name": "convert",
		"taskInfo": 17,
		"files": [[1, "d", "f.txt", 10], [2, "d", "g", 3, "abc"]],
		"outputDirectory": "{{BASE_PATH}}/out",
		"commandLine": "echo hi",
		"outputs": [{"type": "x", "regex": ".*\\.dcm", "datasetType": "DICOM"}],
		"target": [42, "folder"],
		"script": "ZWNobyBoaQ==",
		"scriptPath": "{{BASE_PATH}}/run.sh"
	}`

	var msg TaskMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))

	assert.Equal(t, "convert", msg.Name)
	assert.Equal(t, "17", msg.TaskInfoID)
	assert.Equal(t, []FileRef{
		{ID: "1", DirName: "d", Filename: "f.txt", Size: 10},
		{ID: "2", DirName: "d", Filename: "g", Size: 3, Hash: "abc"},
	}, msg.Files)
	assert.Zero(t, msg.SkippedFiles)
	assert.Equal(t, []OutputSpec{{Type: "x", Regex: `.*\.dcm`, DatasetType: "DICOM"}}, msg.Outputs)
	assert.Equal(t, &Target{ID: "42", Type: "folder"}, msg.Target)
	assert.Equal(t, "{{BASE_PATH}}/run.sh", msg.ScriptPath)
}

func TestTaskMessageSkipsMalformedFiles(t *testing.T) {
	tests := []struct {
		name    string
		files   string
		kept    int
		skipped int
	}{
		{name: "three elements", files: `[[1, "d", "f"]]`, skipped: 1},
		{name: "six elements", files: `[[1, "d", "f", 1, "h", "x"]]`, skipped: 1},
		{name: "size as string", files: `[[1, "d", "f.txt", "10"]]`, kept: 1},
		{name: "size null", files: `[[1, "d", "f.txt", null]]`, kept: 1},
		{name: "size fractional", files: `[[1, "d", "f.txt", 10.5]]`, kept: 1},
		{name: "size not numeric", files: `[[1, "d", "f.txt", "big"]]`, kept: 1},
		{name: "numeric hash", files: `[[1, "d", "f.txt", 10, 12345]]`, kept: 1},
		{name: "object hash", files: `[[1, "d", "f.txt", 10, {"md5": "x"}]]`, kept: 1},
		{name: "missing filename", files: `[[1, "d", "", 10]]`, skipped: 1},
		{name: "dirname not a string", files: `[[1, 2, "f", 1]]`, skipped: 1},
		{name: "not an array", files: `[{"id": 1}]`, skipped: 1},
		{name: "mixed", files: `[[1, "d", "f", 1], [2, "d"], [3, "d", "g", 2, null]]`, kept: 2, skipped: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg TaskMessage
			require.NoError(t, json.Unmarshal([]byte(`{"name":"t","files":`+tt.files+`}`), &msg))
			assert.Len(t, msg.Files, tt.kept)
			assert.Equal(t, tt.skipped, msg.SkippedFiles)
		})
	}
}

func TestFileRefLenientFields(t *testing.T) {
	var msg TaskMessage
	files := `[[1, "d", "a", "10"], [2, "d", "b", 10.5], [3, "d", "c", null, 12345], [4, "d", "e", 7, "abc"]]`
	require.NoError(t, json.Unmarshal([]byte(`{"name":"t","files":`+files+`}`), &msg))
	require.Len(t, msg.Files, 4)

	assert.Equal(t, int64(10), msg.Files[0].Size)
	assert.Equal(t, int64(10), msg.Files[1].Size)
	assert.Equal(t, int64(0), msg.Files[2].Size)
	assert.Equal(t, "12345", msg.Files[2].Hash)
	assert.Equal(t, "abc", msg.Files[3].Hash)
}

func TestTaskMessageOptionalFields(t *testing.T) {
	var msg TaskMessage
	require.NoError(t, json.Unmarshal([]byte(`{"name":"t","taskInfo":null,"commandLine":"true"}`), &msg))
	assert.Empty(t, msg.TaskInfoID)
	assert.Nil(t, msg.Target)
	assert.Empty(t, msg.Files)
}

func TestTargetDecode(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Target
	}{
		{name: "pair", data: `[42, "folder"]`, want: Target{ID: "42", Type: "folder"}},
		{name: "string id", data: `["a1", "series"]`, want: Target{ID: "a1", Type: "series"}},
		{name: "legacy serie", data: `[5, "serie"]`, want: Target{ID: "5", Type: "series"}},
		{name: "object", data: `{"id": 8, "type": "folder"}`, want: Target{ID: "8", Type: "folder"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Target
			require.NoError(t, json.Unmarshal([]byte(tt.data), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	var bad Target
	assert.Error(t, json.Unmarshal([]byte(`[1, "folder", "extra"]`), &bad))
}

func TestTaskMessageEncodeRoundTrip(t *testing.T) {
	in := TaskMessage{
		Name:        "t",
		TaskInfoID:  "5",
		Files:       []FileRef{{ID: "1", DirName: "d", Filename: "f", Size: 2, Hash: "h"}},
		CommandLine: "true",
		Target:      &Target{ID: "3", Type: "series"},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out TaskMessage
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
