package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/multimediallc/idranges/internal/allocation"
	"github.com/multimediallc/idranges/internal/app"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/pkg/ranges"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	tt := []struct {
		name     string
		input    string
		expected []int
		wantErr  bool
	}{
		{"empty", "", []int{}, false},
		{"comma separated", "1,2,3", []int{1, 2, 3}, false},
		{"mixed separators", " 10, 11\n12\t13 ", []int{10, 11, 12, 13}, false},
		{"not a number", "1,x", nil, true},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseIDs(tc.input)
			if tc.wantErr {
				assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := parseRange("2000-2099")
	require.NoError(t, err)
	assert.Equal(t, &ranges.Range{From: 2000, To: 2099}, r)

	r, err = parseRange(" 5 .. 9 ")
	require.NoError(t, err)
	assert.Equal(t, &ranges.Range{From: 5, To: 9}, r)

	r, err = parseRange("")
	require.NoError(t, err)
	assert.Nil(t, r)

	for _, bad := range []string{"10", "a-b", "1-"} {
		_, err := parseRange(bad)
		assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err), bad)
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("Reclaim", "table", 0, "5,6", "", true)
	require.NoError(t, err)
	assert.Equal(t, allocation.Request{
		Mode:       allocation.ModeReclaim,
		ObjectType: "table",
		IDs:        []int{5, 6},
		DryRun:     true,
	}, req)

	_, err = buildRequest("grab", "table", 1, "", "", false)
	assert.Equal(t, failure.InvalidParameter, failure.CodeOf(err))
}

func TestWriteOutput(t *testing.T) {
	od := &app.OutputData{Mode: "preview", ObjectType: "table", IDs: []int{1002, 1003}, Success: true, Warnings: []failure.Warning{}}
	outputFile := filepath.Join(t.TempDir(), "output")

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, outputFile, od))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []any{float64(1002), float64(1003)}, decoded["ids"])
	assert.Equal(t, true, decoded["success"])

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ids=1002,1003\n")
	assert.Contains(t, string(data), "success=true\n")
	assert.Contains(t, string(data), `result={"mode":"preview"`)
}

func TestWriteOutputWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "", &app.OutputData{IDs: []int{}}))
	assert.Contains(t, buf.String(), `"ids":[]`)
}
