package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "KIND", Key: "kind"},
		{Header: "LABEL", Key: "label"},
	}, []map[string]any{
		{"kind": "audio", "label": "\033[36mBuilt-in Microphone\033[0m"},
		{"kind": "video", "label": "FaceTime"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "KIND  LABEL", lines[0])
	assert.Equal(t, "----- -------------------", lines[1])
	assert.Equal(t, "video FaceTime", lines[3])
	assert.Contains(t, lines[2], "Built-in Microphone")
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "ID", Key: "id"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
