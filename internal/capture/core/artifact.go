package core

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Artifact is the immutable result of concatenating a recording's chunks.
type Artifact struct {
	kind   Kind
	mime   string
	data   []byte
	chunks int
}

// NewArtifact concatenates chunks in order into a new artifact tagged with
// the MIME type of kind. The chunk payloads are copied.
func NewArtifact(kind Kind, chunks []Chunk) *Artifact {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}

	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}

	return &Artifact{
		kind:   kind,
		mime:   kind.MIMEType(),
		data:   data,
		chunks: len(chunks),
	}
}

// Kind returns the media kind.
func (a *Artifact) Kind() Kind { return a.kind }

// MIMEType returns the artifact's MIME tag.
func (a *Artifact) MIMEType() string { return a.mime }

// Size returns the artifact length in bytes.
func (a *Artifact) Size() int { return len(a.data) }

// ChunkCount returns how many chunks the artifact was built from.
func (a *Artifact) ChunkCount() int { return a.chunks }

// Bytes returns a copy of the artifact contents.
func (a *Artifact) Bytes() []byte {
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out
}

// NewReader returns a reader over the artifact contents.
func (a *Artifact) NewReader() io.Reader {
	return bytes.NewReader(a.data)
}

// WriteTo implements io.WriterTo.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.data)
	return int64(n), err
}

// SuggestedFilename returns the download name, prefixed with the kind when
// prefix is true (used when both artifacts land in one directory).
func (a *Artifact) SuggestedFilename(prefix bool) string {
	if !prefix {
		return DefaultFilename
	}
	return strings.Join([]string{string(a.kind), DefaultFilename}, "-")
}

// Save writes the artifact into dir under its suggested filename and returns
// the path written.
func (a *Artifact) Save(dir string, prefix bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, a.SuggestedFilename(prefix))
	if err := os.WriteFile(path, a.data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

// LoadArtifact reads a previously written artifact of the given kind.
func LoadArtifact(kind Kind, r io.Reader) (*Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	return &Artifact{kind: kind, mime: kind.MIMEType(), data: data, chunks: 1}, nil
}
