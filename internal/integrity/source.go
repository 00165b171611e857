package integrity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"docpipe/internal/pipeline"
)

// DocumentName is the default file name of a governing document.
const DocumentName = "BLUEPRINT.md"

// FileSource reads governing documents laid out as <Root>/<project>/<Name>.
type FileSource struct {
	Root string
	Name string // defaults to DocumentName
}

// Path returns where the governing document of project lives.
func (f FileSource) Path(project string) string {
	name := f.Name
	if name == "" {
		name = DocumentName
	}
	return filepath.Join(f.Root, project, name)
}

func (f FileSource) Read(project string) (string, error) {
	data, err := os.ReadFile(f.Path(project))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", pipeline.ErrNotFound, f.Path(project))
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MemorySource is an in-memory DocumentSource.
type MemorySource map[string]string

func (m MemorySource) Read(project string) (string, error) {
	text, ok := m[project]
	if !ok {
		return "", fmt.Errorf("%w: document for %s", pipeline.ErrNotFound, project)
	}
	return text, nil
}
