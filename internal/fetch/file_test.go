package fetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/pkg/types"
)

func TestFileAdapter_ReadsNonEmptyLinesFromMatchedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("first error\n\nsecond error\n"), 0o644))

	adapter := NewFileAdapter(nil)
	t.Cleanup(adapter.Close)

	source := types.LogSource{
		ID:                   "src-1",
		ServiceID:             "web-api",
		Type:                  types.SourceTypeFile,
		ConnectionDescriptor:  map[string]string{"glob": filepath.Join(dir, "*.log")},
	}
	window := Window{Start: time.Now().Add(-time.Hour), End: time.Now()}

	logs, err := adapter.Fetch(context.Background(), source, window)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first error", logs[0].Message)
	assert.Equal(t, "second error", logs[1].Message)
	assert.Equal(t, types.LevelError, logs[0].Level)
}

func TestFileAdapter_MissingGlobDescriptorErrors(t *testing.T) {
	adapter := NewFileAdapter(nil)
	t.Cleanup(adapter.Close)

	_, err := adapter.Fetch(context.Background(), types.LogSource{ID: "src-1"}, Window{})
	assert.Error(t, err)
}

// TestFileAdapter_UnchangedDirectorySkipsReadOnSubsequentFetch exercises the
// fsnotify dirty-flag gate: a second Fetch against a directory with no new
// fsnotify events short-circuits without re-reading the file.
func TestFileAdapter_UnchangedDirectorySkipsReadOnSubsequentFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("first error\n"), 0o644))

	adapter := NewFileAdapter(nil)
	t.Cleanup(adapter.Close)

	source := types.LogSource{
		ID:                   "src-1",
		ServiceID:             "web-api",
		ConnectionDescriptor:  map[string]string{"glob": filepath.Join(dir, "*.log")},
	}
	window := Window{Start: time.Now().Add(-time.Hour), End: time.Now()}

	_, err := adapter.Fetch(context.Background(), source, window)
	require.NoError(t, err)

	source.LastFetchAt = time.Now()
	logs, err := adapter.Fetch(context.Background(), source, window)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
