package classifier_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/cxrlens/internal/classifier"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()

	labels, err := classifier.LoadLabels(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, xray.Labels(), labels)

	list := writeFile(t, dir, "list.json", `["NORMAL","BACTERIAL_PNEUMONIA","VIRAL_PNEUMONIA"]`)
	labels, err = classifier.LoadLabels(list)
	require.NoError(t, err)
	assert.Equal(t, xray.Labels(), labels)

	index := writeFile(t, dir, "index.json", `{"2":"VIRAL_PNEUMONIA","0":"NORMAL","1":"BACTERIAL_PNEUMONIA"}`)
	labels, err = classifier.LoadLabels(index)
	require.NoError(t, err)
	assert.Equal(t, xray.Labels(), labels)

	swapped := writeFile(t, dir, "swapped.json", `["NORMAL","VIRAL_PNEUMONIA","BACTERIAL_PNEUMONIA"]`)
	_, err = classifier.LoadLabels(swapped)
	require.ErrorIs(t, err, xray.ErrConfiguration)

	short := writeFile(t, dir, "short.json", `["NORMAL","PNEUMONIA"]`)
	_, err = classifier.LoadLabels(short)
	require.ErrorIs(t, err, xray.ErrConfiguration)
}

