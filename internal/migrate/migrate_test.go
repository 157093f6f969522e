package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesOrderedAndEmbedded(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "0001_init.sql", files[0])
	assert.IsIncreasing(t, files)

	assert.Contains(t, files, "0002_cancelled.sql")

	b, err := fs.ReadFile(files[0])
	require.NoError(t, err)
	for _, table := range []string{"attempts", "exclusions", "holiday_months"} {
		assert.Contains(t, string(b), "CREATE TABLE IF NOT EXISTS "+table)
	}
}
