package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortVersion(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = origVersion, origCommit })

	Version, GitCommit = "v1.2.0", "unknown"
	assert.Equal(t, "v1.2.0", GetShortVersion())

	GitCommit = "0123456789abcdef"
	assert.Equal(t, "v1.2.0-0123456", GetShortVersion())
	assert.Equal(t, "oapx/v1.2.0-0123456", UserAgent())
	assert.Contains(t, GetFullVersion(), "commit: 0123456789abcdef")
}
