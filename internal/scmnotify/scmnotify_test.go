package scmnotify

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

func TestParseOwnerRepo(t *testing.T) {
	tests := []struct {
		url   string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/example/repo.git", "example", "repo", true},
		{"https://github.com/example/repo", "example", "repo", true},
		{"git@github.com:example/repo.git", "example", "repo", true},
		{"https://github.com/example", "", "", false},
		{"not-a-url", "", "", false},
	}
	for _, tc := range tests {
		owner, repo, err := ParseOwnerRepo(tc.url)
		if tc.ok {
			require.NoError(t, err, tc.url)
			assert.Equal(t, tc.owner, owner, tc.url)
			assert.Equal(t, tc.repo, repo, tc.url)
		} else {
			assert.Error(t, err, tc.url)
		}
	}
}

func TestTruncateDescription(t *testing.T) {
	assert.Equal(t, "short", truncateDescription("short"))

	long := strings.Repeat("x", 200)
	got := truncateDescription(long)
	assert.Len(t, []rune(got), 140)
	assert.True(t, strings.HasSuffix(got, "..."))

	multibyte := strings.Repeat("é", 200)
	got = truncateDescription(multibyte)
	assert.Len(t, []rune(got), 140)
}

func TestDisabledNotifierAcceptsCallsWithoutCredentials(t *testing.T) {
	n, err := New(Config{}, logger.NoOpFactory)
	require.NoError(t, err)

	origin := models.WorkflowOrigin{
		CloneURL: "https://github.com/example/repo.git",
		Commit:   "1111111111111111111111111111111111111111",
		Branch:   "main",
	}
	// Neither call may panic or attempt network I/O.
	n.NotifyWorkflowStarted(context.Background(), origin, 1)
	n.NotifyWorkflowCompleted(context.Background(), origin, 1, models.WorkflowStatusCompleted, "")
}

func TestNew_MissingPrivateKeyIsAnError(t *testing.T) {
	_, err := New(Config{AppID: 1234, PrivateKeyPath: "/does/not/exist.pem", InstallationID: 1}, logger.NoOpFactory)
	assert.Error(t, err)
}
