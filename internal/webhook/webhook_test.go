package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

type fakeLauncher struct {
	launched []models.WorkflowOrigin
	err      error
}

func (f *fakeLauncher) LaunchWorkflow(origin models.WorkflowOrigin) (models.WorkflowID, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.launched = append(f.launched, origin)
	return models.WorkflowID(len(f.launched)), nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, api *GitHubWebhookAPI, eventType string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.HandleWebhook(rec, req)

	resp := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

const pushBody = `{
	"ref": "refs/heads/main",
	"after": "1111111111111111111111111111111111111111",
	"head_commit": {"id": "2222222222222222222222222222222222222222"},
	"repository": {"clone_url": "https://github.com/example/repo.git"}
}`

func TestHandleWebhook_PushUsesAfterCommitAndStripsRefPrefix(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	rec, resp := deliver(t, api, "push", []byte(pushBody), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", resp["status"])

	require.Len(t, launcher.launched, 1)
	origin := launcher.launched[0]
	assert.Equal(t, "1111111111111111111111111111111111111111", origin.Commit)
	assert.Equal(t, "main", origin.Branch)
	assert.Equal(t, "refs/heads/main", origin.Ref)
	assert.Equal(t, "https://github.com/example/repo.git", origin.CloneURL)
}

func TestHandleWebhook_PushFallsBackToHeadCommitID(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	body := []byte(`{
		"ref": "refs/heads/main",
		"head_commit": {"id": "2222222222222222222222222222222222222222"},
		"repository": {"clone_url": "https://github.com/example/repo.git"}
	}`)
	rec, _ := deliver(t, api, "push", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, launcher.launched, 1)
	assert.Equal(t, "2222222222222222222222222222222222222222", launcher.launched[0].Commit)
}

func TestHandleWebhook_SignatureVerification(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("topsecret", launcher, logger.NoOpFactory)
	body := []byte(pushBody)

	// Valid signature is accepted.
	rec, resp := deliver(t, api, "push", body, map[string]string{
		"X-Hub-Signature-256": sign("topsecret", body),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", resp["status"])

	// Wrong secret is rejected with 401 before any parsing.
	rec, resp = deliver(t, api, "push", body, map[string]string{
		"X-Hub-Signature-256": sign("wrong", body),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ignored", resp["status"])

	// Missing header is rejected too.
	rec, _ = deliver(t, api, "push", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Len(t, launcher.launched, 1)
}

func TestHandleWebhook_MalformedJSONIsBadRequest(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	rec, resp := deliver(t, api, "push", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, launcher.launched)
}

func TestHandleWebhook_UnhandledEventTypeIsIgnored(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	rec, resp := deliver(t, api, "ping", []byte(`{"zen": "Keep it logically awesome."}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, launcher.launched)
}

func prBody(action string) []byte {
	return []byte(`{
		"action": "` + action + `",
		"number": 42,
		"pull_request": {"head": {"sha": "3333333333333333333333333333333333333333", "ref": "feature"}},
		"repository": {"clone_url": "https://github.com/example/repo.git"}
	}`)
}

func TestHandleWebhook_PullRequestHandledActions(t *testing.T) {
	for _, action := range []string{"opened", "synchronize", "reopened"} {
		launcher := &fakeLauncher{}
		api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

		rec, resp := deliver(t, api, "pull_request", prBody(action), nil)
		assert.Equal(t, http.StatusOK, rec.Code, action)
		assert.Equal(t, "processed", resp["status"], action)
		require.Len(t, launcher.launched, 1, action)
		origin := launcher.launched[0]
		assert.Equal(t, "pr-42", origin.Branch)
		assert.Equal(t, "refs/pull/42/head", origin.Ref)
		assert.Equal(t, "3333333333333333333333333333333333333333", origin.Commit)
	}
}

func TestHandleWebhook_PullRequestOtherActionsAreIgnored(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	rec, resp := deliver(t, api, "pull_request", prBody("closed"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, launcher.launched)
}

func TestHandleWebhook_BranchDeletionPushIsIgnored(t *testing.T) {
	launcher := &fakeLauncher{}
	api := NewGitHubWebhookAPI("", launcher, logger.NoOpFactory)

	body := []byte(`{
		"ref": "refs/heads/gone",
		"after": "0000000000000000000000000000000000000000",
		"repository": {"clone_url": "https://github.com/example/repo.git"}
	}`)
	rec, resp := deliver(t, api, "push", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", resp["status"])
	assert.Empty(t, launcher.launched)
}
