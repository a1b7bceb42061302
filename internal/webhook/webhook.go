// Package webhook ingests GitHub repository events: it verifies the
// HMAC-SHA256 body signature when a shared secret is configured,
// decodes push and pull_request payloads, and hands a WorkflowOrigin
// to the launcher. Every response is JSON with a "status" field of
// either "processed" or "ignored".
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v28/github"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

const (
	eventHeader     = "X-GitHub-Event"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	// maxBodyBytes bounds webhook payload reads; GitHub caps event
	// payloads at 25MB.
	maxBodyBytes = 25 << 20
)

// handledPRActions are the pull_request actions that trigger a
// workflow; every other action is acknowledged and ignored.
var handledPRActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// Launcher starts a workflow for an incoming repository event. The
// returned id is included in the webhook response; evaluation and
// scheduling happen asynchronously after LaunchWorkflow returns.
type Launcher interface {
	LaunchWorkflow(origin models.WorkflowOrigin) (models.WorkflowID, error)
}

// GitHubWebhookAPI is the handler for POST /webhook/github.
type GitHubWebhookAPI struct {
	secret   []byte
	launcher Launcher
	log      logger.Log
}

func NewGitHubWebhookAPI(secret string, launcher Launcher, logFactory logger.Factory) *GitHubWebhookAPI {
	return &GitHubWebhookAPI{
		secret:   []byte(secret),
		launcher: launcher,
		log:      logFactory("WebhookAPI"),
	}
}

type webhookResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	WorkflowID int64  `json:"workflow_id,omitempty"`
}

func (a *GitHubWebhookAPI) respond(w http.ResponseWriter, code int, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleWebhook verifies, decodes and dispatches one event.
func (a *GitHubWebhookAPI) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.respond(w, http.StatusBadRequest, webhookResponse{Status: "ignored", Reason: "unreadable body"})
		return
	}

	if len(a.secret) > 0 {
		if !a.verifySignature(body, r.Header.Get(signatureHeader)) {
			a.log.Warn("webhook delivery rejected: signature mismatch")
			a.respond(w, http.StatusUnauthorized, webhookResponse{Status: "ignored", Reason: "signature mismatch"})
			return
		}
	}

	eventType := r.Header.Get(eventHeader)
	switch eventType {
	case "push":
		a.handlePush(w, body)
	case "pull_request":
		a.handlePullRequest(w, body)
	default:
		a.respond(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: fmt.Sprintf("unhandled event type %q", eventType)})
	}
}

// verifySignature checks the sha256=<hex> HMAC of the raw body in
// constant time.
func (a *GitHubWebhookAPI) verifySignature(body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func (a *GitHubWebhookAPI) handlePush(w http.ResponseWriter, body []byte) {
	event := &github.PushEvent{}
	if err := json.Unmarshal(body, event); err != nil {
		a.respond(w, http.StatusBadRequest, webhookResponse{Status: "ignored", Reason: "malformed push payload"})
		return
	}

	commit := event.GetAfter()
	if commit == "" {
		commit = event.GetHeadCommit().GetID()
	}
	ref := event.GetRef()
	cloneURL := event.GetRepo().GetCloneURL()
	if commit == "" || ref == "" || cloneURL == "" {
		a.respond(w, http.StatusBadRequest, webhookResponse{Status: "ignored", Reason: "push payload missing commit, ref or clone URL"})
		return
	}

	// A push that deletes a branch has an all-zero after commit.
	if commit == strings.Repeat("0", 40) {
		a.respond(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: "branch deletion"})
		return
	}

	origin := models.WorkflowOrigin{
		CloneURL: cloneURL,
		Commit:   commit,
		Branch:   strings.TrimPrefix(ref, "refs/heads/"),
		Ref:      ref,
	}
	a.launch(w, origin)
}

func (a *GitHubWebhookAPI) handlePullRequest(w http.ResponseWriter, body []byte) {
	event := &github.PullRequestEvent{}
	if err := json.Unmarshal(body, event); err != nil {
		a.respond(w, http.StatusBadRequest, webhookResponse{Status: "ignored", Reason: "malformed pull_request payload"})
		return
	}

	action := event.GetAction()
	if !handledPRActions[action] {
		a.respond(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: fmt.Sprintf("unhandled pull_request action %q", action)})
		return
	}

	number := event.GetNumber()
	commit := event.GetPullRequest().GetHead().GetSHA()
	cloneURL := event.GetRepo().GetCloneURL()
	if number == 0 || commit == "" || cloneURL == "" {
		a.respond(w, http.StatusBadRequest, webhookResponse{Status: "ignored", Reason: "pull_request payload missing number, head SHA or clone URL"})
		return
	}

	origin := models.WorkflowOrigin{
		CloneURL: cloneURL,
		Commit:   commit,
		Branch:   fmt.Sprintf("pr-%d", number),
		Ref:      fmt.Sprintf("refs/pull/%d/head", number),
	}
	a.launch(w, origin)
}

func (a *GitHubWebhookAPI) launch(w http.ResponseWriter, origin models.WorkflowOrigin) {
	workflowID, err := a.launcher.LaunchWorkflow(origin)
	if err != nil {
		a.log.Errorf("failed to launch workflow for %s@%s: %v", origin.CloneURL, origin.Commit, err)
		a.respond(w, http.StatusInternalServerError, webhookResponse{Status: "ignored", Reason: "failed to launch workflow"})
		return
	}
	a.log.WithFields(logger.Fields{
		"workflow_id": int64(workflowID),
		"commit":      origin.Commit,
		"branch":      origin.Branch,
	}).Info("workflow launched")
	a.respond(w, http.StatusOK, webhookResponse{Status: "processed", WorkflowID: int64(workflowID)})
}
