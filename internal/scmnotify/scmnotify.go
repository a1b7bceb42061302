// Package scmnotify posts commit statuses back to GitHub as workflows
// progress, authenticated as a GitHub App installation. Posting is
// best-effort: a failed status update is logged and never blocks
// scheduling.
package scmnotify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v28/github"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

const (
	maxCharsInCommitStatus = 140
	statusContextText      = "icicle" // Context text to appear in status updates from us on GitHub
)

// Config authenticates the notifier as a GitHub App installation. A
// zero AppID disables status posting entirely.
type Config struct {
	AppID          int64
	PrivateKeyPath string
	InstallationID int64
	// StatusTargetURL is the base URL linked from posted statuses,
	// typically this server's dashboard.
	StatusTargetURL string
}

// Notifier posts commit statuses. The zero-value-disabled form (from a
// Config with no AppID) accepts every call and does nothing.
type Notifier struct {
	client *github.Client
	config Config
	log    logger.Log
}

// New builds a Notifier. When config.AppID is zero a disabled notifier
// is returned and no credentials are read.
func New(config Config, logFactory logger.Factory) (*Notifier, error) {
	log := logFactory("SCMNotify")
	if config.AppID == 0 {
		log.Info("GitHub App not configured, commit status updates disabled")
		return &Notifier{config: config, log: log}, nil
	}

	privateKey, err := os.ReadFile(config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("error reading GitHub App private key: %w", err)
	}

	// Status posts ride a retrying client so a transient GitHub 5xx
	// doesn't drop the update.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	transport, err := ghinstallation.New(retryClient.StandardClient().Transport, config.AppID, config.InstallationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("error loading GitHub app auth: %w", err)
	}
	client := github.NewClient(&http.Client{Transport: transport})

	return &Notifier{client: client, config: config, log: log}, nil
}

// NotifyWorkflowStarted posts a pending status for the workflow's commit.
func (n *Notifier) NotifyWorkflowStarted(ctx context.Context, origin models.WorkflowOrigin, workflowID models.WorkflowID) {
	description := fmt.Sprintf("Build started for %s", origin.Branch)
	n.post(ctx, origin, workflowID, "pending", description)
}

// NotifyWorkflowCompleted posts a success or failure status for the
// workflow's commit, including the error text on failure.
func (n *Notifier) NotifyWorkflowCompleted(ctx context.Context, origin models.WorkflowOrigin, workflowID models.WorkflowID, status models.WorkflowStatus, errText string) {
	var state, description string
	switch status {
	case models.WorkflowStatusCompleted:
		state = "success"
		description = "All builds completed"
	case models.WorkflowStatusFailed:
		state = "failure"
		if errText != "" {
			description = fmt.Sprintf("Build failed: %s", errText)
		} else {
			description = "One or more builds failed"
		}
	default:
		state = "error"
		description = fmt.Sprintf("Unexpected workflow status %q", status)
	}
	n.post(ctx, origin, workflowID, state, description)
}

func (n *Notifier) post(ctx context.Context, origin models.WorkflowOrigin, workflowID models.WorkflowID, state, description string) {
	if n.client == nil {
		return
	}
	owner, repo, err := ParseOwnerRepo(origin.CloneURL)
	if err != nil {
		n.log.Warnf("not posting commit status: %v", err)
		return
	}

	status := &github.RepoStatus{
		State:       github.String(state),
		Description: github.String(truncateDescription(description)),
		Context:     github.String(statusContextText),
	}
	if n.config.StatusTargetURL != "" {
		targetURL := fmt.Sprintf("%s/dashboard", strings.TrimSuffix(n.config.StatusTargetURL, "/"))
		status.TargetURL = github.String(targetURL)
	}

	_, _, err = n.client.Repositories.CreateStatus(ctx, owner, repo, origin.Commit, status)
	if err != nil {
		n.log.WithFields(logger.Fields{
			"workflow_id": int64(workflowID),
			"commit":      origin.Commit,
		}).Warnf("error posting commit status to GitHub: %v", err)
		return
	}
	n.log.WithField("commit", origin.Commit).Debugf("posted commit status %q", state)
}

// truncateDescription shortens a status description to GitHub's
// 140-character limit, marking the cut with an ellipsis. Counted in
// runes so a multi-byte build error doesn't get split mid-character.
func truncateDescription(s string) string {
	runes := []rune(s)
	if len(runes) <= maxCharsInCommitStatus {
		return s
	}
	return string(runes[:maxCharsInCommitStatus-3]) + "..."
}

// ParseOwnerRepo extracts the owner and repository name from a GitHub
// clone URL (https or ssh form).
func ParseOwnerRepo(cloneURL string) (owner string, repo string, err error) {
	trimmed := strings.TrimSuffix(cloneURL, ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")

	var path string
	switch {
	case strings.HasPrefix(trimmed, "git@"):
		// git@github.com:owner/repo
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("unrecognized ssh clone URL %q", cloneURL)
		}
		path = parts[1]
	default:
		// https://github.com/owner/repo
		idx := strings.Index(trimmed, "://")
		if idx == -1 {
			return "", "", fmt.Errorf("unrecognized clone URL %q", cloneURL)
		}
		segments := strings.SplitN(trimmed[idx+3:], "/", 2)
		if len(segments) != 2 {
			return "", "", fmt.Errorf("clone URL %q has no repository path", cloneURL)
		}
		path = segments[1]
	}

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("clone URL %q does not name owner/repo", cloneURL)
	}
	return parts[0], parts[1], nil
}
