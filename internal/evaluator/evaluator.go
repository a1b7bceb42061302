// Package evaluator discovers a closed set of derivations and their
// inter-derivation edges for one workflow: clone the repository at an
// exact commit, enumerate build jobs under an attribute path, and
// resolve each job's transitive requisites down to the subset that is
// itself a job.
package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

// Evaluator clones, evaluates and resolves dependencies for one
// workflow's derivation set.
type Evaluator struct {
	log logger.Log
}

// New returns an Evaluator.
func New(log logger.Log) *Evaluator {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Evaluator{log: log}
}

// Clone shallow-clones cloneURL at ref into a scoped temporary
// directory and checks out commitSHA exactly. The clone is single-use:
// the directory is read once by Evaluate and then released. The
// returned cleanup func is safe to call multiple times and must be
// called on every exit path.
func (e *Evaluator) Clone(ctx context.Context, cloneURL, ref, commitSHA string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "icicle-eval-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("creating scratch directory: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           cloneURL,
		ReferenceName: plumbing.ReferenceName(ref),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	})
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("cloning %s at %s: %w", cloneURL, ref, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commitSHA)})
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("checking out commit %s (unreachable at depth 1 from %s): %w", commitSHA, ref, err)
	}

	return dir, cleanup, nil
}

// nixEvalJob is one newline-delimited JSON record emitted by
// nix-eval-jobs.
type nixEvalJob struct {
	Attr    string            `json:"attr"`
	DrvPath string            `json:"drvPath"`
	Outputs map[string]string `json:"outputs"`
	System  string            `json:"system"`
	Error   string            `json:"error,omitempty"`
}

// Evaluate enumerates the derivations under attrSet in repoDir by
// invoking nix-eval-jobs, then resolves each derivation's transitive
// requisites down to those that are themselves enumerated jobs, one
// nix-store query per job. The returned slice is sorted by DrvPath:
// an arbitrary but stable order.
func (e *Evaluator) Evaluate(ctx context.Context, repoDir, attrSet string) ([]models.Derivation, error) {
	jobs, err := e.enumerateJobs(ctx, repoDir, attrSet)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		known[j.DrvPath] = struct{}{}
	}

	out := make([]models.Derivation, 0, len(jobs))
	for _, j := range jobs {
		requisites, err := e.requisites(ctx, repoDir, j.DrvPath)
		if err != nil {
			// A requisites query failing is logged and treated as "no
			// dependencies found" rather than aborting the whole
			// evaluation - only the enumeration step itself is a hard
			// evaluator failure.
			e.log.WithField("drv_path", j.DrvPath).Warnf("requisites query failed, assuming no inputs: %v", err)
			requisites = nil
		}

		inputs := make([]string, 0, len(requisites))
		for _, r := range requisites {
			if r == j.DrvPath {
				continue
			}
			if _, ok := known[r]; ok {
				inputs = append(inputs, r)
			}
		}
		sort.Strings(inputs)

		outputs := make([]string, 0, len(j.Outputs))
		for _, path := range j.Outputs {
			outputs = append(outputs, path)
		}
		sort.Strings(outputs)

		out = append(out, models.Derivation{
			Name:      j.Attr,
			DrvPath:   j.DrvPath,
			System:    j.System,
			Outputs:   outputs,
			InputDrvs: inputs,
		})
	}

	sort.Slice(out, func(i, k int) bool { return out[i].DrvPath < out[k].DrvPath })
	return out, nil
}

func (e *Evaluator) enumerateJobs(ctx context.Context, repoDir, attrSet string) ([]nixEvalJob, error) {
	flakeAttr := fmt.Sprintf(".#%s", attrSet)
	cmd := exec.CommandContext(ctx, "nix-eval-jobs", "--flake", flakeAttr, "--json", "--show-trace")
	cmd.Dir = repoDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening nix-eval-jobs stdout")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting nix-eval-jobs")
	}

	jobs, err := e.decodeEvalJobs(stdout)
	if err != nil {
		_ = cmd.Wait()
		return nil, err
	}

	if err := cmd.Wait(); err != nil {
		return nil, errors.Wrapf(err, "nix-eval-jobs exited non-zero: %s", stderr.String())
	}
	return jobs, nil
}

// decodeEvalJobs parses the newline-delimited JSON records emitted by
// nix-eval-jobs. Records carrying a per-attribute evaluation error are
// logged and skipped rather than failing the whole enumeration.
func (e *Evaluator) decodeEvalJobs(r io.Reader) ([]nixEvalJob, error) {
	var jobs []nixEvalJob
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var j nixEvalJob
		if err := json.Unmarshal(line, &j); err != nil {
			return nil, errors.Wrapf(err, "parsing nix-eval-jobs output line %q", string(line))
		}
		if j.Error != "" {
			e.log.WithField("attr", j.Attr).Warnf("nix-eval-jobs reported a per-attribute error: %s", j.Error)
			continue
		}
		jobs = append(jobs, j)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading nix-eval-jobs output")
	}
	return jobs, nil
}

func (e *Evaluator) requisites(ctx context.Context, repoDir, drvPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "nix-store", "--query", "--requisites", drvPath)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

