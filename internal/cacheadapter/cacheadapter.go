// Package cacheadapter answers whether a derivation's outputs already
// exist in the artifact cache, and ships outputs to it after a
// successful build. Both contracts shell out: presence is tested with
// "nix path-info --store <url> <path>" and uploads go through
// "attic push <cache> <path>". Cache population is best-effort; a
// query error is treated as a miss.
package cacheadapter

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/alessio/shellescape"

	"github.com/icicle-ci/icicle/internal/icicleerr"
	"github.com/icicle-ci/icicle/internal/logger"
)

// Config names the lookup and push targets.
type Config struct {
	// CacheURL is the substituter queried for presence. An empty URL
	// disables lookups: every job with declared outputs builds, while a
	// job with no declared outputs is still reported as cached.
	CacheURL string
	// AtticCacheName is the push target. An empty name disables uploads.
	AtticCacheName string
}

// runCommandFunc runs one subprocess and returns its combined stderr
// text alongside the error, so failures carry diagnostics. Swapped out
// in tests.
type runCommandFunc func(ctx context.Context, name string, args ...string) (stderr string, err error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	// Subprocess stderr can contain terminal control sequences; strip
	// them before the text reaches logs or the history store.
	return shellescape.StripUnsafe(stderr.String()), err
}

// Adapter implements the two cache contracts against a Nix binary
// cache fronted by attic.
type Adapter struct {
	config Config
	run    runCommandFunc
	log    logger.Log
}

// New returns a cache Adapter for the given targets.
func New(config Config, log logger.Log) *Adapter {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Adapter{
		config: config,
		run:    runCommand,
		log:    log,
	}
}

// DerivationCached reports whether every output path is already
// present in the cache. An empty output list is trivially cached. The
// check short-circuits on the first miss; a query error is logged and
// reported as a miss rather than failing the job.
func (a *Adapter) DerivationCached(ctx context.Context, outputs []string) (bool, error) {
	if len(outputs) == 0 {
		return true, nil
	}
	if a.config.CacheURL == "" {
		return false, nil
	}
	for _, output := range outputs {
		stderr, err := a.run(ctx, "nix", "path-info", "--store", a.config.CacheURL, output)
		if err != nil {
			a.log.WithField("output", output).Debugf("cache query missed: %v (%s)", err, stderr)
			return false, nil
		}
	}
	return true, nil
}

// UploadOutputs pushes every output to the attic cache. Individual
// failures are collected and returned so the caller can log them, but
// the remaining outputs are still attempted: cache population is
// best-effort and never fails a build.
func (a *Adapter) UploadOutputs(ctx context.Context, outputs []string) error {
	if a.config.AtticCacheName == "" || len(outputs) == 0 {
		return nil
	}
	var result icicleerr.Accumulator
	for _, output := range outputs {
		stderr, err := a.run(ctx, "attic", "push", a.config.AtticCacheName, output)
		if err != nil {
			result.Addf("pushing %s to cache %s: %s: %v", output, a.config.AtticCacheName, stderr, err)
		}
	}
	return result.ErrorOrNil()
}
