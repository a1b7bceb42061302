package executor

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"

	"github.com/alessio/shellescape"
	"github.com/pkg/errors"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

// NixBuilder invokes nix-build for one derivation. The caller's
// context carries the per-build deadline; nix-build is killed when it
// expires.
type NixBuilder struct {
	log logger.Log
}

func NewNixBuilder(log logger.Log) *NixBuilder {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &NixBuilder{log: log}
}

// Build runs "nix-build <drvPath> --no-out-link". A non-zero exit is
// returned with the captured (control-sequence-stripped) stderr text,
// which becomes the job's recorded error.
func (b *NixBuilder) Build(ctx context.Context, drv models.Derivation) error {
	cmd := exec.CommandContext(ctx, "nix-build", drv.DrvPath, "--no-out-link")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "nix-build %s: %s", drv.DrvPath, shellescape.StripUnsafe(stderr.String()))
	}
	return nil
}

// QueryOutputs reports the live output paths of a built derivation via
// "nix-store --query --outputs", used when the derivation declared no
// outputs at evaluation time.
func (b *NixBuilder) QueryOutputs(ctx context.Context, drvPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "nix-store", "--query", "--outputs", drvPath)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "querying outputs of %s", drvPath)
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
