package models

// Derivation is an immutable build recipe identified by a stable
// path-shaped key. Equality between derivations is by DrvPath alone;
// the remaining fields are descriptive.
type Derivation struct {
	// Name is a human-readable identifier, usually the evaluator's
	// attribute path for this job (e.g. "packages.x86_64-linux.hello").
	Name string `json:"name"`
	// DrvPath is the canonical, content-addressed identifier of this
	// derivation. It is the node key in the scheduler's DAG.
	DrvPath string `json:"drv_path"`
	// System is the target platform tag (e.g. "x86_64-linux").
	System string `json:"system"`
	// Outputs are the content-addressed store paths this derivation
	// produces when built.
	Outputs []string `json:"outputs"`
	// InputDrvs are the DrvPaths of other derivations in the same
	// closed set that this derivation depends on. The evaluator adapter
	// is responsible for resolving this to a closed set; paths that
	// reference a derivation outside the set are silently not wired as
	// edges (logged by the scheduler as a warning).
	InputDrvs []string `json:"input_drvs"`
}

// Equal reports whether two derivations share the same identity.
func (d Derivation) Equal(other Derivation) bool {
	return d.DrvPath == other.DrvPath
}
