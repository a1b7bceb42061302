package evaluator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvalJobs_ParsesNewlineDelimitedJSON(t *testing.T) {
	e := New(nil)
	input := strings.Join([]string{
		`{"attr":"packages.x86_64-linux.hello","drvPath":"/nix/store/abc-hello.drv","outputs":{"out":"/nix/store/abc-hello"},"system":"x86_64-linux"}`,
		``,
		`{"attr":"packages.x86_64-linux.world","drvPath":"/nix/store/def-world.drv","outputs":{"out":"/nix/store/def-world","dev":"/nix/store/def-world-dev"},"system":"x86_64-linux"}`,
	}, "\n")

	jobs, err := e.decodeEvalJobs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "packages.x86_64-linux.hello", jobs[0].Attr)
	assert.Equal(t, "/nix/store/abc-hello.drv", jobs[0].DrvPath)
	assert.Equal(t, "x86_64-linux", jobs[0].System)
	assert.Len(t, jobs[1].Outputs, 2)
}

func TestDecodeEvalJobs_SkipsPerAttributeErrors(t *testing.T) {
	e := New(nil)
	input := strings.Join([]string{
		`{"attr":"packages.x86_64-linux.broken","error":"attribute does not evaluate"}`,
		`{"attr":"packages.x86_64-linux.hello","drvPath":"/nix/store/abc-hello.drv","outputs":{"out":"/nix/store/abc-hello"},"system":"x86_64-linux"}`,
	}, "\n")

	jobs, err := e.decodeEvalJobs(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "/nix/store/abc-hello.drv", jobs[0].DrvPath)
}

func TestDecodeEvalJobs_MalformedLineIsAnError(t *testing.T) {
	e := New(nil)
	_, err := e.decodeEvalJobs(strings.NewReader(`{"attr": not json`))
	assert.Error(t, err)
}
