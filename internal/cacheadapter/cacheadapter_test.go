package cacheadapter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and answers from a canned script of
// per-path results.
type fakeRunner struct {
	calls   [][]string
	present map[string]bool
	fail    map[string]bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	path := args[len(args)-1]
	if f.fail[path] {
		return "attic: connection refused", fmt.Errorf("exit status 1")
	}
	if name == "nix" && !f.present[path] {
		return "path not valid", fmt.Errorf("exit status 1")
	}
	return "", nil
}

func newTestAdapter(config Config, runner *fakeRunner) *Adapter {
	a := New(config, nil)
	a.run = runner.run
	return a
}

func TestDerivationCached_EmptyOutputListIsTriviallyCached(t *testing.T) {
	runner := &fakeRunner{}
	a := newTestAdapter(Config{CacheURL: "https://cache.example.org"}, runner)

	cached, err := a.DerivationCached(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Empty(t, runner.calls, "no subprocess should run for an empty output list")
}

func TestDerivationCached_AllOutputsPresent(t *testing.T) {
	runner := &fakeRunner{present: map[string]bool{"/nix/store/aaa": true, "/nix/store/bbb": true}}
	a := newTestAdapter(Config{CacheURL: "https://cache.example.org"}, runner)

	cached, err := a.DerivationCached(context.Background(), []string{"/nix/store/aaa", "/nix/store/bbb"})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Len(t, runner.calls, 2)
}

func TestDerivationCached_ShortCircuitsOnFirstMiss(t *testing.T) {
	runner := &fakeRunner{present: map[string]bool{"/nix/store/bbb": true}}
	a := newTestAdapter(Config{CacheURL: "https://cache.example.org"}, runner)

	cached, err := a.DerivationCached(context.Background(), []string{"/nix/store/aaa", "/nix/store/bbb"})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, runner.calls, 1, "the second output must not be queried after a miss")
}

func TestDerivationCached_QueryErrorIsTreatedAsMiss(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"/nix/store/aaa": true}}
	a := newTestAdapter(Config{CacheURL: "https://cache.example.org"}, runner)

	cached, err := a.DerivationCached(context.Background(), []string{"/nix/store/aaa"})
	require.NoError(t, err, "a query error must not surface as a job failure")
	assert.False(t, cached)
}

func TestDerivationCached_NoCacheURLDisablesLookups(t *testing.T) {
	runner := &fakeRunner{}
	a := newTestAdapter(Config{}, runner)

	cached, err := a.DerivationCached(context.Background(), []string{"/nix/store/aaa"})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Empty(t, runner.calls)
}

func TestUploadOutputs_PushesEveryOutputDespiteIndividualFailures(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"/nix/store/bbb": true}}
	a := newTestAdapter(Config{AtticCacheName: "ci"}, runner)

	err := a.UploadOutputs(context.Background(), []string{"/nix/store/aaa", "/nix/store/bbb", "/nix/store/ccc"})
	require.Error(t, err)
	assert.Len(t, runner.calls, 3, "a failed push must not stop the remaining uploads")
	assert.Contains(t, err.Error(), "/nix/store/bbb")
}

func TestUploadOutputs_NoCacheNameDisablesUploads(t *testing.T) {
	runner := &fakeRunner{}
	a := newTestAdapter(Config{}, runner)

	require.NoError(t, a.UploadOutputs(context.Background(), []string{"/nix/store/aaa"}))
	assert.Empty(t, runner.calls)
}
