package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct{ name string }

func (p namedProvider) Name() string { return p.name }
func (p namedProvider) Analyze(context.Context, AnalyzeRequest) (Result, error) {
	return Result{}, nil
}
func (p namedProvider) Synthesize(context.Context, SynthesizeRequest) (Result, error) {
	return Result{}, nil
}

func TestRegistryOpen(t *testing.T) {
	reg := NewRegistry()
	reg.Register("alpha", func(key string) (Provider, error) { return namedProvider{name: "alpha"}, nil })
	reg.Register("broken", func(key string) (Provider, error) { return nil, errors.New("bad key format") })

	p, err := reg.Open(" Alpha ", "k")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name())

	_, err = reg.Open("alpha", "")
	require.Error(t, err)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "alpha", unavailable.Provider)
	assert.True(t, IsUnavailable(err))

	_, err = reg.Open("broken", "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = reg.Open("missing", "k")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.False(t, IsUnavailable(err))
}

func TestRegistryNamesAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	f := func(string) (Provider, error) { return namedProvider{}, nil }
	reg.Register("zeta", f)
	reg.Register("alpha", f)

	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
	assert.True(t, reg.Has("ZETA"))
	assert.False(t, reg.Has("gamma"))
	assert.Panics(t, func() { reg.Register("alpha", f) })
}
