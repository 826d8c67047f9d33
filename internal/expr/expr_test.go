package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv struct {
	measures map[string]float64
	members  map[string]float64
	err      error
}

func (e mapEnv) Measure(name string) (float64, bool, error) {
	if e.err != nil {
		return 0, false, e.err
	}
	v, ok := e.measures[name]
	return v, ok, nil
}

func (e mapEnv) Member(name string) (float64, bool, error) {
	v, ok := e.members[name]
	return v, ok, nil
}

func TestParseAndEval(t *testing.T) {
	env := mapEnv{
		measures: map[string]float64{"Revenue": 120, "Cost": 80},
		members:  map[string]float64{"[Product].[Toys]": 10, "[Product].[Games]": 5},
	}

	tests := []struct {
		src  string
		want float64
		ok   bool
	}{
		{"[Revenue] - [Cost]", 40, true},
		{"([Revenue] - [Cost]) / [Revenue]", 40.0 / 120.0, true},
		{"[Product].[Toys] + [Product].[Games]", 15, true},
		{"-[Cost] * 2", -160, true},
		{"1.5 + .5", 2, true},
		{"[Revenue] / 0", 0, false},
		{"[Missing] * 3", 0, false},
		{"[Revenue] - [Missing]", 120, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			n, err := Parse(tt.src)
			require.NoError(t, err)
			got, ok, err := n.Eval(env)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"", "[Revenue", "([A] + 1", "[A] +", "[]", "[A] $ 2"} {
		_, err := Parse(src)
		assert.ErrorIs(t, err, ErrSyntax, src)
	}
}

func TestEvalPropagatesEnvErrors(t *testing.T) {
	boom := errors.New("backend down")
	n, err := Parse("[Revenue] + 1")
	require.NoError(t, err)
	_, _, err = n.Eval(mapEnv{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestReferences(t *testing.T) {
	n, err := Parse("[Revenue] / [Time].[2023] - [Cost]")
	require.NoError(t, err)
	measures, members := References(n)
	assert.Equal(t, []string{"Revenue", "Cost"}, measures)
	assert.Equal(t, []string{"[Time].[2023]"}, members)
}
