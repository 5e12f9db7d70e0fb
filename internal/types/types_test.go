package types

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHypothesisValidate(t *testing.T) {
	tests := []struct {
		name    string
		h       Hypothesis
		wantErr bool
	}{
		{"valid", Hypothesis{ID: "s-c1-hyp-1", Statement: "x", Confidence: 0.5}, false},
		{"missing id", Hypothesis{Statement: "x", Confidence: 0.5}, true},
		{"missing statement", Hypothesis{ID: "a", Confidence: 0.5}, true},
		{"confidence too high", Hypothesis{ID: "a", Statement: "x", Confidence: 1.2}, true},
		{"negative confidence", Hypothesis{ID: "a", Statement: "x", Confidence: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.h.Validate()
			if tt.wantErr {
				var ve *ValidationError
				require.Error(t, err)
				assert.True(t, errors.As(err, &ve))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIDs(t *testing.T) {
	id := HypothesisID("sess", 2, 3)
	assert.Equal(t, "sess-c2-hyp-3", id)
	assert.Equal(t, "sess-c2-hyp-3-evolved-2", EvolvedID(id, 2))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-2))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.4, Clamp01(0.4))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 10.0, Clamp(11, 0, 10))
	assert.Equal(t, 7.2, Round1(7.2499))
}

func TestReflectionNormalize(t *testing.T) {
	r := ReflectionResult{HypothesisID: "h", CoherenceScore: 1.7}.Normalize()
	assert.Equal(t, 1.0, r.CoherenceScore)
	assert.NotNil(t, r.SupportingFacts)
	assert.NotNil(t, r.Contradictions)
	assert.NotNil(t, r.Comments)
}

func TestNewCycleContext(t *testing.T) {
	cc, err := NewCycleContext("s", "future of computing", 1)
	require.NoError(t, err)
	assert.Equal(t, TopHypothesis{}, cc.Top())

	_, err = NewCycleContext("", "q", 1)
	assert.Error(t, err)
	_, err = NewCycleContext("s", "q", 0)
	assert.Error(t, err)
}

func TestSafely(t *testing.T) {
	err := Safely(func() error { panic("boom") })
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)

	assert.NoError(t, Safely(func() error { return nil }))
}

func TestRequire(t *testing.T) {
	err := Require("generation", "query", "")
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.NoError(t, Require("generation", "query", "q"))
}
