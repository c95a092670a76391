package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "5531999998888", "5531999998888"},
		{"formatted input", "+55 (31) 99999-8888", "5531999998888"},
		{"bare national with ninth digit", "31999998888", "5531999998888"},
		{"bare national landline", "3133334444", "553133334444"},
		{"ninth digit inserted for low ddd", "551198887777", "5511998887777"},
		{"ninth digit not inserted above threshold", "553198887777", "553198887777"},
		{"landline untouched for low ddd", "551133334444", "551133334444"},
		{"foreign number untouched", "441632960961", "441632960961"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeEmpty(t *testing.T) {
	n := NewNormalizer()

	_, err := n.Normalize("")
	assert.ErrorIs(t, err, ErrEmptyNumber)

	_, err = n.Normalize("abc -()")
	assert.ErrorIs(t, err, ErrEmptyNumber)
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer()

	inputs := []string{
		"5531999998888",
		"+55 11 98887-7777",
		"551198887777",
		"553133334444",
		"31999998888",
		"441632960961",
	}

	for _, in := range inputs {
		once, err := n.Normalize(in)
		require.NoError(t, err)
		twice, err := n.Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", in)
	}
}

func TestAltCandidate(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"drops ninth digit", "5531999998888", "553199998888", true},
		{"adds ninth digit", "553198887777", "5531998887777", true},
		{"landline has no alternate", "553133334444", "", false},
		{"foreign prefix has no alternate", "14155552671", "", false},
		{"too short", "5531", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := n.AltCandidate(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCustomThreshold(t *testing.T) {
	n := Normalizer{Country: "55", NinthDigitDDDMax: 99}

	got, err := n.Normalize("553198887777")
	require.NoError(t, err)
	assert.Equal(t, "5531998887777", got)
}
