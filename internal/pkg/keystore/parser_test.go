package keystore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSecrets(t *testing.T) {
	a, _ := genSecret(t)
	b, _ := genSecret(t)

	input := strings.Join([]string{
		"# candidate secrets for the staging peers",
		"",
		a.Hex() + "  bob  staging",
		"not-a-secret",
		"   " + b.Multibase(),
	}, "\n")

	candidates, errs := ParseSecrets(strings.NewReader(input))
	require.Len(t, candidates, 2)
	assert.Equal(t, Candidate{Secret: a.Hex(), Label: "bob staging"}, candidates[0])
	assert.Equal(t, Candidate{Secret: b.Multibase()}, candidates[1])

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidSecret)
	assert.Contains(t, errs[0].Error(), "line 4")
}

func TestStore_AddAll(t *testing.T) {
	a, _ := genSecret(t)
	b, _ := genSecret(t)

	s := New(Config{})
	n, err := s.AddAll([]Candidate{{Secret: a.Hex()}, {Secret: b.Hex(), Label: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())
}
