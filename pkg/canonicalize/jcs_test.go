package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCSSortsMapKeys(t *testing.T) {
	a, err := JCSString(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, a)
}

func TestJCSIsOrderIndependent(t *testing.T) {
	left, err := JCS(map[string]interface{}{"event": "credential_used", "amount": 25})
	require.NoError(t, err)
	right, err := JCS(map[string]interface{}{"amount": 25, "event": "credential_used"})
	require.NoError(t, err)
	require.Equal(t, left, right)
}

func TestCanonicalHashIsDeterministic(t *testing.T) {
	v := map[string]interface{}{"id": 1, "action": "charge"}
	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashBytesMatchesSHA256OfInput(t *testing.T) {
	h1 := HashBytes([]byte("abc"))
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h1)
	h2 := HashBytes([]byte("abc"))
	require.Equal(t, h1, h2)
	h3 := HashBytes([]byte("abd"))
	require.NotEqual(t, h1, h3)
}
