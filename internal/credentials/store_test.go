package credentials

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
)

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "k")
	t.Setenv(EnvAPISecret, "s")
	store := FromEnv("binance", "")

	id, err := store.GetDefaultAPIKeyID("binance")
	require.NoError(t, err)
	require.Equal(t, "binance-default", id)
	key, err := store.GetAPIKey(id)
	require.NoError(t, err)
	require.Equal(t, "k", key.Key)
	require.Equal(t, "s", key.Secret)
}

func TestMissingKeysAreAuthErrors(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	store := FromEnv("binance", "main")
	_, err := store.GetDefaultAPIKeyID("binance")
	require.True(t, errs.Is(err, errs.CodeAuth))
	_, err = store.GetAPIKey("main")
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestFirstPutBecomesDefault(t *testing.T) {
	store := NewStatic()
	store.Put("binance", APIKey{ID: "a"})
	store.Put("binance", APIKey{ID: "b"})
	id, err := store.GetDefaultAPIKeyID("binance")
	require.NoError(t, err)
	require.Equal(t, "a", id)
}
