package chatsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStore(t *testing.T) {
	t.Run("empty store has no active session", func(t *testing.T) {
		s := NewCredentialStore()
		_, err := s.Current()
		assert.ErrorIs(t, err, ErrNoActiveSession)
		assert.False(t, s.Expiring(time.Hour))
	})

	t.Run("set replaces wholesale", func(t *testing.T) {
		s := NewCredentialStore()
		s.Set(Credential{Token: "one", Endpoint: "https://a.example.com"})
		s.Set(Credential{Token: "two", Endpoint: "https://b.example.com"})

		cred, err := s.Current()
		require.NoError(t, err)
		assert.Equal(t, "two", cred.Token)
		assert.Equal(t, "https://b.example.com", cred.Endpoint)
	})

	t.Run("expiring within lookahead", func(t *testing.T) {
		s := NewCredentialStore()
		s.Set(Credential{Token: "t", ExpiresAt: time.Now().Add(30 * time.Second)})
		assert.True(t, s.Expiring(time.Minute))
		assert.False(t, s.Expiring(time.Second))
	})

	t.Run("no expiry hint means not expiring", func(t *testing.T) {
		s := NewCredentialStore()
		s.Set(Credential{Token: "t"})
		assert.False(t, s.Expiring(24*time.Hour))
	})

	t.Run("clear drops the credential", func(t *testing.T) {
		s := NewCredentialStore()
		s.Set(Credential{Token: "t"})
		s.Clear()
		_, err := s.Current()
		assert.ErrorIs(t, err, ErrNoActiveSession)
	})
}
