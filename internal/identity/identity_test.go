package identity

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURIs(t *testing.T, raw ...string) []*url.URL {
	t.Helper()
	out := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func TestIdentity_URNs(t *testing.T) {
	assert.Equal(t, []string{"urn:wendy:org:42", "urn:wendy:org:42:user:u1"}, User(42, "u1").URNs())
	assert.Equal(t, []string{"urn:wendy:org:7", "urn:wendy:org:7:asset:dev-1"}, Asset(7, "dev-1").URNs())
}

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{name: "user", id: User(1, "alice")},
		{name: "asset", id: Asset(1, "pi")},
		{name: "empty", id: Identity{OrganizationID: 1}, wantErr: true},
		{name: "both", id: Identity{OrganizationID: 1, UserID: "a", AssetID: "b"}, wantErr: true},
		{name: "colon", id: User(1, "a:b"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentity)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromURIs(t *testing.T) {
	t.Run("round trip user", func(t *testing.T) {
		uris, err := User(42, "u1").URIs()
		require.NoError(t, err)

		id, err := FromURIs(append(uris, mustURIs(t, "urn:wendy:session:abc")...))
		require.NoError(t, err)
		assert.Equal(t, User(42, "u1"), id)
	})

	t.Run("round trip asset", func(t *testing.T) {
		uris, err := Asset(3, "cam").URIs()
		require.NoError(t, err)

		id, err := FromURIs(uris)
		require.NoError(t, err)
		assert.Equal(t, KindAsset, id.Kind())
		assert.Equal(t, "cam", id.Subject())
	})

	t.Run("missing organization", func(t *testing.T) {
		_, err := FromURIs(mustURIs(t, "urn:other:org:1", "spiffe://wendy/x"))
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})

	t.Run("conflicting organizations", func(t *testing.T) {
		_, err := FromURIs(mustURIs(t, "urn:wendy:org:1", "urn:wendy:org:2:user:x"))
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})
}

func TestPeerIdentityMatcher(t *testing.T) {
	t.Run("org only", func(t *testing.T) {
		m := ForOrg(5)
		assert.NoError(t, m.Match(mustURIs(t, "urn:wendy:org:5", "urn:wendy:org:5:user:bob")))

		err := m.Match(mustURIs(t, "urn:wendy:org:6"))
		var pe *PeerIdentityError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "urn:wendy:org:5", pe.Missing)
		assert.Equal(t, []string{"urn:wendy:org:6"}, pe.Received)
	})

	t.Run("asset required", func(t *testing.T) {
		m := ForAsset(5, "pi")
		assert.NoError(t, m.Match(mustURIs(t, "urn:wendy:org:5", "urn:wendy:org:5:asset:pi")))
		assert.Error(t, m.Match(mustURIs(t, "urn:wendy:org:5", "urn:wendy:org:5:asset:other")))
		assert.Error(t, m.Match(mustURIs(t, "urn:wendy:org:5")))
	})

	t.Run("prefix is not a match", func(t *testing.T) {
		assert.Error(t, ForOrg(5).Match(mustURIs(t, "urn:wendy:org:55")))
	})

	t.Run("nil certificate", func(t *testing.T) {
		assert.Error(t, ForOrg(1).MatchCertificate(nil))
	})
}
