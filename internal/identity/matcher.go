package identity

import (
	"crypto/x509"
	"fmt"
	"net/url"
)

// PeerIdentityMatcher decides whether a peer certificate belongs to the
// expected organization and, optionally, the expected asset.
type PeerIdentityMatcher struct {
	ExpectedOrgID   int32
	ExpectedAssetID string
}

// PeerIdentityError reports a peer whose SAN set did not contain a required URN.
type PeerIdentityError struct {
	Missing  string
	Received []string
}

func (e *PeerIdentityError) Error() string {
	return fmt.Sprintf("peer identity mismatch: certificate lacks %s (has %v)", e.Missing, e.Received)
}

// ForOrg returns a matcher that requires membership in orgID.
func ForOrg(orgID int32) *PeerIdentityMatcher {
	return &PeerIdentityMatcher{ExpectedOrgID: orgID}
}

// ForAsset returns a matcher that requires the given device identity.
func ForAsset(orgID int32, assetID string) *PeerIdentityMatcher {
	return &PeerIdentityMatcher{ExpectedOrgID: orgID, ExpectedAssetID: assetID}
}

// Required returns the URNs a peer must present.
func (m PeerIdentityMatcher) Required() []string {
	required := []string{OrgURN(m.ExpectedOrgID)}
	if m.ExpectedAssetID != "" {
		required = append(required, AssetURN(m.ExpectedOrgID, m.ExpectedAssetID))
	}
	return required
}

// Match checks a set of URI SANs against the expectation.
func (m PeerIdentityMatcher) Match(uris []*url.URL) error {
	have := make(map[string]struct{}, len(uris))
	received := make([]string, 0, len(uris))
	for _, u := range uris {
		if u == nil {
			continue
		}
		s := u.String()
		have[s] = struct{}{}
		received = append(received, s)
	}

	for _, urn := range m.Required() {
		if _, ok := have[urn]; !ok {
			return &PeerIdentityError{Missing: urn, Received: received}
		}
	}
	return nil
}

// MatchCertificate checks the leaf certificate of a peer.
func (m PeerIdentityMatcher) MatchCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return &PeerIdentityError{Missing: OrgURN(m.ExpectedOrgID)}
	}
	return m.Match(cert.URIs)
}
