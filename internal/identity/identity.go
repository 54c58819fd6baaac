// Package identity describes the organization-scoped identities carried in
// wendy certificates and the URNs that encode them.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Namespace is the URN namespace used for every identity URN.
const Namespace = "wendy"

// Kind distinguishes the subject of an identity.
type Kind string

const (
	// KindUser identifies a CLI user.
	KindUser Kind = "user"
	// KindAsset identifies a device (asset).
	KindAsset Kind = "asset"
)

// ErrInvalidIdentity is returned when an identity is incomplete or ambiguous.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is an organization-scoped subject. Exactly one of UserID and
// AssetID is set.
type Identity struct {
	OrganizationID int32  `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	AssetID        string `json:"assetId,omitempty"`
}

// User returns a user identity.
func User(orgID int32, userID string) Identity {
	return Identity{OrganizationID: orgID, UserID: userID}
}

// Asset returns a device identity.
func Asset(orgID int32, assetID string) Identity {
	return Identity{OrganizationID: orgID, AssetID: assetID}
}

// Kind reports whether the identity names a user or an asset.
func (i Identity) Kind() Kind {
	if i.AssetID != "" {
		return KindAsset
	}
	return KindUser
}

// Subject returns the user or asset id, whichever is set.
func (i Identity) Subject() string {
	if i.AssetID != "" {
		return i.AssetID
	}
	return i.UserID
}

// Validate checks that the identity names exactly one subject.
func (i Identity) Validate() error {
	switch {
	case i.UserID == "" && i.AssetID == "":
		return fmt.Errorf("%w: user or asset id is required", ErrInvalidIdentity)
	case i.UserID != "" && i.AssetID != "":
		return fmt.Errorf("%w: both user and asset id set", ErrInvalidIdentity)
	case strings.Contains(i.Subject(), ":"):
		return fmt.Errorf("%w: subject %q must not contain ':'", ErrInvalidIdentity, i.Subject())
	}
	return nil
}

// String renders the identity for humans, e.g. "org 42 / user u1".
func (i Identity) String() string {
	return fmt.Sprintf("org %d / %s %s", i.OrganizationID, i.Kind(), i.Subject())
}

// OrgURN returns urn:wendy:org:<org>.
func OrgURN(orgID int32) string {
	return fmt.Sprintf("urn:%s:org:%d", Namespace, orgID)
}

// AssetURN returns urn:wendy:org:<org>:asset:<asset>.
func AssetURN(orgID int32, assetID string) string {
	return fmt.Sprintf("%s:%s:%s", OrgURN(orgID), KindAsset, assetID)
}

// UserURN returns urn:wendy:org:<org>:user:<user>.
func UserURN(orgID int32, userID string) string {
	return fmt.Sprintf("%s:%s:%s", OrgURN(orgID), KindUser, userID)
}

// SessionURN returns urn:wendy:session:<id>.
func SessionURN(sessionID string) string {
	return fmt.Sprintf("urn:%s:session:%s", Namespace, sessionID)
}

// URNs returns the organization URN followed by the subject URN.
func (i Identity) URNs() []string {
	subject := UserURN(i.OrganizationID, i.UserID)
	if i.Kind() == KindAsset {
		subject = AssetURN(i.OrganizationID, i.AssetID)
	}
	return []string{OrgURN(i.OrganizationID), subject}
}

// URIs returns URNs as URL values suitable for x509 URI SANs.
func (i Identity) URIs() ([]*url.URL, error) {
	urns := i.URNs()
	out := make([]*url.URL, 0, len(urns))
	for _, urn := range urns {
		u, err := url.Parse(urn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse urn %q: %w", urn, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// FromURIs reconstructs an identity from a certificate's URI SANs.
// The organization URN and exactly one subject URN must be present.
func FromURIs(uris []*url.URL) (Identity, error) {
	var (
		id     Identity
		orgSet bool
	)
	for _, u := range uris {
		if u == nil {
			continue
		}
		parts, ok := splitURN(u.String())
		if !ok || len(parts) < 2 || parts[0] != "org" {
			continue
		}
		org, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: bad organization in %q", ErrInvalidIdentity, u.String())
		}
		if orgSet && int32(org) != id.OrganizationID {
			return Identity{}, fmt.Errorf("%w: conflicting organizations", ErrInvalidIdentity)
		}
		id.OrganizationID = int32(org)
		orgSet = true

		if len(parts) != 4 {
			continue
		}
		switch Kind(parts[2]) {
		case KindUser:
			id.UserID = parts[3]
		case KindAsset:
			id.AssetID = parts[3]
		}
	}
	if !orgSet {
		return Identity{}, fmt.Errorf("%w: no organization urn", ErrInvalidIdentity)
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// splitURN returns the components after "urn:wendy:".
func splitURN(s string) ([]string, bool) {
	prefix := "urn:" + Namespace + ":"
	if !strings.HasPrefix(s, prefix) {
		return nil, false
	}
	return strings.Split(strings.TrimPrefix(s, prefix), ":"), true
}
