package certstore

import (
	"errors"
	"fmt"

	"github.com/wendylabs/wendy/internal/identity"
)

// ErrNoCredentials is returned when no stored entry satisfies a selector.
var ErrNoCredentials = errors.New("no stored credentials")

// Candidate is a stored entry together with the deployment that issued it.
type Candidate struct {
	Target Target
	Entry  CertificateEntry
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s @ %s", c.Entry.Identity(), c.Target.DashboardURL)
}

// Selector picks one candidate when several credentials are stored.
type Selector interface {
	Select(candidates []Candidate) (Candidate, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func([]Candidate) (Candidate, error)

// Select implements Selector.
func (f SelectorFunc) Select(candidates []Candidate) (Candidate, error) {
	return f(candidates)
}

// Candidates flattens every stored entry in file order.
func (c PersistedConfig) Candidates() []Candidate {
	var out []Candidate
	for _, r := range c.Auth {
		for _, e := range r.Certificates {
			out = append(out, Candidate{Target: r.Target(), Entry: e})
		}
	}
	return out
}

// FirstMatch selects the first candidate.
func FirstMatch() Selector {
	return SelectorFunc(func(candidates []Candidate) (Candidate, error) {
		if len(candidates) == 0 {
			return Candidate{}, ErrNoCredentials
		}
		return candidates[0], nil
	})
}

// ByTarget narrows to one deployment before delegating to next (FirstMatch
// when nil). Empty fields match anything.
func ByTarget(dashboardURL, grpcHost string, next Selector) Selector {
	return filter(func(c Candidate) bool {
		return (dashboardURL == "" || c.Target.DashboardURL == dashboardURL) &&
			(grpcHost == "" || c.Target.GRPCHost == grpcHost)
	}, next)
}

// ByIdentity narrows to entries for id before delegating to next.
func ByIdentity(id identity.Identity, next Selector) Selector {
	return filter(func(c Candidate) bool {
		return c.Entry.Identity() == id
	}, next)
}

// ByOrganization narrows to entries belonging to orgID.
func ByOrganization(orgID int32, next Selector) Selector {
	return filter(func(c Candidate) bool {
		return c.Entry.OrganizationID == orgID
	}, next)
}

func filter(keep func(Candidate) bool, next Selector) Selector {
	if next == nil {
		next = FirstMatch()
	}
	return SelectorFunc(func(candidates []Candidate) (Candidate, error) {
		var matched []Candidate
		for _, c := range candidates {
			if keep(c) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			return Candidate{}, ErrNoCredentials
		}
		return next.Select(matched)
	})
}

// Select loads the config and applies sel.
func (s *Store) Select(sel Selector) (Candidate, error) {
	if sel == nil {
		sel = FirstMatch()
	}
	return sel.Select(s.Load().Candidates())
}

// AssetsOnly narrows to device entries.
func AssetsOnly(next Selector) Selector {
	return filter(func(c Candidate) bool {
		return c.Entry.AssetID != ""
	}, next)
}
