package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/wendylabs/wendy/internal/logging"
)

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Problems: p}
}

// Validate checks CLI settings.
func (s *Settings) Validate() error {
	var p problems
	if err := ValidateDashboardURL(s.Cloud.DashboardURL); err != nil {
		p.addf("cloud.dashboard_url: %v", err)
	}
	if err := ValidateHostPort(s.Cloud.GRPCHost, true); err != nil {
		p.addf("cloud.grpc_host: %v", err)
	}
	if s.Auth.EnrollTimeout < 0 {
		p.addf("auth.enroll_timeout must not be negative")
	}
	if s.Auth.RefreshMargin < 0 {
		p.addf("auth.refresh_margin must not be negative")
	}
	if s.Auth.RPCTimeout <= 0 {
		p.addf("auth.rpc_timeout must be positive")
	}
	s.Logging.validate(&p)
	return p.err()
}

// Validate checks the agent config.
func (c *AgentConfig) Validate() error {
	var p problems
	if err := ValidateHostPort(c.ListenAddr, false); err != nil {
		p.addf("listen_addr: %v", err)
	}
	if c.StateDir == "" {
		p.addf("state_dir is required")
	}
	if c.CloudHost != "" {
		if err := ValidateHostPort(c.CloudHost, true); err != nil {
			p.addf("cloud_host: %v", err)
		}
	}
	if c.Refresh.Interval <= 0 {
		p.addf("refresh.interval must be positive")
	}
	if c.Refresh.Margin < 0 {
		p.addf("refresh.margin must not be negative")
	}
	c.Logging.validate(&p)
	return p.err()
}

// Validate checks the development cloud config.
func (c *DevCloudConfig) Validate() error {
	var p problems
	if err := ValidateHostPort(c.GRPCAddr, false); err != nil {
		p.addf("grpc_addr: %v", err)
	}
	if c.DashboardAddr != "" {
		if err := ValidateHostPort(c.DashboardAddr, false); err != nil {
			p.addf("dashboard_addr: %v", err)
		}
	}
	if c.CertificateValidity <= 0 {
		p.addf("certificate_validity must be positive")
	}
	if c.RefreshGrace < 0 {
		p.addf("refresh_grace must not be negative")
	}
	if c.TokenTTL <= 0 {
		p.addf("token_ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		switch {
		case u.Username == "":
			p.addf("users[%d].username is required", i)
			continue
		case seen[u.Username]:
			p.addf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			p.addf("users[%d].password_hash is not a bcrypt hash", i)
		}
		if err := u.Identity().Validate(); err != nil {
			p.addf("users[%d]: %v", i, err)
		}
	}
	c.Logging.validate(&p)
	return p.err()
}

func (l LoggingConfig) validate(p *problems) {
	if l.Level == "" {
		return
	}
	if _, ok := logging.LookupLevel(l.Level); !ok {
		p.addf("logging.level: unknown level %q", l.Level)
	}
}

// ValidateDashboardURL accepts an absolute http(s) URL.
func ValidateDashboardURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// ValidateHostPort accepts host:port. With portOptional a bare host is
// accepted too.
func ValidateHostPort(addr string, portOptional bool) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		var addrErr *net.AddrError
		if portOptional && errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return nil
		}
		return err
	}
	return nil
}
