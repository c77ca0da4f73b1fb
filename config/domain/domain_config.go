package domain

import (
	"fmt"
	"strings"
)

// StageType defines allowed deployment stages.
type StageType string

const (
	// StageProd is the production stage
	StageProd StageType = "prod"
	// StageDev is the development stage
	StageDev StageType = "dev"
)

// ParseStage converts a raw string into a StageType, returning an error for invalid values.
func ParseStage(s string) (StageType, error) {
	switch StageType(s) {
	case StageProd, StageDev:
		return StageType(s), nil
	default:
		return "", fmt.Errorf("invalid stage %q", s)
	}
}

// Spec encapsulates the hosted root domain, the stage, an optional leaf
// subdomain, and (for dev) a mandatory DevPrefix. It builds FQDNs by
// prepending labels before the root domain.
type Spec struct {
	Root      string    `toml:"root" validate:"required,fqdn"`
	Stage     StageType `toml:"stage" validate:"omitempty,oneof=prod dev"`
	Sub       string    `toml:"sub"`
	DevPrefix string    `toml:"dev_prefix"`
}

// Validate checks stage/prefix consistency before any FQDN is derived.
func (s Spec) Validate() error {
	if _, err := ParseStage(string(s.Stage)); err != nil {
		return err
	}
	if s.Stage == StageProd && s.DevPrefix != "" {
		return fmt.Errorf("dev_prefix must be empty for prod stages")
	}
	if s.Stage == StageDev && s.DevPrefix == "" {
		return fmt.Errorf("dev deployments must set dev_prefix")
	}
	return nil
}

// fqdnParts returns labels in order: Sub (if any), DevPrefix (dev only), Root.
// Spec must have been validated; misuse here is a programming error.
func (s Spec) fqdnParts() []string {
	if err := s.Validate(); err != nil {
		panic(err)
	}
	parts := []string{}
	if s.Sub != "" {
		parts = append(parts, s.Sub)
	}
	if s.Stage == StageDev {
		parts = append(parts, s.DevPrefix)
	}
	parts = append(parts, s.Root)
	return parts
}

// FQDN returns the fully-qualified domain by joining fqdnParts with a dot.
func (s Spec) FQDN() string {
	return strings.Join(s.fqdnParts(), ".")
}

// Subdomain returns a fully-qualified subdomain for the given label.
// It prepends the label to the Spec's FQDN parts, e.g., "api.dev.example.com".
func (s Spec) Subdomain(label string) string {
	parts := append([]string{label}, s.fqdnParts()...)
	return strings.Join(parts, ".")
}
