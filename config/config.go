package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/edgefront/edgefront/config/domain"
	"github.com/edgefront/edgefront/lib/listener"
)

// Duration lets TOML carry values like "5m" for time.Duration fields.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// StackConfig is the stack definition file (edgefront.toml): which domain to
// terminate, which load balancer to bind, and which instances to serve it.
// Network topology and the instances themselves are provisioned elsewhere and
// arrive here as opaque identifiers.
type StackConfig struct {
	Domain         domain.Spec `toml:"domain"`
	AlternateNames []string    `toml:"alternate_names"`

	LoadBalancerARN string   `toml:"load_balancer_arn" validate:"required"`
	VpcID           string   `toml:"vpc_id" validate:"required"`
	PublicSubnetIDs []string `toml:"public_subnet_ids"`
	InstanceIDs     []string `toml:"instance_ids" validate:"min=1"`

	ListenerPort int64  `toml:"listener_port" validate:"min=1,max=65535"`
	TargetPort   int64  `toml:"target_port" validate:"min=1,max=65535"`
	TargetGroup  string `toml:"target_group"`

	// ValidationTimeout bounds the wait for certificate issuance. DNS
	// propagation has no fixed completion time, so this is the only knob
	// that turns a stuck validation into a reportable failure.
	ValidationTimeout Duration `toml:"validation_timeout"`

	HealthCheck listener.HealthCheckPolicy `toml:"health_check"`
}

var validate = validator.New()

// Load reads, defaults, and validates a stack definition file.
func Load(path string) (*StackConfig, error) {
	var cfg StackConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decoding stack config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid stack config %s: %w", path, err)
	}
	if err := cfg.Domain.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *StackConfig) applyDefaults() {
	if c.Domain.Stage == "" {
		c.Domain.Stage = domain.StageProd
	}
	if c.ListenerPort == 0 {
		c.ListenerPort = 443
	}
	if c.TargetPort == 0 {
		c.TargetPort = 80
	}
	if c.ValidationTimeout.Duration == 0 {
		c.ValidationTimeout.Duration = 5 * time.Minute
	}
	if c.HealthCheck == (listener.HealthCheckPolicy{}) {
		c.HealthCheck = listener.DefaultHealthCheck()
	}
	if c.TargetGroup == "" && c.Domain.Root != "" {
		c.TargetGroup = TargetGroupName(c.FQDN())
	}
}

// FQDN is the public domain name this stack terminates.
func (c *StackConfig) FQDN() string {
	return c.Domain.FQDN()
}

// TargetGroupName derives a valid ELB target group name from a domain name.
// Names are limited to 32 alphanumeric-or-hyphen characters.
func TargetGroupName(fqdn string) string {
	name := strings.ReplaceAll(fqdn, ".", "-")
	name = strings.ReplaceAll(name, "*", "wild")
	if len(name) > 32 {
		name = name[:32]
	}
	return strings.Trim(name, "-")
}
