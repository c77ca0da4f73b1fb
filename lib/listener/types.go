package listener

// HealthCheckPolicy controls how a target group probes its backends. The
// per-check timeout must not exceed the probe interval.
type HealthCheckPolicy struct {
	IntervalSeconds    int64  `toml:"interval_seconds" validate:"min=5,max=300"`
	TimeoutSeconds     int64  `toml:"timeout_seconds" validate:"min=2,ltefield=IntervalSeconds"`
	Path               string `toml:"path" validate:"required,startswith=/"`
	Matcher            string `toml:"matcher" validate:"required"`
	HealthyThreshold   int64  `toml:"healthy_threshold" validate:"min=2,max=10"`
	UnhealthyThreshold int64  `toml:"unhealthy_threshold" validate:"min=2,max=10"`
}

// DefaultHealthCheck is used when the stack file does not override probing.
func DefaultHealthCheck() HealthCheckPolicy {
	return HealthCheckPolicy{
		IntervalSeconds:    30,
		TimeoutSeconds:     5,
		Path:               "/",
		Matcher:            "200",
		HealthyThreshold:   3,
		UnhealthyThreshold: 3,
	}
}

// Listener is the provisioner's view of one HTTPS listener on a load
// balancer, including the public endpoint dependents need for alias records.
type Listener struct {
	ARN            string
	Port           int64
	Protocol       string
	CertificateARN string
	TargetGroupARN string
	Endpoint       string // load balancer public DNS name
	EndpointZoneID string // canonical hosted zone of the endpoint
}
