package dns

import "strings"

// RecordSpec describes one DNS record to publish.
type RecordSpec struct {
	Name  string `json:"name"` // fully qualified record name
	Type  string `json:"type"` // route53 record type, e.g. CNAME
	Value string `json:"value"`
	TTL   int64  `json:"ttl"`
}

// RecordHandle identifies a record that has been written to a zone.
type RecordHandle struct {
	ZoneID string
	Name   string
	Type   string
}

// AliasTarget is the endpoint an alias record points at. HostedZoneID is the
// endpoint's canonical zone (a property of the load balancer), not the zone
// the alias record lives in.
type AliasTarget struct {
	DNSName      string
	HostedZoneID string
}

// fqdn ensures the trailing dot Route53 uses on record names.
func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
