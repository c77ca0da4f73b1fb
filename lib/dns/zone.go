package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"go.uber.org/zap"
)

// ErrZoneNotFound reports that no hosted zone serves the requested domain.
// This is fatal: the operator has to fix the DNS setup before re-applying.
var ErrZoneNotFound = errors.New("hosted zone not found")

// ZoneResolver looks up the hosted zone responsible for a domain name.
type ZoneResolver struct {
	client route53iface.Route53API
	log    *zap.Logger
}

// NewZoneResolver returns a ZoneResolver over the given Route53 client.
func NewZoneResolver(client route53iface.Route53API, log *zap.Logger) *ZoneResolver {
	return &ZoneResolver{client: client, log: log.Named("zone")}
}

// Resolve returns the ID of the zone whose name is the longest matching
// suffix of domain.
func (z *ZoneResolver) Resolve(ctx context.Context, domain string) (string, error) {
	name := fqdn(domain)
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")

	for i := range labels {
		candidate := strings.Join(labels[i:], ".") + "."
		out, err := z.client.ListHostedZonesByNameWithContext(ctx, &route53.ListHostedZonesByNameInput{
			DNSName: aws.String(candidate),
		})
		if err != nil {
			return "", fmt.Errorf("listing hosted zones for %s: %w", candidate, err)
		}
		for _, hz := range out.HostedZones {
			if aws.StringValue(hz.Name) == candidate {
				id := strings.TrimPrefix(aws.StringValue(hz.Id), "/hostedzone/")
				z.log.Debug("resolved hosted zone",
					zap.String("domain", domain), zap.String("zone", id))
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w for %s", ErrZoneNotFound, domain)
}
