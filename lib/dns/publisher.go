package dns

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"go.uber.org/zap"

	"github.com/edgefront/edgefront/lib/awsclient"
)

// ErrRecordConflict reports an existing record with the same name and type
// when overwriting is disabled.
var ErrRecordConflict = errors.New("conflicting record exists")

// Publisher writes records into hosted zones. Publishing is convergent by
// default: an existing record with the same name is replaced, so a re-run
// after partial failure settles on the desired value instead of failing.
type Publisher struct {
	client route53iface.Route53API
	log    *zap.Logger
}

// NewPublisher returns a Publisher over the given Route53 client.
func NewPublisher(client route53iface.Route53API, log *zap.Logger) *Publisher {
	return &Publisher{client: client, log: log.Named("dns")}
}

// Publish writes rec into the zone. With overwrite disabled it fails with
// ErrRecordConflict when a record of the same name and type already exists.
func (p *Publisher) Publish(ctx context.Context, zoneID string, rec RecordSpec, overwrite bool) (*RecordHandle, error) {
	name := fqdn(rec.Name)
	if !overwrite {
		existing, err := p.lookup(ctx, zoneID, name, rec.Type)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s %s", ErrRecordConflict, rec.Type, name)
		}
	}

	change := &route53.Change{
		Action: aws.String(route53.ChangeActionUpsert),
		ResourceRecordSet: &route53.ResourceRecordSet{
			Name: aws.String(name),
			Type: aws.String(rec.Type),
			TTL:  aws.Int64(rec.TTL),
			ResourceRecords: []*route53.ResourceRecord{
				{Value: aws.String(rec.Value)},
			},
		},
	}
	if err := p.apply(ctx, zoneID, change); err != nil {
		return nil, err
	}

	p.log.Info("published record",
		zap.String("zone", zoneID), zap.String("name", name), zap.String("type", rec.Type))
	return &RecordHandle{ZoneID: zoneID, Name: name, Type: rec.Type}, nil
}

// PublishAlias writes an A alias from name to target. Target health
// evaluation keeps the answer out of DNS while every backend is unhealthy.
func (p *Publisher) PublishAlias(ctx context.Context, zoneID, name string, target AliasTarget) (*RecordHandle, error) {
	change := &route53.Change{
		Action: aws.String(route53.ChangeActionUpsert),
		ResourceRecordSet: &route53.ResourceRecordSet{
			Name: aws.String(fqdn(name)),
			Type: aws.String(route53.RRTypeA),
			AliasTarget: &route53.AliasTarget{
				DNSName:              aws.String(fqdn(target.DNSName)),
				HostedZoneId:         aws.String(target.HostedZoneID),
				EvaluateTargetHealth: aws.Bool(true),
			},
		},
	}
	if err := p.apply(ctx, zoneID, change); err != nil {
		return nil, err
	}

	p.log.Info("published alias record",
		zap.String("zone", zoneID), zap.String("name", name), zap.String("target", target.DNSName))
	return &RecordHandle{ZoneID: zoneID, Name: fqdn(name), Type: route53.RRTypeA}, nil
}

// Delete removes a previously published record. An absent record or zone is
// not an error: teardown must succeed when the create step never ran.
func (p *Publisher) Delete(ctx context.Context, zoneID, name, rtype string) error {
	existing, err := p.lookup(ctx, zoneID, fqdn(name), rtype)
	if err != nil {
		if errors.Is(err, ErrZoneNotFound) {
			return nil
		}
		return err
	}
	if existing == nil {
		return nil
	}

	change := &route53.Change{
		Action:            aws.String(route53.ChangeActionDelete),
		ResourceRecordSet: existing,
	}
	if err := p.apply(ctx, zoneID, change); err != nil {
		return err
	}
	p.log.Info("deleted record",
		zap.String("zone", zoneID), zap.String("name", name), zap.String("type", rtype))
	return nil
}

// lookup fetches the exact record set for (name, type), or nil if absent.
func (p *Publisher) lookup(ctx context.Context, zoneID, name, rtype string) (*route53.ResourceRecordSet, error) {
	out, err := p.client.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: aws.String(rtype),
		MaxItems:        aws.String("1"),
	})
	if err != nil {
		if awsclient.ErrCode(err) == route53.ErrCodeNoSuchHostedZone {
			return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
		}
		return nil, fmt.Errorf("listing records in zone %s: %w", zoneID, err)
	}
	for _, rrs := range out.ResourceRecordSets {
		if aws.StringValue(rrs.Name) == name && aws.StringValue(rrs.Type) == rtype {
			return rrs, nil
		}
	}
	return nil, nil
}

func (p *Publisher) apply(ctx context.Context, zoneID string, change *route53.Change) error {
	in := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch:  &route53.ChangeBatch{Changes: []*route53.Change{change}},
	}
	err := awsclient.Retry(ctx, func() error {
		_, changeErr := p.client.ChangeResourceRecordSetsWithContext(ctx, in)
		return changeErr
	})
	if err != nil {
		if awsclient.ErrCode(err) == route53.ErrCodeNoSuchHostedZone {
			return fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
		}
		name := aws.StringValue(change.ResourceRecordSet.Name)
		return fmt.Errorf("changing record %s in zone %s: %w", name, zoneID, err)
	}
	return nil
}
