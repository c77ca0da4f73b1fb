package awsclient

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/aws/aws-sdk-go/service/acm/acmiface"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
)

// Clients bundles the AWS service clients the provisioner drives. Fields are
// the SDK interface types so tests can substitute fakes per service.
type Clients struct {
	ACM acmiface.ACMAPI
	DNS route53iface.Route53API
	ELB elbv2iface.ELBV2API
}

// New builds real service clients for the given region from the default
// credential chain.
func New(region string) (*Clients, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &Clients{
		ACM: acm.New(sess),
		DNS: route53.New(sess),
		ELB: elbv2.New(sess),
	}, nil
}
