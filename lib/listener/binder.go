package listener

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"go.uber.org/zap"

	"github.com/edgefront/edgefront/lib/awsclient"
	"github.com/edgefront/edgefront/lib/cert"
)

// ErrCertificateNotReady reports an ordering violation: a listener bind was
// attempted with a certificate that is not issued. The executor graph is
// supposed to make this impossible, so callers treat it as a bug, not a
// retriable condition.
var ErrCertificateNotReady = errors.New("certificate is not issued")

// SSLPolicy is the TLS negotiation policy attached to listeners we create.
const SSLPolicy = "ELBSecurityPolicy-TLS13-1-2-2021-06"

// Binder creates or converges the HTTPS listener on a load balancer.
type Binder struct {
	client elbv2iface.ELBV2API
	log    *zap.Logger
}

// NewBinder returns a Binder over the given ELBv2 client.
func NewBinder(client elbv2iface.ELBV2API, log *zap.Logger) *Binder {
	return &Binder{client: client, log: log.Named("listener")}
}

// BindInput names the listener to converge.
type BindInput struct {
	LoadBalancerARN string
	Port            int64
	Certificate     *cert.Request
	TargetGroupARN  string
}

// Bind ensures a listener on in.Port forwards to in.TargetGroupARN with
// in.Certificate attached. An existing listener is modified in place, never
// deleted and recreated, so inbound connections never observe a missing
// default action.
func (b *Binder) Bind(ctx context.Context, in BindInput) (*Listener, error) {
	if in.Certificate == nil || in.Certificate.Status != cert.StatusIssued {
		status := "<nil>"
		if in.Certificate != nil {
			status = string(in.Certificate.Status)
		}
		return nil, fmt.Errorf("%w: status %s", ErrCertificateNotReady, status)
	}

	lb, err := b.loadBalancer(ctx, in.LoadBalancerARN)
	if err != nil {
		return nil, err
	}
	existing, err := b.findListener(ctx, in.LoadBalancerARN, in.Port)
	if err != nil {
		return nil, err
	}

	certs := []*elbv2.Certificate{{CertificateArn: aws.String(in.Certificate.ARN)}}
	forward := []*elbv2.Action{{
		Type:           aws.String(elbv2.ActionTypeEnumForward),
		TargetGroupArn: aws.String(in.TargetGroupARN),
	}}

	var arn string
	switch {
	case existing == nil:
		var out *elbv2.CreateListenerOutput
		err = awsclient.Retry(ctx, func() error {
			var createErr error
			out, createErr = b.client.CreateListenerWithContext(ctx, &elbv2.CreateListenerInput{
				LoadBalancerArn: aws.String(in.LoadBalancerARN),
				Port:            aws.Int64(in.Port),
				Protocol:        aws.String(elbv2.ProtocolEnumHttps),
				SslPolicy:       aws.String(SSLPolicy),
				Certificates:    certs,
				DefaultActions:  forward,
			})
			return createErr
		})
		if err != nil {
			return nil, fmt.Errorf("creating listener on port %d: %w", in.Port, err)
		}
		arn = aws.StringValue(out.Listeners[0].ListenerArn)
		b.log.Info("created listener", zap.String("arn", arn), zap.Int64("port", in.Port))

	case needsUpdate(existing, in):
		arn = aws.StringValue(existing.ListenerArn)
		err = awsclient.Retry(ctx, func() error {
			_, modErr := b.client.ModifyListenerWithContext(ctx, &elbv2.ModifyListenerInput{
				ListenerArn:    existing.ListenerArn,
				Certificates:   certs,
				DefaultActions: forward,
			})
			return modErr
		})
		if err != nil {
			return nil, fmt.Errorf("updating listener %s: %w", arn, err)
		}
		b.log.Info("updated listener", zap.String("arn", arn), zap.Int64("port", in.Port))

	default:
		arn = aws.StringValue(existing.ListenerArn)
		b.log.Info("listener already converged", zap.String("arn", arn))
	}

	return &Listener{
		ARN:            arn,
		Port:           in.Port,
		Protocol:       elbv2.ProtocolEnumHttps,
		CertificateARN: in.Certificate.ARN,
		TargetGroupARN: in.TargetGroupARN,
		Endpoint:       aws.StringValue(lb.DNSName),
		EndpointZoneID: aws.StringValue(lb.CanonicalHostedZoneId),
	}, nil
}

// Unbind deletes the listener on port if present. Absence is fine: teardown
// runs against stacks whose bind step may never have happened.
func (b *Binder) Unbind(ctx context.Context, loadBalancerARN string, port int64) error {
	existing, err := b.findListener(ctx, loadBalancerARN, port)
	if err != nil {
		if awsclient.ErrCode(err) == elbv2.ErrCodeLoadBalancerNotFoundException {
			return nil
		}
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = b.client.DeleteListenerWithContext(ctx, &elbv2.DeleteListenerInput{
		ListenerArn: existing.ListenerArn,
	})
	if err != nil && awsclient.ErrCode(err) != elbv2.ErrCodeListenerNotFoundException {
		return fmt.Errorf("deleting listener on port %d: %w", port, err)
	}
	b.log.Info("deleted listener", zap.Int64("port", port))
	return nil
}

func (b *Binder) loadBalancer(ctx context.Context, arn string) (*elbv2.LoadBalancer, error) {
	out, err := b.client.DescribeLoadBalancersWithContext(ctx, &elbv2.DescribeLoadBalancersInput{
		LoadBalancerArns: []*string{aws.String(arn)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing load balancer %s: %w", arn, err)
	}
	if len(out.LoadBalancers) == 0 {
		return nil, fmt.Errorf("load balancer %s not found", arn)
	}
	return out.LoadBalancers[0], nil
}

func (b *Binder) findListener(ctx context.Context, loadBalancerARN string, port int64) (*elbv2.Listener, error) {
	in := &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(loadBalancerARN)}
	for {
		out, err := b.client.DescribeListenersWithContext(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("describing listeners of %s: %w", loadBalancerARN, err)
		}
		for _, l := range out.Listeners {
			if aws.Int64Value(l.Port) == port {
				return l, nil
			}
		}
		if out.NextMarker == nil {
			return nil, nil
		}
		in.Marker = out.NextMarker
	}
}

func needsUpdate(existing *elbv2.Listener, in BindInput) bool {
	certMatch := false
	for _, c := range existing.Certificates {
		if aws.StringValue(c.CertificateArn) == in.Certificate.ARN {
			certMatch = true
			break
		}
	}
	actionMatch := len(existing.DefaultActions) == 1 &&
		aws.StringValue(existing.DefaultActions[0].Type) == elbv2.ActionTypeEnumForward &&
		aws.StringValue(existing.DefaultActions[0].TargetGroupArn) == in.TargetGroupARN
	return !certMatch || !actionMatch
}
