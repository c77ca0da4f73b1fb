package listener

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/samber/lo"
)

// fakeELB is an in-memory ELBv2: one region of load balancers, listeners and
// target groups, just enough surface for the binder and registrar.
type fakeELB struct {
	elbv2iface.ELBV2API

	mu           sync.Mutex
	lbs          map[string]*elbv2.LoadBalancer
	listeners    map[string]*elbv2.Listener    // listener ARN -> listener
	targetGroups map[string]*elbv2.TargetGroup // group ARN -> group
	targets      map[string][]string           // group ARN -> attached instance IDs
	nextID       int

	createListenerCalls int
	modifyListenerCalls int
	deleteListenerCalls int
	registerCalls       int
}

func newFakeELB() *fakeELB {
	return &fakeELB{
		lbs:          map[string]*elbv2.LoadBalancer{},
		listeners:    map[string]*elbv2.Listener{},
		targetGroups: map[string]*elbv2.TargetGroup{},
		targets:      map[string][]string{},
	}
}

func (f *fakeELB) seedLoadBalancer(arn, dnsName, zoneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lbs[arn] = &elbv2.LoadBalancer{
		LoadBalancerArn:       aws.String(arn),
		DNSName:               aws.String(dnsName),
		CanonicalHostedZoneId: aws.String(zoneID),
	}
}

func (f *fakeELB) arn(kind string) string {
	f.nextID++
	return fmt.Sprintf("arn:aws:elasticloadbalancing:::%s/%d", kind, f.nextID)
}

func (f *fakeELB) DescribeLoadBalancersWithContext(_ aws.Context, in *elbv2.DescribeLoadBalancersInput, _ ...request.Option) (*elbv2.DescribeLoadBalancersOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &elbv2.DescribeLoadBalancersOutput{}
	for _, arn := range aws.StringValueSlice(in.LoadBalancerArns) {
		if lb, ok := f.lbs[arn]; ok {
			out.LoadBalancers = append(out.LoadBalancers, lb)
		}
	}
	if len(out.LoadBalancers) == 0 {
		return nil, awserr.New(elbv2.ErrCodeLoadBalancerNotFoundException, "not found", nil)
	}
	return out, nil
}

func (f *fakeELB) DescribeListenersWithContext(_ aws.Context, in *elbv2.DescribeListenersInput, _ ...request.Option) (*elbv2.DescribeListenersOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lbs[aws.StringValue(in.LoadBalancerArn)]; !ok {
		return nil, awserr.New(elbv2.ErrCodeLoadBalancerNotFoundException, "not found", nil)
	}
	out := &elbv2.DescribeListenersOutput{}
	for _, l := range f.listeners {
		if aws.StringValue(l.LoadBalancerArn) == aws.StringValue(in.LoadBalancerArn) {
			out.Listeners = append(out.Listeners, l)
		}
	}
	return out, nil
}

func (f *fakeELB) CreateListenerWithContext(_ aws.Context, in *elbv2.CreateListenerInput, _ ...request.Option) (*elbv2.CreateListenerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createListenerCalls++
	l := &elbv2.Listener{
		ListenerArn:     aws.String(f.arn("listener")),
		LoadBalancerArn: in.LoadBalancerArn,
		Port:            in.Port,
		Protocol:        in.Protocol,
		SslPolicy:       in.SslPolicy,
		Certificates:    in.Certificates,
		DefaultActions:  in.DefaultActions,
	}
	f.listeners[aws.StringValue(l.ListenerArn)] = l
	return &elbv2.CreateListenerOutput{Listeners: []*elbv2.Listener{l}}, nil
}

func (f *fakeELB) ModifyListenerWithContext(_ aws.Context, in *elbv2.ModifyListenerInput, _ ...request.Option) (*elbv2.ModifyListenerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifyListenerCalls++
	l, ok := f.listeners[aws.StringValue(in.ListenerArn)]
	if !ok {
		return nil, awserr.New(elbv2.ErrCodeListenerNotFoundException, "not found", nil)
	}
	if in.Certificates != nil {
		l.Certificates = in.Certificates
	}
	if in.DefaultActions != nil {
		l.DefaultActions = in.DefaultActions
	}
	return &elbv2.ModifyListenerOutput{Listeners: []*elbv2.Listener{l}}, nil
}

func (f *fakeELB) DeleteListenerWithContext(_ aws.Context, in *elbv2.DeleteListenerInput, _ ...request.Option) (*elbv2.DeleteListenerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteListenerCalls++
	arn := aws.StringValue(in.ListenerArn)
	if _, ok := f.listeners[arn]; !ok {
		return nil, awserr.New(elbv2.ErrCodeListenerNotFoundException, "not found", nil)
	}
	delete(f.listeners, arn)
	return &elbv2.DeleteListenerOutput{}, nil
}

func (f *fakeELB) DescribeTargetGroupsWithContext(_ aws.Context, in *elbv2.DescribeTargetGroupsInput, _ ...request.Option) (*elbv2.DescribeTargetGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &elbv2.DescribeTargetGroupsOutput{}
	for _, tg := range f.targetGroups {
		if len(in.Names) > 0 && !lo.Contains(aws.StringValueSlice(in.Names), aws.StringValue(tg.TargetGroupName)) {
			continue
		}
		out.TargetGroups = append(out.TargetGroups, tg)
	}
	if len(in.Names) > 0 && len(out.TargetGroups) == 0 {
		return nil, awserr.New(elbv2.ErrCodeTargetGroupNotFoundException, "not found", nil)
	}
	return out, nil
}

func (f *fakeELB) CreateTargetGroupWithContext(_ aws.Context, in *elbv2.CreateTargetGroupInput, _ ...request.Option) (*elbv2.CreateTargetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tg := &elbv2.TargetGroup{
		TargetGroupArn:             aws.String(f.arn("targetgroup")),
		TargetGroupName:            in.Name,
		VpcId:                      in.VpcId,
		Port:                       in.Port,
		Protocol:                   in.Protocol,
		TargetType:                 in.TargetType,
		HealthCheckIntervalSeconds: in.HealthCheckIntervalSeconds,
		HealthCheckTimeoutSeconds:  in.HealthCheckTimeoutSeconds,
		HealthCheckPath:            in.HealthCheckPath,
		HealthyThresholdCount:      in.HealthyThresholdCount,
		UnhealthyThresholdCount:    in.UnhealthyThresholdCount,
		Matcher:                    in.Matcher,
	}
	arn := aws.StringValue(tg.TargetGroupArn)
	f.targetGroups[arn] = tg
	f.targets[arn] = nil
	return &elbv2.CreateTargetGroupOutput{TargetGroups: []*elbv2.TargetGroup{tg}}, nil
}

func (f *fakeELB) ModifyTargetGroupWithContext(_ aws.Context, in *elbv2.ModifyTargetGroupInput, _ ...request.Option) (*elbv2.ModifyTargetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tg, ok := f.targetGroups[aws.StringValue(in.TargetGroupArn)]
	if !ok {
		return nil, awserr.New(elbv2.ErrCodeTargetGroupNotFoundException, "not found", nil)
	}
	tg.HealthCheckIntervalSeconds = in.HealthCheckIntervalSeconds
	tg.HealthCheckTimeoutSeconds = in.HealthCheckTimeoutSeconds
	tg.HealthCheckPath = in.HealthCheckPath
	tg.HealthyThresholdCount = in.HealthyThresholdCount
	tg.UnhealthyThresholdCount = in.UnhealthyThresholdCount
	tg.Matcher = in.Matcher
	return &elbv2.ModifyTargetGroupOutput{TargetGroups: []*elbv2.TargetGroup{tg}}, nil
}

func (f *fakeELB) DeleteTargetGroupWithContext(_ aws.Context, in *elbv2.DeleteTargetGroupInput, _ ...request.Option) (*elbv2.DeleteTargetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.StringValue(in.TargetGroupArn)
	delete(f.targetGroups, arn)
	delete(f.targets, arn)
	return &elbv2.DeleteTargetGroupOutput{}, nil
}

func (f *fakeELB) DescribeTargetHealthWithContext(_ aws.Context, in *elbv2.DescribeTargetHealthInput, _ ...request.Option) (*elbv2.DescribeTargetHealthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.StringValue(in.TargetGroupArn)
	if _, ok := f.targetGroups[arn]; !ok {
		return nil, awserr.New(elbv2.ErrCodeTargetGroupNotFoundException, "not found", nil)
	}
	out := &elbv2.DescribeTargetHealthOutput{}
	for _, id := range f.targets[arn] {
		out.TargetHealthDescriptions = append(out.TargetHealthDescriptions, &elbv2.TargetHealthDescription{
			Target: &elbv2.TargetDescription{Id: aws.String(id)},
		})
	}
	return out, nil
}

func (f *fakeELB) RegisterTargetsWithContext(_ aws.Context, in *elbv2.RegisterTargetsInput, _ ...request.Option) (*elbv2.RegisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	arn := aws.StringValue(in.TargetGroupArn)
	for _, target := range in.Targets {
		id := aws.StringValue(target.Id)
		if !lo.Contains(f.targets[arn], id) {
			f.targets[arn] = append(f.targets[arn], id)
		}
	}
	return &elbv2.RegisterTargetsOutput{}, nil
}

func (f *fakeELB) DeregisterTargetsWithContext(_ aws.Context, in *elbv2.DeregisterTargetsInput, _ ...request.Option) (*elbv2.DeregisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.StringValue(in.TargetGroupArn)
	ids := lo.Map(in.Targets, func(t *elbv2.TargetDescription, _ int) string {
		return aws.StringValue(t.Id)
	})
	f.targets[arn] = lo.Without(f.targets[arn], ids...)
	return &elbv2.DeregisterTargetsOutput{}, nil
}

func (f *fakeELB) attachedTo(groupARN string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets[groupARN]...)
}

func (f *fakeELB) listenerOn(lbARN string, port int64) *elbv2.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		if aws.StringValue(l.LoadBalancerArn) == lbARN && aws.Int64Value(l.Port) == port {
			return l
		}
	}
	return nil
}
