package listener

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/edgefront/edgefront/lib/awsclient"
)

var validate = validator.New()

// Registrar converges target groups and their instance attachments.
type Registrar struct {
	client elbv2iface.ELBV2API
	log    *zap.Logger
}

// NewRegistrar returns a Registrar over the given ELBv2 client.
func NewRegistrar(client elbv2iface.ELBV2API, log *zap.Logger) *Registrar {
	return &Registrar{client: client, log: log.Named("targets")}
}

// EnsureTargetGroup creates the target group if missing and converges its
// health-check policy when it already exists. Returns the group ARN.
func (r *Registrar) EnsureTargetGroup(ctx context.Context, name, vpcID string, port int64, hc HealthCheckPolicy) (string, error) {
	if err := validate.Struct(hc); err != nil {
		return "", fmt.Errorf("invalid health-check policy: %w", err)
	}

	existing, err := r.findByName(ctx, name)
	if err != nil {
		return "", err
	}

	if existing != nil {
		arn := aws.StringValue(existing.TargetGroupArn)
		err = awsclient.Retry(ctx, func() error {
			_, modErr := r.client.ModifyTargetGroupWithContext(ctx, &elbv2.ModifyTargetGroupInput{
				TargetGroupArn:             existing.TargetGroupArn,
				HealthCheckIntervalSeconds: aws.Int64(hc.IntervalSeconds),
				HealthCheckTimeoutSeconds:  aws.Int64(hc.TimeoutSeconds),
				HealthCheckPath:            aws.String(hc.Path),
				HealthyThresholdCount:      aws.Int64(hc.HealthyThreshold),
				UnhealthyThresholdCount:    aws.Int64(hc.UnhealthyThreshold),
				Matcher:                    &elbv2.Matcher{HttpCode: aws.String(hc.Matcher)},
			})
			return modErr
		})
		if err != nil {
			return "", fmt.Errorf("updating target group %s: %w", name, err)
		}
		r.log.Info("target group converged", zap.String("name", name), zap.String("arn", arn))
		return arn, nil
	}

	var out *elbv2.CreateTargetGroupOutput
	err = awsclient.Retry(ctx, func() error {
		var createErr error
		out, createErr = r.client.CreateTargetGroupWithContext(ctx, &elbv2.CreateTargetGroupInput{
			Name:                       aws.String(name),
			VpcId:                      aws.String(vpcID),
			Port:                       aws.Int64(port),
			Protocol:                   aws.String(elbv2.ProtocolEnumHttp),
			TargetType:                 aws.String(elbv2.TargetTypeEnumInstance),
			HealthCheckIntervalSeconds: aws.Int64(hc.IntervalSeconds),
			HealthCheckTimeoutSeconds:  aws.Int64(hc.TimeoutSeconds),
			HealthCheckPath:            aws.String(hc.Path),
			HealthyThresholdCount:      aws.Int64(hc.HealthyThreshold),
			UnhealthyThresholdCount:    aws.Int64(hc.UnhealthyThreshold),
			Matcher:                    &elbv2.Matcher{HttpCode: aws.String(hc.Matcher)},
		})
		return createErr
	})
	if err != nil {
		return "", fmt.Errorf("creating target group %s: %w", name, err)
	}
	arn := aws.StringValue(out.TargetGroups[0].TargetGroupArn)
	r.log.Info("created target group", zap.String("name", name), zap.String("arn", arn))
	return arn, nil
}

// Register attaches ids to the target group. Already-attached ids are
// skipped, so a converged stack sees no additional attachments.
func (r *Registrar) Register(ctx context.Context, targetGroupARN string, instanceIDs []string) error {
	ids := lo.Uniq(instanceIDs)
	attached, err := r.attachedIDs(ctx, targetGroupARN)
	if err != nil {
		return err
	}

	missing := lo.Without(ids, attached...)
	if len(missing) == 0 {
		r.log.Info("all targets already attached", zap.String("targetGroup", targetGroupARN))
		return nil
	}

	err = awsclient.Retry(ctx, func() error {
		_, regErr := r.client.RegisterTargetsWithContext(ctx, &elbv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(targetGroupARN),
			Targets: lo.Map(missing, func(id string, _ int) *elbv2.TargetDescription {
				return &elbv2.TargetDescription{Id: aws.String(id)}
			}),
		})
		return regErr
	})
	if err != nil {
		return fmt.Errorf("registering targets with %s: %w", targetGroupARN, err)
	}
	r.log.Info("registered targets",
		zap.String("targetGroup", targetGroupARN), zap.Strings("instances", missing))
	return nil
}

// Deregister detaches ids; ids that are not attached, or a target group that
// no longer exists, are ignored.
func (r *Registrar) Deregister(ctx context.Context, targetGroupARN string, instanceIDs []string) error {
	attached, err := r.attachedIDs(ctx, targetGroupARN)
	if err != nil {
		if awsclient.ErrCode(err) == elbv2.ErrCodeTargetGroupNotFoundException {
			return nil
		}
		return err
	}

	present := lo.Intersect(lo.Uniq(instanceIDs), attached)
	if len(present) == 0 {
		return nil
	}

	_, err = r.client.DeregisterTargetsWithContext(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets: lo.Map(present, func(id string, _ int) *elbv2.TargetDescription {
			return &elbv2.TargetDescription{Id: aws.String(id)}
		}),
	})
	if err != nil && awsclient.ErrCode(err) != elbv2.ErrCodeInvalidTargetException {
		return fmt.Errorf("deregistering targets from %s: %w", targetGroupARN, err)
	}
	r.log.Info("deregistered targets",
		zap.String("targetGroup", targetGroupARN), zap.Strings("instances", present))
	return nil
}

// DeleteTargetGroup removes the named group; absence is not an error.
func (r *Registrar) DeleteTargetGroup(ctx context.Context, name string) error {
	existing, err := r.findByName(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = r.client.DeleteTargetGroupWithContext(ctx, &elbv2.DeleteTargetGroupInput{
		TargetGroupArn: existing.TargetGroupArn,
	})
	if err != nil && awsclient.ErrCode(err) != elbv2.ErrCodeTargetGroupNotFoundException {
		return fmt.Errorf("deleting target group %s: %w", name, err)
	}
	r.log.Info("deleted target group", zap.String("name", name))
	return nil
}

func (r *Registrar) findByName(ctx context.Context, name string) (*elbv2.TargetGroup, error) {
	out, err := r.client.DescribeTargetGroupsWithContext(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []*string{aws.String(name)},
	})
	if err != nil {
		if awsclient.ErrCode(err) == elbv2.ErrCodeTargetGroupNotFoundException {
			return nil, nil
		}
		return nil, fmt.Errorf("describing target group %s: %w", name, err)
	}
	if len(out.TargetGroups) == 0 {
		return nil, nil
	}
	return out.TargetGroups[0], nil
}

func (r *Registrar) attachedIDs(ctx context.Context, targetGroupARN string) ([]string, error) {
	out, err := r.client.DescribeTargetHealthWithContext(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(targetGroupARN),
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(out.TargetHealthDescriptions, func(d *elbv2.TargetHealthDescription, _ int) string {
		return aws.StringValue(d.Target.Id)
	}), nil
}
