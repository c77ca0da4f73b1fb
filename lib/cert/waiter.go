package cert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/aws/aws-sdk-go/service/acm/acmiface"
	"go.uber.org/zap"

	"github.com/edgefront/edgefront/lib/awsclient"
)

// ErrValidationTimeout reports that the authority did not issue the
// certificate before the wait deadline. The apply fails, but already
// published validation records stay in place and are reused on the next run.
var ErrValidationTimeout = errors.New("certificate validation timed out")

// DefaultValidationTimeout bounds the issuance wait when the stack file does
// not override it.
const DefaultValidationTimeout = 5 * time.Minute

const defaultPollInterval = 15 * time.Second

// Waiter blocks until the authority reports a certificate as issued.
type Waiter struct {
	client acmiface.ACMAPI
	log    *zap.Logger

	// Interval is the poll cadence; issuance after DNS propagation usually
	// takes a few minutes, so polling faster buys nothing.
	Interval time.Duration
}

// NewWaiter returns a Waiter over the given ACM client.
func NewWaiter(client acmiface.ACMAPI, log *zap.Logger) *Waiter {
	return &Waiter{client: client, log: log.Named("certwait"), Interval: defaultPollInterval}
}

// AwaitIssuance polls until req is issued, the timeout elapses, or ctx is
// cancelled. The returned request carries the final status. A timeout yields
// ErrValidationTimeout without any rollback: dependent nodes must not start,
// but the workflow is safe to re-run. A non-positive timeout fails
// immediately without a single poll.
func (w *Waiter) AwaitIssuance(ctx context.Context, req *Request, timeout time.Duration) (*Request, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if timeout <= 0 {
		return failed(req), fmt.Errorf("certificate %s: %w", req.ARN, ErrValidationTimeout)
	}
	deadline := time.Now().Add(timeout)

	w.log.Info("waiting for certificate issuance",
		zap.String("arn", req.ARN), zap.Duration("timeout", timeout))

	for {
		var out *acm.DescribeCertificateOutput
		err := awsclient.Retry(ctx, func() error {
			var descErr error
			out, descErr = w.client.DescribeCertificateWithContext(ctx, &acm.DescribeCertificateInput{
				CertificateArn: aws.String(req.ARN),
			})
			return descErr
		})
		if err != nil {
			return failed(req), fmt.Errorf("describing certificate %s: %w", req.ARN, err)
		}

		status := statusFromACM(aws.StringValue(out.Certificate.Status))
		switch status {
		case StatusIssued:
			issued := *req
			issued.Status = StatusIssued
			w.log.Info("certificate issued", zap.String("arn", req.ARN))
			return &issued, nil
		case StatusFailed:
			reason := aws.StringValue(out.Certificate.FailureReason)
			return failed(req), fmt.Errorf("certificate %s failed validation: %s", req.ARN, reason)
		}

		if time.Now().After(deadline) {
			return failed(req), fmt.Errorf("certificate %s after %s: %w", req.ARN, timeout, ErrValidationTimeout)
		}

		select {
		case <-ctx.Done():
			return failed(req), ctx.Err()
		case <-time.After(interval):
		}
	}
}

func failed(req *Request) *Request {
	out := *req
	out.Status = StatusFailed
	return &out
}
