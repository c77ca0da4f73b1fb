package awsclient

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/cenkalti/backoff/v4"
)

const maxRetries = 5

// Retry runs op with exponential backoff, retrying only errors that look
// like transient provider failures. Anything else is returned immediately so
// structural errors (missing zone, bad input) surface on the first attempt.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// IsTransient reports whether err is a retriable provider-side failure such
// as throttling or a request timeout.
func IsTransient(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"PriorRequestNotComplete", "ServiceUnavailable", "RequestTimeout":
		return true
	}
	return false
}

// ErrCode extracts the AWS error code from err, or "" when err is not an
// AWS error.
func ErrCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}
