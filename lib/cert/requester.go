package cert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/aws/aws-sdk-go/service/acm/acmiface"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/edgefront/edgefront/lib/awsclient"
)

const defaultChallengeInterval = 3 * time.Second

// challengeAttempts bounds how long we wait for ACM to attach resource
// records to a fresh request; they normally appear within seconds.
const challengeAttempts = 40

// Requester implements idempotent certificate requests against ACM.
type Requester struct {
	client acmiface.ACMAPI
	log    *zap.Logger

	// ChallengeInterval is the poll interval while waiting for the
	// authority to publish validation challenges on a new request.
	ChallengeInterval time.Duration
}

// NewRequester returns a Requester over the given ACM client.
func NewRequester(client acmiface.ACMAPI, log *zap.Logger) *Requester {
	return &Requester{
		client:            client,
		log:               log.Named("cert"),
		ChallengeInterval: defaultChallengeInterval,
	}
}

// EnsureResult carries the active request plus, during a rotation, the
// superseded one that must outlive the listener rebind.
type EnsureResult struct {
	Current  *Request
	Previous *Request
}

// Ensure returns an ACM request covering exactly primary+alternates, reusing
// a live request with the same name set when one exists so re-running after
// a crash never issues a duplicate. A live certificate for the same primary
// name but a different SAN set is reported as the previous generation: the
// caller retires it only after the listener is rebound to the replacement.
func (r *Requester) Ensure(ctx context.Context, primary string, alternates []string) (*EnsureResult, error) {
	if primary == "" {
		return nil, errors.New("primary domain name must not be empty")
	}

	existing, err := r.findLive(ctx, primary)
	if err != nil {
		return nil, err
	}

	res := &EnsureResult{}
	for _, req := range existing {
		if sameNameSet(req, primary, alternates) && res.Current == nil {
			req.Generation = GenerationCurrent
			res.Current = req
			r.log.Info("reusing existing certificate request",
				zap.String("arn", req.ARN), zap.String("status", string(req.Status)))
		} else if res.Previous == nil {
			req.Generation = GenerationPrevious
			res.Previous = req
		}
	}
	if res.Current != nil {
		return res, nil
	}

	in := &acm.RequestCertificateInput{
		DomainName:       aws.String(primary),
		ValidationMethod: aws.String(acm.ValidationMethodDns),
		IdempotencyToken: aws.String(idempotencyToken(primary, alternates)),
	}
	if len(alternates) > 0 {
		in.SubjectAlternativeNames = aws.StringSlice(alternates)
	}

	var out *acm.RequestCertificateOutput
	err = awsclient.Retry(ctx, func() error {
		var reqErr error
		out, reqErr = r.client.RequestCertificateWithContext(ctx, in)
		return reqErr
	})
	if err != nil {
		return nil, fmt.Errorf("requesting certificate for %s: %w", primary, err)
	}

	res.Current = &Request{
		ARN:            aws.StringValue(out.CertificateArn),
		PrimaryName:    primary,
		AlternateNames: append([]string(nil), alternates...),
		Status:         StatusRequested,
		Generation:     GenerationCurrent,
	}
	r.log.Info("requested certificate",
		zap.String("arn", res.Current.ARN),
		zap.String("domain", primary),
		zap.Strings("alternates", alternates))
	return res, nil
}

// Challenges returns the DNS validation challenges for req, polling until the
// authority has attached a resource record to every name. ACM populates them
// asynchronously shortly after the request is created.
func (r *Requester) Challenges(ctx context.Context, req *Request) ([]ValidationChallenge, error) {
	interval := r.ChallengeInterval
	if interval <= 0 {
		interval = defaultChallengeInterval
	}

	for attempt := 0; attempt < challengeAttempts; attempt++ {
		detail, err := r.describe(ctx, req.ARN)
		if err != nil {
			return nil, err
		}

		challenges, ready := challengesFromDetail(detail)
		if ready {
			req.Status = statusFromACM(aws.StringValue(detail.Status))
			return challenges, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("validation challenges for %s not available", req.ARN)
}

// Describe refreshes the request's status from the authority.
func (r *Requester) Describe(ctx context.Context, arn string) (*Request, error) {
	detail, err := r.describe(ctx, arn)
	if err != nil {
		return nil, err
	}
	primary := aws.StringValue(detail.DomainName)
	alternates := lo.Filter(aws.StringValueSlice(detail.SubjectAlternativeNames), func(n string, _ int) bool {
		return n != primary
	})
	return &Request{
		ARN:            arn,
		PrimaryName:    primary,
		AlternateNames: alternates,
		Status:         statusFromACM(aws.StringValue(detail.Status)),
	}, nil
}

// Delete removes the certificate from ACM. A certificate that no longer
// exists is not an error so teardown works on partially created stacks.
func (r *Requester) Delete(ctx context.Context, arn string) error {
	if arn == "" {
		return nil
	}
	_, err := r.client.DeleteCertificateWithContext(ctx, &acm.DeleteCertificateInput{
		CertificateArn: aws.String(arn),
	})
	if err != nil {
		if awsclient.ErrCode(err) == acm.ErrCodeResourceNotFoundException {
			return nil
		}
		return fmt.Errorf("deleting certificate %s: %w", arn, err)
	}
	r.log.Info("deleted certificate", zap.String("arn", arn))
	return nil
}

// findLive lists non-terminal requests whose primary name matches.
func (r *Requester) findLive(ctx context.Context, primary string) ([]*Request, error) {
	var requests []*Request
	in := &acm.ListCertificatesInput{
		CertificateStatuses: aws.StringSlice([]string{
			acm.CertificateStatusPendingValidation,
			acm.CertificateStatusIssued,
		}),
	}
	for {
		var out *acm.ListCertificatesOutput
		err := awsclient.Retry(ctx, func() error {
			var listErr error
			out, listErr = r.client.ListCertificatesWithContext(ctx, in)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing certificates: %w", err)
		}
		for _, summary := range out.CertificateSummaryList {
			if aws.StringValue(summary.DomainName) != primary {
				continue
			}
			req, err := r.Describe(ctx, aws.StringValue(summary.CertificateArn))
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
		}
		if out.NextToken == nil {
			return requests, nil
		}
		in.NextToken = out.NextToken
	}
}

func (r *Requester) describe(ctx context.Context, arn string) (*acm.CertificateDetail, error) {
	var out *acm.DescribeCertificateOutput
	err := awsclient.Retry(ctx, func() error {
		var descErr error
		out, descErr = r.client.DescribeCertificateWithContext(ctx, &acm.DescribeCertificateInput{
			CertificateArn: aws.String(arn),
		})
		return descErr
	})
	if err != nil {
		return nil, fmt.Errorf("describing certificate %s: %w", arn, err)
	}
	return out.Certificate, nil
}

// challengesFromDetail extracts one challenge per validation option. It
// reports ready=false while any option still lacks its resource record.
func challengesFromDetail(detail *acm.CertificateDetail) ([]ValidationChallenge, bool) {
	if len(detail.DomainValidationOptions) == 0 {
		return nil, false
	}
	challenges := make([]ValidationChallenge, 0, len(detail.DomainValidationOptions))
	for _, opt := range detail.DomainValidationOptions {
		if opt.ResourceRecord == nil {
			return nil, false
		}
		challenges = append(challenges, ValidationChallenge{
			ValidationDomain: aws.StringValue(opt.ValidationDomain),
			RecordName:       aws.StringValue(opt.ResourceRecord.Name),
			RecordType:       aws.StringValue(opt.ResourceRecord.Type),
			RecordValue:      aws.StringValue(opt.ResourceRecord.Value),
		})
	}
	return challenges, true
}

// sameNameSet compares the full name set of req against primary+alternates,
// ignoring order and duplicates.
func sameNameSet(req *Request, primary string, alternates []string) bool {
	want := nameSet(primary, alternates)
	got := nameSet(req.PrimaryName, req.AlternateNames)
	return want == got
}

func nameSet(primary string, alternates []string) string {
	names := lo.Uniq(append([]string{primary}, alternates...))
	sort.Strings(names)
	return strings.Join(names, "\x00")
}

// idempotencyToken derives a stable ACM idempotency token from the requested
// name set, so a crashed apply that re-runs within the token window cannot
// issue a duplicate even before the list-based reuse kicks in.
func idempotencyToken(primary string, alternates []string) string {
	sum := sha256.Sum256([]byte(nameSet(primary, alternates)))
	return hex.EncodeToString(sum[:])[:32]
}
