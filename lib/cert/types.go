package cert

import (
	"github.com/aws/aws-sdk-go/service/acm"
)

// Status tracks a certificate request through its lifecycle.
type Status string

const (
	StatusRequested         Status = "REQUESTED"
	StatusPendingValidation Status = "PENDING_VALIDATION"
	StatusIssued            Status = "ISSUED"
	StatusFailed            Status = "FAILED"
)

// Generation tags which rotation generation a request belongs to. During a
// SAN-set change two generations are live at once: the replacement is issued
// and bound before the superseded one is deleted.
type Generation string

const (
	GenerationCurrent  Generation = "current"
	GenerationPrevious Generation = "previous"
)

// Request is the provisioner's view of one ACM certificate request.
type Request struct {
	ARN            string
	PrimaryName    string
	AlternateNames []string
	Status         Status
	Generation     Generation
}

// ValidationChallenge is one DNS proof the authority requires. SANs that
// validate against the same validation domain carry identical record tuples.
type ValidationChallenge struct {
	ValidationDomain string
	RecordName       string
	RecordType       string
	RecordValue      string
}

func statusFromACM(s string) Status {
	switch s {
	case acm.CertificateStatusIssued:
		return StatusIssued
	case acm.CertificateStatusPendingValidation:
		return StatusPendingValidation
	case acm.CertificateStatusFailed,
		acm.CertificateStatusValidationTimedOut,
		acm.CertificateStatusRevoked,
		acm.CertificateStatusExpired:
		return StatusFailed
	default:
		return StatusRequested
	}
}
