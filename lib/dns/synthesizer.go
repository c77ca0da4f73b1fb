package dns

import (
	"sort"

	"github.com/samber/lo"

	"github.com/edgefront/edgefront/lib/cert"
)

// ValidationRecord is the deduplicated DNS proof for one validation domain.
// N SANs that validate against the same domain collapse to a single record;
// the authority guarantees all members of the group carry identical tuples.
type ValidationRecord struct {
	ValidationDomain string     `json:"validation_domain"`
	Record           RecordSpec `json:"record"`
}

// ValidationRecordTTL is deliberately short; validation records only need to
// exist long enough for the authority to observe them.
const ValidationRecordTTL = 300

// SynthesizeValidationRecords groups challenges by validation domain and
// emits one record per group, sorted by validation domain so the same
// challenge set yields the same output regardless of the order the authority
// returned it.
func SynthesizeValidationRecords(challenges []cert.ValidationChallenge) []ValidationRecord {
	byDomain := lo.KeyBy(challenges, func(c cert.ValidationChallenge) string {
		return c.ValidationDomain
	})
	domains := lo.Keys(byDomain)
	sort.Strings(domains)

	return lo.Map(domains, func(d string, _ int) ValidationRecord {
		c := byDomain[d]
		return ValidationRecord{
			ValidationDomain: d,
			Record: RecordSpec{
				Name:  c.RecordName,
				Type:  c.RecordType,
				Value: c.RecordValue,
				TTL:   ValidationRecordTTL,
			},
		}
	})
}
