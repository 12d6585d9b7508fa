package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	mrnPattern   = regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?|patient id)[\s:#-]*[a-z0-9-]{4,}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Redact masks identifiers that must not reach logs or the audit trail.
func Redact(input string) (redacted string, changed bool) {
	out := input
	apply := func(re *regexp.Regexp, marker string) {
		next := re.ReplaceAllString(out, marker)
		changed = changed || next != out
		out = next
	}

	apply(emailPattern, "[REDACTED_EMAIL]")
	apply(mrnPattern, "[REDACTED_MRN]")
	// SSN and card run before phone so they are not classified as phone numbers.
	apply(ssnPattern, "[REDACTED_SSN]")
	apply(cardPattern, "[REDACTED_CARD]")
	apply(phonePattern, "[REDACTED_PHONE]")

	return out, changed
}
