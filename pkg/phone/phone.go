// Package phone normalizes Brazilian phone numbers into the canonical
// digit form the messaging network expects. Mobile numbers in area codes
// up to NinthDigitDDDMax are padded with the ninth digit when it is
// missing; the opposite form is never forced, because both conventions
// exist in the wild. Callers that hit an invalid-recipient error should
// retry with AltCandidate.
package phone

import (
	"errors"
	"strings"
)

var ErrEmptyNumber = errors.New("phone number has no digits")

const (
	DefaultCountry          = "55"
	DefaultNinthDigitDDDMax = 30
)

type Normalizer struct {
	// Country code prepended to bare national numbers.
	Country string
	// Area codes less than or equal to this get the ninth digit inserted
	// when missing.
	NinthDigitDDDMax int
}

func NewNormalizer() Normalizer {
	return Normalizer{
		Country:          DefaultCountry,
		NinthDigitDDDMax: DefaultNinthDigitDDDMax,
	}
}

// Normalize strips formatting, ensures the country prefix, and inserts the
// ninth digit for mobile numbers in area codes covered by the threshold.
// It never removes digits, so it is idempotent.
func (n Normalizer) Normalize(raw string) (string, error) {
	digits := onlyDigits(raw)
	if digits == "" {
		return "", ErrEmptyNumber
	}

	country := n.country()

	// Bare national numbers: DDD (2) + subscriber (8 or 9).
	if !strings.HasPrefix(digits, country) && (len(digits) == 10 || len(digits) == 11) {
		digits = country + digits
	}

	ddd, subscriber := splitNational(digits, country)
	if ddd == 0 {
		return digits, nil
	}

	if ddd <= n.dddMax() && len(subscriber) == 8 && isMobile(subscriber) {
		subscriber = "9" + subscriber
		return country + digits[len(country):len(country)+2] + subscriber, nil
	}

	return digits, nil
}

// AltCandidate returns the opposite ninth-digit form of an already
// normalized number. It reports false when no alternate form exists
// (landlines, short numbers, foreign prefixes).
func (n Normalizer) AltCandidate(normalized string) (string, bool) {
	country := n.country()
	ddd, subscriber := splitNational(normalized, country)
	if ddd == 0 || !isMobile(subscriber) {
		return "", false
	}

	prefix := country + normalized[len(country):len(country)+2]
	switch len(subscriber) {
	case 8:
		return prefix + "9" + subscriber, true
	case 9:
		return prefix + subscriber[1:], true
	}
	return "", false
}

func (n Normalizer) country() string {
	if n.Country == "" {
		return DefaultCountry
	}
	return n.Country
}

func (n Normalizer) dddMax() int {
	if n.NinthDigitDDDMax <= 0 {
		return DefaultNinthDigitDDDMax
	}
	return n.NinthDigitDDDMax
}

func splitNational(digits string, country string) (int, string) {
	if !strings.HasPrefix(digits, country) {
		return 0, ""
	}
	national := digits[len(country):]
	if len(national) < 10 || len(national) > 11 {
		return 0, ""
	}
	ddd := int(national[0]-'0')*10 + int(national[1]-'0')
	if ddd < 11 || ddd > 99 {
		return 0, ""
	}
	return ddd, national[2:]
}

// Mobile subscriber numbers start with 9 (nine digits) or 6-9 (eight digits).
func isMobile(subscriber string) bool {
	switch len(subscriber) {
	case 8:
		return subscriber[0] >= '6' && subscriber[0] <= '9'
	case 9:
		return subscriber[0] == '9'
	}
	return false
}

func onlyDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
