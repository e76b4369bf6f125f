package crm

import (
	"fmt"
	"strings"
)

// defaultCountryCode is assumed for ten digit numbers.
const defaultCountryCode = "1"

// Digits strips everything but ASCII digits.
func Digits(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns number in E.164-like form: digits only, the default
// country code prepended to ten digit numbers, prefixed with "+".
func NormalizePhone(number string) string {
	digits := Digits(number)
	if len(digits) == 10 {
		digits = defaultCountryCode + digits
	}
	return "+" + digits
}

// phoneFormats lists the spellings a number may be stored under in a CRM
// that does not normalize phone fields.
func phoneFormats(number string) []string {
	digits := Digits(number)
	formats := []string{"+" + digits, digits}
	if len(digits) < 10 {
		return formats
	}

	local := digits[len(digits)-10:]
	countryCode := "+" + digits[:len(digits)-10]
	if countryCode == "+" {
		countryCode = "+" + defaultCountryCode
	}
	area, middle, last := local[:3], local[3:6], local[6:]

	formats = append(formats,
		fmt.Sprintf("%s %s %s %s", countryCode, area, middle, last),
		fmt.Sprintf("(%s) %s-%s", area, middle, last),
		fmt.Sprintf("(%s)%s-%s", area, middle, last),
		fmt.Sprintf("%s.%s.%s", area, middle, last),
		fmt.Sprintf("%s-%s-%s-%s", countryCode, area, middle, last),
		fmt.Sprintf("%s-%s-%s", area, middle, last),
	)
	if len(digits) == 10 {
		formats = append(formats, "+"+defaultCountryCode+digits)
	}

	seen := make(map[string]bool, len(formats))
	unique := formats[:0]
	for _, f := range formats {
		if !seen[f] {
			seen[f] = true
			unique = append(unique, f)
		}
	}
	return unique
}
