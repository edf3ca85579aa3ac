// Package password evaluates candidate passwords against the product's
// password policy. The evaluator only reports which rules hold; callers
// decide what to do with a partial result (signup forms surface each rule
// as a live checklist, so every rule is computed independently rather than
// stopping at the first failure).
package password

import (
	"strings"
	"unicode/utf16"
)

// MinLength is the minimum acceptable password length in UTF-16 code
// units, the unit web form validation measures length in. Characters
// outside the basic multilingual plane count as two.
const MinLength = 8

// SpecialChars is the fixed set of characters that satisfy the
// special-character rule.
const SpecialChars = `!@#$%^&*(),.?":{}|<>`

// Validation reports which policy rules a candidate password satisfies.
type Validation struct {
	HasMinLength   bool `json:"has_min_length"`
	HasUpperCase   bool `json:"has_upper_case"`
	HasLowerCase   bool `json:"has_lower_case"`
	HasNumber      bool `json:"has_number"`
	HasSpecialChar bool `json:"has_special_char"`
}

// OK reports whether every rule holds.
func (v Validation) OK() bool {
	return v.HasMinLength && v.HasUpperCase && v.HasLowerCase && v.HasNumber && v.HasSpecialChar
}

// Validate scores a candidate password against the policy. It is pure and
// total: any input yields a result, and no rule short-circuits another.
func Validate(pw string) Validation {
	v := Validation{}
	n := 0
	for _, r := range pw {
		if units := utf16.RuneLen(r); units > 0 {
			n += units
		} else {
			n++
		}
		switch {
		case r >= 'A' && r <= 'Z':
			v.HasUpperCase = true
		case r >= 'a' && r <= 'z':
			v.HasLowerCase = true
		case r >= '0' && r <= '9':
			v.HasNumber = true
		case strings.ContainsRune(SpecialChars, r):
			v.HasSpecialChar = true
		}
	}
	v.HasMinLength = n >= MinLength
	return v
}

// MatchConfirmation reports whether the confirmation input equals the
// primary password input. Signup and password-change flows must not reach
// the identity service when this is false.
func MatchConfirmation(pw, confirm string) bool {
	return pw == confirm
}
