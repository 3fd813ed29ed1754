package transform

import (
	"regexp"
	"strings"
	"time"
)

const (
	cnpjLength       = 14
	maxDecimalDigits = 15
	maxDecimalPlaces = 4
)

var (
	nonDigits      = regexp.MustCompile(`[^0-9]`)
	controlNumber  = regexp.MustCompile(`^[A-Za-z0-9\-/]+$`)
	decimalPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

	brazilianStates = map[string]struct{}{
		"AC": {}, "AL": {}, "AP": {}, "AM": {}, "BA": {}, "CE": {}, "DF": {},
		"ES": {}, "GO": {}, "MA": {}, "MT": {}, "MS": {}, "MG": {}, "PA": {},
		"PB": {}, "PR": {}, "PE": {}, "PI": {}, "RJ": {}, "RN": {}, "RS": {},
		"RO": {}, "RR": {}, "SC": {}, "SP": {}, "SE": {}, "TO": {},
	}
)

// NormalizeCNPJ strips formatting from a CNPJ, keeping digits only
func NormalizeCNPJ(cnpj string) string {
	return nonDigits.ReplaceAllString(cnpj, "")
}

// ValidCNPJ validates a CNPJ's length and check digits
func ValidCNPJ(cnpj string) bool {
	cnpj = NormalizeCNPJ(cnpj)
	if len(cnpj) != cnpjLength {
		return false
	}

	// All-equal digits pass the checksum but are not valid registrations
	if strings.Count(cnpj, string(cnpj[0])) == cnpjLength {
		return false
	}

	weights1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	weights2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}

	check1 := cnpjCheckDigit(cnpj[:12], weights1)
	check2 := cnpjCheckDigit(cnpj[:13], weights2)

	return int(cnpj[12]-'0') == check1 && int(cnpj[13]-'0') == check2
}

func cnpjCheckDigit(partial string, weights []int) int {
	total := 0
	for i, w := range weights {
		total += int(partial[i]-'0') * w
	}
	remainder := total % 11
	if remainder < 2 {
		return 0
	}
	return 11 - remainder
}

// ValidControlNumber validates the PNCP control number format
// (alphanumeric with hyphens and the trailing /year segment)
func ValidControlNumber(n string) bool {
	if n == "" {
		return false
	}
	return controlNumber.MatchString(n)
}

// ValidUF validates a Brazilian state abbreviation
func ValidUF(uf string) bool {
	_, ok := brazilianStates[strings.ToUpper(uf)]
	return ok
}

// ValidDecimal validates a decimal amount string: numeric, at most 15 total
// digits and 4 decimal places. Amounts are kept as strings end to end so no
// float rounding ever touches monetary values.
func ValidDecimal(value string) bool {
	if !decimalPattern.MatchString(value) {
		return false
	}

	digits := strings.TrimPrefix(value, "-")
	intPart, fracPart, hasFrac := strings.Cut(digits, ".")
	if hasFrac && len(fracPart) > maxDecimalPlaces {
		return false
	}

	total := len(strings.TrimLeft(intPart, "0")) + len(fracPart)
	if total == 0 {
		// plain zero
		total = 1
	}
	return total <= maxDecimalDigits
}

// date layouts accepted from upstream payloads
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"20060102",
}

// ParseDate parses an upstream date string in any of the accepted layouts
func ParseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
