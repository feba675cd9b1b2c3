package mpesa

import (
	"fmt"
	"regexp"
	"strings"
)

var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts local and international Safaricom formats
// (07XXXXXXXX, +2547XXXXXXXX, 7XXXXXXXX) to 2547XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case !strings.HasPrefix(p, "254"):
		p = "254" + p
	}
	if !msisdnPattern.MatchString(p) {
		return "", fmt.Errorf("validation error: invalid phone number %q", phone)
	}
	return p, nil
}
