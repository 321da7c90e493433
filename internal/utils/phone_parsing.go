package utils

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// mobileRegex accepts an optional leading plus and up to 15 digits, no leading zero
var mobileRegex = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// UnknownRegion labels numbers whose country cannot be determined
const UnknownRegion = "unknown"

// IsValidMobile reports whether s is an acceptable mobile number. It is a format check
// only; the number is not required to be dialable.
func IsValidMobile(s string) bool {
	return mobileRegex.MatchString(s)
}

// FormatE164 returns the number with a leading plus, normalised by libphonenumber when
// it can parse it
func FormatE164(mobile string) string {
	withPlus := "+" + strings.TrimPrefix(strings.TrimSpace(mobile), "+")
	num, err := phonenumbers.Parse(withPlus, "")
	if err != nil {
		return withPlus
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// DigitsOnly strips the leading plus, which is the destination format of the WhatsApp API
func DigitsOnly(mobile string) string {
	return strings.TrimPrefix(FormatE164(mobile), "+")
}

// PhoneRegion returns the ISO region of the number's country code, e.g. "BR" or "US"
func PhoneRegion(mobile string) string {
	withPlus := "+" + strings.TrimPrefix(strings.TrimSpace(mobile), "+")
	num, err := phonenumbers.Parse(withPlus, "")
	if err != nil {
		return UnknownRegion
	}
	if region := phonenumbers.GetRegionCodeForNumber(num); region != "" && region != "ZZ" {
		return region
	}
	if region := phonenumbers.GetRegionCodeForCountryCode(int(num.GetCountryCode())); region != "" && region != "ZZ" {
		return region
	}
	return UnknownRegion
}
