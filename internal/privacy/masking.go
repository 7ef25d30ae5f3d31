package privacy

import (
	"strings"

	"smsbridge/internal/constants"
)

// MaskPhoneNumber masks a phone number, keeping only the last digits.
// Example: "+15550100123" -> "+*******0123". Short-codes are short enough
// that masking would destroy them entirely, so they pass through.
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	keep := constants.DefaultPhoneMaskLength
	if strings.HasPrefix(phone, "+") {
		digits := phone[1:]
		if len(digits) <= keep {
			return "+" + strings.Repeat("*", len(digits))
		}
		return "+" + strings.Repeat("*", len(digits)-keep) + digits[len(digits)-keep:]
	}

	if len(phone) <= constants.MaxShortCodeDigits && isDigits(phone) {
		return phone
	}
	if len(phone) <= keep {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-keep) + phone[len(phone)-keep:]
}

// MaskConversationKey masks the address portion of a conversation key while
// keeping the service prefix readable, so logs stay correlatable.
func MaskConversationKey(key string) string {
	if strings.HasPrefix(key, "service:") {
		return key
	}
	if rest, ok := strings.CutPrefix(key, "group:"); ok {
		return "group:" + MaskConversationKey(rest)
	}
	if strings.Contains(key, ",") {
		parts := strings.Split(key, ",")
		for i, p := range parts {
			parts[i] = MaskPhoneNumber(p)
		}
		return strings.Join(parts, ",")
	}
	return MaskPhoneNumber(key)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
