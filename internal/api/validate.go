package api

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (campaign names, contact names).
const maxNameLen = 200

// maxEmailLen is the maximum length for email addresses (RFC 5321).
const maxEmailLen = 254

// maxPasswordLen is the maximum length for dashboard passwords.
const maxPasswordLen = 256

// minPasswordLen is the minimum length for dashboard passwords.
const minPasswordLen = 8

// maxPromptLen is the maximum length for agent prompts and first messages.
const maxPromptLen = 10000

// emailRe is a basic email format regex. Not exhaustive; validates structure only.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// phoneRe validates dialable numbers: optional +, then 7-15 digits.
var phoneRe = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// usernameRe validates admin usernames: letters, digits, dot, dash, underscore.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._\-]{3,64}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateEmail checks that a string is a valid-looking email address.
func validateEmail(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxEmailLen {
		return field + " exceeds maximum length"
	}
	if !emailRe.MatchString(value) {
		return field + " is not a valid email address"
	}
	return ""
}

// normalizePhone strips spacing and punctuation commonly pasted into phone
// fields, keeping a leading + and digits.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
		// Dropped: spaces, dashes, dots, parentheses.
	}
	return b.String()
}

// validatePhone checks that a normalized phone number is dialable.
func validatePhone(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " is not a valid phone number"
	}
	return ""
}

// validateUsername checks admin username shape.
func validateUsername(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !usernameRe.MatchString(value) {
		return field + " must be 3-64 characters (letters, digits, . _ -)"
	}
	return ""
}

// validatePassword checks dashboard password length bounds.
func validatePassword(field, value string) string {
	if len(value) < minPasswordLen {
		return field + " must be at least " + strconv.Itoa(minPasswordLen) + " characters"
	}
	if len(value) > maxPasswordLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateTimezone checks that a timezone string is valid per IANA.
func validateTimezone(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxNameLen {
		return field + " exceeds maximum length"
	}
	if _, err := time.LoadLocation(value); err != nil {
		return field + " is not a valid IANA timezone"
	}
	return ""
}

// validateClock checks an "HH:MM" calling-window boundary. Empty is allowed.
func validateClock(field, value string) string {
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return field + " must be in HH:MM format"
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return field + " must be in HH:MM format"
	}
	return ""
}

// validateIntRange checks that a value is within [min, max].
func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return field + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
