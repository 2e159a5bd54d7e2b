package validation

import (
	"errors"
	"net/url"
	"strings"
	"unicode"
)

// MaxNameLength is the maximum target name length in runes.
const MaxNameLength = 64

// ErrNameEmpty is returned when a target name is empty or whitespace-only after trim.
var ErrNameEmpty = errors.New("target name is required")

// ErrNameTooLong is returned when a target name exceeds MaxNameLength.
var ErrNameTooLong = errors.New("target name too long")

// ErrNameInvalidChars is returned when a target name contains disallowed characters.
var ErrNameInvalidChars = errors.New("target name contains invalid characters")

// ErrNameNoAlnum is returned when a target name has no letter or digit.
// Names such as "." or ".." are path segments that routers clean away.
var ErrNameNoAlnum = errors.New("target name must contain a letter or digit")

// ErrURLInvalid is returned when a target URL cannot be parsed or has no host.
var ErrURLInvalid = errors.New("target url is invalid")

// ErrURLScheme is returned when a target URL is not http or https.
var ErrURLScheme = errors.New("target url scheme must be http or https")

// ValidateTargetName trims the input and restricts it to ASCII letters, digits,
// hyphen, underscore and dot, with at least one letter or digit. Names appear
// in URL paths and metric labels.
func ValidateTargetName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNameEmpty
	}
	if len(r) > MaxNameLength {
		return "", ErrNameTooLong
	}
	alnum := false
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			alnum = true
		}
	}
	if !alnum {
		return "", ErrNameNoAlnum
	}
	return s, nil
}

func isAllowedNameRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}

// ValidateTargetURL trims the input and requires an absolute http(s) URL with a host.
func ValidateTargetURL(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrURLInvalid
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", ErrURLInvalid
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return "", ErrURLInvalid
	default:
		return "", ErrURLScheme
	}
	if u.Host == "" {
		return "", ErrURLInvalid
	}
	return s, nil
}
