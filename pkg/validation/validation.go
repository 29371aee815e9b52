package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf16"

	apperrors "rtcsession/pkg/errors"
)

// Signal limits count UTF-16 code units, so a character outside the Basic
// Multilingual Plane counts twice.
const (
	// MaxSignalTypeLength is the longest accepted signal type.
	MaxSignalTypeLength = 128
	// MaxSignalDataLength bounds the JSON form of signal data.
	MaxSignalDataLength = 8192
)

var (
	// SignalTypeRegex validates signal type characters
	SignalTypeRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

	// IDRegex validates session, stream and connection identifiers
	IDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.~*]+$`)
)

// ValidateSignalType checks a user supplied signal type. An empty type is
// allowed and means "untyped".
func ValidateSignalType(signalType string) error {
	if signalType == "" {
		return nil
	}
	if codeUnits(signalType) > MaxSignalTypeLength {
		return apperrors.Newf(apperrors.ErrCodeTooLarge,
			"signal type is too long (max %d characters)", MaxSignalTypeLength)
	}
	if !SignalTypeRegex.MatchString(signalType) {
		return apperrors.New(apperrors.ErrCodeBadRequest,
			"signal type contains invalid characters (only A-Z, a-z, 0-9, '-', '.', '_', '~' allowed)")
	}
	return nil
}

// ValidateSignalData checks that data can be encoded to JSON and that the
// encoded form fits the limit. It returns the encoded form.
func ValidateSignalData(data interface{}) (string, error) {
	if data == nil {
		return "", nil
	}
	encoded, err := EncodeJSON(data)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "signal data is not JSON serializable")
	}
	if codeUnits(encoded) > MaxSignalDataLength {
		return "", apperrors.Newf(apperrors.ErrCodeTooLarge,
			"signal data is too long (max %d characters)", MaxSignalDataLength)
	}
	return encoded, nil
}

func codeUnits(s string) int {
	n := 0
	for _, r := range s {
		if l := len(utf16.Encode([]rune{r})); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// ValidateSignalTo checks that a recipient, when given, is known.
func ValidateSignalTo(to string, known func(id string) bool) error {
	if to == "" {
		return nil
	}
	if known == nil || !known(to) {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "signal recipient %q is not a connection in this session", to)
	}
	return nil
}

// EncodeJSON encodes v without HTML escaping and without a trailing newline.
func EncodeJSON(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ValidateID validates a session, stream or connection identifier
func ValidateID(id, fieldName string) error {
	if id == "" {
		return apperrors.Newf(apperrors.ErrCodeInvalidParam, "%s is required", fieldName)
	}
	if len(id) > 256 {
		return apperrors.Newf(apperrors.ErrCodeInvalidParam, "%s is too long (max 256 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return apperrors.Newf(apperrors.ErrCodeInvalidParam, "invalid %s format", fieldName)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
