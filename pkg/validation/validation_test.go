package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rtcsession/pkg/errors"
)

func TestValidateSignalType(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		wantCode apperrors.ErrorCode
	}{
		{"empty", "", 0},
		{"simple", "chat", 0},
		{"all allowed chars", "a-Z_0.9~", 0},
		{"exactly 128", strings.Repeat("a", 128), 0},
		{"129 chars", strings.Repeat("a", 129), apperrors.ErrCodeTooLarge},
		{"space", "chat message", apperrors.ErrCodeBadRequest},
		{"slash", "chat/message", apperrors.ErrCodeBadRequest},
		{"unicode", "über", apperrors.ErrCodeBadRequest},
		{"129 chars with emoji", strings.Repeat("a", 127) + "😀", apperrors.ErrCodeTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalType(tt.typ)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
		})
	}
}

// jsonStringOfLength returns a string whose JSON encoding is n characters.
func jsonStringOfLength(n int) string {
	return strings.Repeat("x", n-2)
}

func TestValidateSignalData(t *testing.T) {
	t.Run("nil data", func(t *testing.T) {
		encoded, err := ValidateSignalData(nil)
		assert.NoError(t, err)
		assert.Empty(t, encoded)
	})

	t.Run("exactly 8192", func(t *testing.T) {
		encoded, err := ValidateSignalData(jsonStringOfLength(8192))
		require.NoError(t, err)
		assert.Len(t, encoded, 8192)
	})

	t.Run("8193 rejected", func(t *testing.T) {
		_, err := ValidateSignalData(jsonStringOfLength(8193))
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeTooLarge, apperrors.CodeOf(err))
	})

	t.Run("astral characters count twice", func(t *testing.T) {
		encoded, err := ValidateSignalData(strings.Repeat("😀", 4095))
		require.NoError(t, err)
		assert.Equal(t, 8192, codeUnits(encoded))

		_, err = ValidateSignalData(strings.Repeat("😀", 4096))
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeTooLarge, apperrors.CodeOf(err))
	})

	t.Run("self referencing map", func(t *testing.T) {
		m := map[string]interface{}{}
		m["self"] = m
		_, err := ValidateSignalData(m)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.CodeOf(err))
	})

	t.Run("self referencing slice", func(t *testing.T) {
		s := make([]interface{}, 1)
		s[0] = s
		_, err := ValidateSignalData(s)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.CodeOf(err))
	})

	t.Run("not serializable", func(t *testing.T) {
		_, err := ValidateSignalData(map[string]interface{}{"ch": make(chan int)})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.CodeOf(err))
	})

	t.Run("html is not escaped", func(t *testing.T) {
		encoded, err := ValidateSignalData("<b>&</b>")
		require.NoError(t, err)
		assert.Equal(t, `"<b>&</b>"`, encoded)
	})

	t.Run("object", func(t *testing.T) {
		encoded, err := ValidateSignalData(map[string]int{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, encoded)
	})
}

func TestValidateSignalTo(t *testing.T) {
	known := func(id string) bool { return id == "conn-1" }

	assert.NoError(t, ValidateSignalTo("", known))
	assert.NoError(t, ValidateSignalTo("conn-1", known))

	err := ValidateSignalTo("conn-2", known)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))

	err = ValidateSignalTo("conn-1", nil)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid session id", "1_MX4xMjM0NX5-abc", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 257), true},
		{"invalid chars", "id with space", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "session id")
			if tt.wantErr {
				assert.Equal(t, apperrors.ErrCodeInvalidParam, apperrors.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://example.com", false},
		{"valid https", "https://example.com", false},
		{"valid ws", "ws://example.com", false},
		{"valid wss", "wss://example.com", false},
		{"empty", "", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
