package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionID(t *testing.T) {
	id1 := NewTransactionID()
	id2 := NewTransactionID()

	assert.NotEqual(t, id1, id2)
	_, err := uuid.Parse(id1)
	require.NoError(t, err)
}

func TestGenerateID(t *testing.T) {
	id := GenerateID("symphony")
	assert.True(t, strings.HasPrefix(id, "symphony_"))
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"long string", "hello world", 8, "hello..."},
		{"very short max", "hello", 2, "he"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateString(tt.input, tt.maxLen))
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "T1==****", MaskSensitive("T1==abcd", 4))
	assert.Equal(t, "***", MaskSensitive("abc", 4))
}

func TestMillis(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	ms := NowMillis()
	assert.Equal(t, fixed.UnixMilli(), ms)
	assert.True(t, FromMillis(ms).Equal(fixed))
	assert.True(t, FromMillis(0).IsZero())
	assert.Equal(t, time.Duration(0), Since(fixed))
}
