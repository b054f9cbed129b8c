package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "companyhub/pkg/domain-errors"
)

func TestParseNIP(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NIP
		wantErr bool
	}{
		{name: "plain digits", input: "1234567890", want: "1234567890"},
		{name: "dashed", input: "123-456-78-90", want: "1234567890"},
		{name: "spaced with country prefix", input: "PL 526 025 09 95", want: "5260250995"},
		{name: "lowercase prefix", input: "pl5260250995", want: "5260250995"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "too short", input: "123456789", wantErr: true},
		{name: "too long", input: "12345678901", wantErr: true},
		{name: "letters", input: "12345X7890", wantErr: true},
		{name: "repeated digit", input: "1111111111", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNIP(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNIPChecksum(t *testing.T) {
	t.Run("valid checksum", func(t *testing.T) {
		n, err := ParseStrictNIP("5260250995")
		require.NoError(t, err)
		assert.True(t, n.ValidChecksum())
	})

	t.Run("lenient parse accepts bad checksum", func(t *testing.T) {
		n, err := ParseNIP("1234567890")
		require.NoError(t, err)
		assert.False(t, n.ValidChecksum())
	})

	t.Run("strict parse rejects bad checksum", func(t *testing.T) {
		_, err := ParseStrictNIP("1234567890")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}
