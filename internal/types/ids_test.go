package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID()
	require.NoError(t, id.Validate())
	assert.NotEqual(t, id, NewID())
	assert.Len(t, id.Short(), 8)
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid UUID v4", "550e8400-e29b-41d4-a716-446655440000", false},
		{"empty string", "", true},
		{"not a UUID", "not-a-uuid", true},
		{"partial UUID", "550e8400-e29b-41d4", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, id.String())
		})
	}
}

func TestID_JSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		id := NewID()
		data, err := json.Marshal(id)
		require.NoError(t, err)

		var decoded ID
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, id, decoded)
	})

	t.Run("zero value marshals to null", func(t *testing.T) {
		data, err := json.Marshal(ID(""))
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))

		var decoded ID
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.True(t, decoded.IsZero())
	})

	t.Run("invalid uuid rejected", func(t *testing.T) {
		var decoded ID
		assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &decoded))
	})
}
