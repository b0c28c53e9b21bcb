package provider_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/provider"
)

func TestID_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want provider.ID
	}{
		{in: `{"id":123456789012}`, want: "123456789012"},
		{in: `{"id":"2c938084"}`, want: "2c938084"},
		{in: `{"id":null}`, want: ""},
		{in: `{}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			var v struct {
				ID provider.ID `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(tt.in), &v))
			assert.Equal(t, tt.want, v.ID)
		})
	}

	var bad struct {
		ID provider.ID `json:"id"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"id":true}`), &bad))
}

func TestToMinorUnits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(1999), provider.ToMinorUnits(19.99))
	assert.Equal(t, int64(1000), provider.ToMinorUnits(10))
	assert.Equal(t, int64(50), provider.ToMinorUnits(0.5))
	assert.Equal(t, int64(0), provider.ToMinorUnits(0))
}
