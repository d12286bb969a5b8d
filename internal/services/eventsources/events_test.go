package eventsources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		check   func(t *testing.T, ev *Event)
	}{
		{
			name:  "measurement with payload",
			input: `{"device_token": "sensor-1", "type": "measurement", "payload": {"temperature": 21.5}}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, "sensor-1", ev.DeviceToken)
				assert.Equal(t, "measurement", ev.Type)
				assert.Equal(t, 21.5, ev.Payload.GetFields()["temperature"].GetNumberValue())
			},
		},
		{
			name:  "payload defaults to empty",
			input: `{"device_token": "sensor-1", "type": "alert"}`,
			check: func(t *testing.T, ev *Event) {
				require.NotNil(t, ev.Payload)
				assert.Empty(t, ev.Payload.GetFields())
			},
		},
		{
			name:    "missing device token",
			input:   `{"type": "measurement"}`,
			wantErr: "device_token is required",
		},
		{
			name:    "missing type",
			input:   `{"device_token": "sensor-1"}`,
			wantErr: "type is required",
		},
		{
			name:    "not json",
			input:   `device_token=sensor-1`,
			wantErr: "invalid event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestEventFromStructCarriesRoutingFields(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := structpb.NewStruct(map[string]interface{}{"level": "high"})
	require.NoError(t, err)

	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"tenant":       structpb.NewStringValue("acme"),
		"source":       structpb.NewStringValue("mqtt"),
		"device_token": structpb.NewStringValue("sensor-1"),
		"type":         structpb.NewStringValue("alert"),
		"received_at":  structpb.NewStringValue(received.Format(time.RFC3339Nano)),
		"payload":      structpb.NewStructValue(payload),
	}}
	ev, err := EventFromStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "acme", ev.Tenant)
	assert.Equal(t, "mqtt", ev.Source)
	assert.True(t, received.Equal(ev.ReceivedAt))
	assert.Equal(t, "high", ev.Payload.GetFields()["level"].GetStringValue())

	in.Fields["received_at"] = structpb.NewStringValue("yesterday")
	_, err = EventFromStruct(in)
	assert.Error(t, err)
}

func TestParseSources(t *testing.T) {
	sources, err := ParseSources(" mqtt, coap ,http")
	require.NoError(t, err)
	assert.Equal(t, []string{"mqtt", "coap", "http"}, sources)

	_, err = ParseSources("mqtt,mqtt")
	assert.ErrorContains(t, err, "duplicate source id")

	_, err = ParseSources("bad source")
	assert.ErrorContains(t, err, "invalid source id")

	_, err = ParseSources(" , ")
	assert.ErrorContains(t, err, "at least one source")
}
