package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantOK   bool
		wantErr  bool
		wantKind EventKind
	}{
		{
			name:     "notification",
			frame:    `{"event":"notification:new","data":{"id":"n1","type":"memory_shared"}}`,
			wantOK:   true,
			wantKind: NotificationCreated,
		},
		{
			name:     "relationship request",
			frame:    `{"event":"relationship:request","data":{"sender":{"username":"a"},"relationship":{"id":"r"}}}`,
			wantOK:   true,
			wantKind: RelationshipRequested,
		},
		{
			name:   "unknown",
			frame:  `{"event":"tree:updated","data":{}}`,
			wantOK: false,
		},
		{
			name:    "malformed payload",
			frame:   `{"event":"notification:new","data":"not an object"}`,
			wantOK:  true,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f frame
			require.NoError(t, json.Unmarshal([]byte(tt.frame), &f))

			evt, ok, err := decode(f)

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if ok {
				assert.Equal(t, tt.wantKind, evt.Kind)
			}
		})
	}
}

func TestRelationship_AcceptsMongoID(t *testing.T) {
	var r Relationship
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"abc","type":"parent"}`), &r))
	assert.Equal(t, "abc", r.ID)
	assert.Equal(t, "parent", r.Type)
}

func TestDecode_RelationshipTimestamp(t *testing.T) {
	want := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		data string
		want time.Time
	}{
		{"rfc3339", `{"relationship":{"id":"r"},"timestamp":"2024-06-01T09:30:00Z"}`, want},
		{"unix millis", `{"relationship":{"id":"r"},"timestamp":1717234200000}`, want},
		{"createdAt", `{"relationship":{"id":"r"},"createdAt":"2024-06-01T11:30:00+02:00"}`, want},
		{"missing", `{"relationship":{"id":"r"}}`, time.Time{}},
		{"garbage", `{"relationship":{"id":"r"},"timestamp":"yesterday"}`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok, err := decode(frame{Event: wireRelationshipConfirmed, Data: json.RawMessage(tt.data)})

			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(evt.At), "got %v", evt.At)
		})
	}
}
