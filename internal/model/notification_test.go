package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotification_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantID   string
		wantKind NotificationKind
	}{
		{"plain id", `{"id":"n1","type":"message"}`, "n1", KindMessage},
		{"mongo id", `{"_id":"m1","type":"relationship_request"}`, "m1", KindRelationshipRequest},
		{"id wins over _id", `{"id":"n1","_id":"m1","type":"memory_shared"}`, "n1", KindMemoryShared},
		{"unknown kind", `{"id":"n1","type":"birthday_party"}`, "n1", KindGeneric},
		{"missing kind", `{"id":"n1"}`, "n1", KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Notification
			require.NoError(t, json.Unmarshal([]byte(tt.body), &n))
			assert.Equal(t, tt.wantID, n.ID)
			assert.Equal(t, tt.wantKind, n.Kind)
		})
	}
}

func TestNotification_DecodesFields(t *testing.T) {
	body := `{
		"_id": "n7",
		"type": "relationship_accepted",
		"title": "Relationship confirmed",
		"message": "bob accepted your relationship request",
		"read": true,
		"createdAt": "2024-05-01T12:30:00Z",
		"data": {"relationshipId": "r9"}
	}`

	var n Notification
	require.NoError(t, json.Unmarshal([]byte(body), &n))

	assert.Equal(t, "n7", n.ID)
	assert.Equal(t, KindRelationshipAccepted, n.Kind)
	assert.True(t, n.Read)
	assert.Equal(t, 2024, n.CreatedAt.Year())
	assert.Equal(t, "r9", n.Payload["relationshipId"])
}

func TestUserSummary_UnmarshalJSON(t *testing.T) {
	var u UserSummary
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"u1","username":"ada","email":"ada@example.com"}`), &u))

	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "ada", u.DisplayName())

	u = UserSummary{FirstName: "Ada"}
	assert.Equal(t, "Ada", u.DisplayName())
}

func TestSession_Active(t *testing.T) {
	assert.True(t, Session{Status: StatusAuthenticated}.Active())
	assert.True(t, Session{Status: StatusRefreshing}.Active())
	assert.False(t, Session{Status: StatusExpired}.Active())
	assert.False(t, Session{Status: StatusAnonymous}.Active())
	assert.False(t, Session{Status: StatusAuthenticating}.Active())
	assert.Equal(t, "expired", StatusExpired.String())
}
