package webhook

import (
	"testing"

	"github.com/nmxmxh/ovasabi-relay/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestOrgID(t *testing.T) {
	tests := []struct {
		name    string
		meta    string
		payload string
		want    string
	}{
		{"envelope wins", "env-org", `{"orgId":"payload-org"}`, "env-org"},
		{"top level camel", "", `{"orgId":"o1"}`, "o1"},
		{"top level snake", "", `{"org_id":"o2"}`, "o2"},
		{"organizationId", "", `{"organizationId":"o3"}`, "o3"},
		{"nested message", "", `{"message":{"id":"m1","orgId":"o4"}}`, "o4"},
		{"nested data", "", `{"data":{"org_id":"o5"}}`, "o5"},
		{"nested member", "", `{"member":{"organizationId":"o6"}}`, "o6"},
		{"org object", "", `{"org":{"id":"o7"}}`, "o7"},
		{"organization object", "", `{"organization":{"id":"o8"}}`, "o8"},
		{"top level before nested", "", `{"orgId":"top","message":{"orgId":"nested"}}`, "top"},
		{"non string ignored", "", `{"orgId":42}`, ""},
		{"absent", "", `{"conversationId":"c1"}`, ""},
		{"not an object", "", `["x"]`, ""},
		{"empty payload", "", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := events.Event{Name: "message:sent", Payload: []byte(tt.payload)}
			evt.Metadata.OrgID = tt.meta
			assert.Equal(t, tt.want, OrgID(evt))
		})
	}
}
