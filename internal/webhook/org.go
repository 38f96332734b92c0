package webhook

import (
	"github.com/nmxmxh/ovasabi-relay/pkg/events"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

var (
	orgKeys          = []string{"orgId", "org_id", "organizationId"}
	orgNestedObjects = []string{"message", "conversation", "data", "meeting", "file", "member"}
	orgObjects       = []string{"org", "organization"}
)

// OrgID returns the tenant an event belongs to. The envelope field wins;
// otherwise the payload is searched at the top level, then inside the
// well-known nested objects, then in an org object's id.
func OrgID(evt events.Event) string {
	if evt.Metadata.OrgID != "" {
		return evt.Metadata.OrgID
	}
	if len(evt.Payload) == 0 {
		return ""
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return ""
	}
	if id := lookupOrg(payload); id != "" {
		return id
	}
	for _, key := range orgNestedObjects {
		if nested, ok := payload[key].(map[string]interface{}); ok {
			if id := lookupOrg(nested); id != "" {
				return id
			}
		}
	}
	for _, key := range orgObjects {
		if org, ok := payload[key].(map[string]interface{}); ok {
			if id, ok := org["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

func lookupOrg(m map[string]interface{}) string {
	for _, key := range orgKeys {
		if id, ok := m[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
