package remote

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"scriptgate.org/internal/authority"
)

// Wire methods of the authority service. Messages are google.protobuf.Struct
// so the loosely shaped upstream payloads can be carried without generated code.
const (
	serviceName            = "scriptgate.authority.v1.Authority"
	methodAuthenticate     = "/" + serviceName + "/Authenticate"
	methodGrantBatch       = "/" + serviceName + "/GrantBatch"
	methodRevokeBatch      = "/" + serviceName + "/RevokeBatch"
	methodValidateIdentity = "/" + serviceName + "/ValidateIdentity"

	apiKeyHeader    = "x-scriptgate-api-key"
	requestIDHeader = "x-request-id"
)

func batchRequest(identity string, ids []string) (*structpb.Struct, error) {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"identity":     identity,
		"resource_ids": list,
	})
}

func batchFromRequest(req *structpb.Struct) (string, []string) {
	m := req.AsMap()
	identity, _ := m["identity"].(string)
	raw, _ := m["resource_ids"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return identity, ids
}

func outcomesResponse(outcomes []authority.Outcome) (*structpb.Struct, error) {
	results := make([]any, len(outcomes))
	for i, o := range outcomes {
		results[i] = map[string]any{
			"resource_id": o.ResourceID,
			"succeeded":   o.Succeeded,
			"status":      o.RawStatus,
		}
	}
	return structpb.NewStruct(map[string]any{"results": results})
}

// decodeOutcomes normalizes the per-item payloads at the boundary. Upstream
// services have reported success as a boolean under several names or as a
// status string, and the resource id under several names too.
func decodeOutcomes(resp *structpb.Struct) ([]authority.Outcome, error) {
	raw, ok := resp.AsMap()["results"].([]any)
	if !ok {
		return nil, fmt.Errorf("authority response has no results list")
	}
	out := make([]authority.Outcome, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := firstString(m, "resource_id", "pine_id", "id")
		if id == "" {
			continue
		}
		status := firstString(m, "status", "raw_status", "message")
		succeeded, found := firstBool(m, "succeeded", "hasAccess", "removed", "success")
		if !found {
			succeeded = strings.EqualFold(status, "success")
		}
		if status == "" {
			if succeeded {
				status = "success"
			} else {
				status = "failed"
			}
		}
		out = append(out, authority.Outcome{ResourceID: id, Succeeded: succeeded, RawStatus: status})
	}
	return out, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b, true
		}
	}
	return false, false
}
