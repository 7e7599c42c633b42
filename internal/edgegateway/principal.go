package edgegateway

import (
	"github.com/gin-gonic/gin"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/sessionfabric"
)

// principalFromRequest resolves the Principal bound to an incoming
// connection. Token validation is explicitly out of scope (spec.md §2
// Non-goals); EdgeGateway trusts identity headers set by an upstream
// authenticating proxy, falling back to query parameters for WebSocket
// clients that cannot set custom headers during the handshake — the same
// shape as the teacher's GetQueryParam/GetPathParam helpers in
// base_ref.go, generalized to identity instead of path params.
func principalFromRequest(c *gin.Context) (sessionfabric.Principal, error) {
	id := firstNonEmpty(c.GetHeader("X-Principal-Id"), c.Query("principal_id"))
	if id == "" {
		return sessionfabric.Principal{}, aetherr.Wrap(aetherr.KindUnauthorized, "missing principal identity")
	}
	name := firstNonEmpty(c.GetHeader("X-Principal-Name"), c.Query("display_name"), id)
	roleStr := firstNonEmpty(c.GetHeader("X-Principal-Role"), c.Query("role"), "collaborator")

	role, err := parseRole(roleStr)
	if err != nil {
		return sessionfabric.Principal{}, err
	}
	return sessionfabric.Principal{ID: id, DisplayName: name, Role: role}, nil
}

func parseRole(s string) (sessionfabric.Role, error) {
	switch sessionfabric.Role(s) {
	case sessionfabric.RoleOwner, sessionfabric.RoleCollaborator, sessionfabric.RoleObserver,
		sessionfabric.RoleSupervisor, sessionfabric.RoleAgent:
		return sessionfabric.Role(s), nil
	default:
		return "", aetherr.Wrap(aetherr.KindInvalidState, "unknown principal role %q", s)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
