package edgegateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aetherterm/aetherterm-core/internal/aetherr"
	"github.com/aetherterm/aetherterm-core/internal/wire"
)

// wireErrorCode maps an aetherr.Kind to the wire-level error code from
// spec §6/§7, generalizing the teacher's BaseHandler.SendError (a plain
// HTTP status + message pair) to the wire protocol's typed error taxonomy.
func wireErrorCode(kind aetherr.Kind) string {
	switch kind {
	case aetherr.KindUnauthorized:
		return wire.ErrUnauthorized
	case aetherr.KindNotFound, aetherr.KindUnknownTerminal:
		return wire.ErrNotFound
	case aetherr.KindInvalidState:
		return wire.ErrInvalidState
	case aetherr.KindResourceLimit:
		return wire.ErrResourceLimit
	case aetherr.KindBlocked:
		return wire.ErrBlocked
	case aetherr.KindRequestTimeout:
		return wire.ErrRequestTimeout
	default:
		return wire.ErrInvalidState
	}
}

// responseForError builds the Response payload for a request's *:response
// frame, classifying err through aetherr.KindOf the way errors.go's
// counterparts in the rest of the module do.
func responseForError(err error) wire.Response {
	if err == nil {
		return wire.Response{Success: true}
	}
	kind, ok := aetherr.KindOf(err)
	if !ok {
		return wire.Response{Success: false, Error: wire.ErrInvalidState, Message: err.Error()}
	}
	return wire.Response{Success: false, Error: wireErrorCode(kind), Message: err.Error()}
}

// httpStatusForKind is used only by the small admin HTTP surface
// (/healthz, /debug/workspaces), which is plain REST rather than
// wire-framed, matching the teacher's BaseHandler status-code mapping.
func httpStatusForKind(kind aetherr.Kind) int {
	switch kind {
	case aetherr.KindUnauthorized:
		return http.StatusForbidden
	case aetherr.KindNotFound, aetherr.KindUnknownTerminal:
		return http.StatusNotFound
	case aetherr.KindResourceLimit:
		return http.StatusServiceUnavailable
	case aetherr.KindRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// sendError mirrors the teacher's BaseHandler.SendError for the admin REST
// surface.
func sendError(c *gin.Context, err error) {
	kind, ok := aetherr.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = httpStatusForKind(kind)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
