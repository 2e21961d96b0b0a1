package authgate

import (
	"io"

	"github.com/mpetrenko/authgate/internal/audit"
)

// AuditEvent is one structured audit record emitted by the engine's flows.
type AuditEvent = audit.Event

// AuditSink consumes audit events. Emit is called from a single dispatcher
// goroutine, never from request paths.
type AuditSink = audit.Sink

// Audit event type names, as found in AuditEvent.EventType.
const (
	AuditEventLogin         = audit.EventLogin
	AuditEventRefresh       = audit.EventRefresh
	AuditEventRefreshReuse  = audit.EventRefreshReuse
	AuditEventLogout        = audit.EventLogout
	AuditEventLogoutAll     = audit.EventLogoutAll
	AuditEventResetRequest  = audit.EventResetRequest
	AuditEventResetConfirm  = audit.EventResetConfirm
	AuditEventVerifyRequest = audit.EventVerifyRequest
	AuditEventVerifyConfirm = audit.EventVerifyConfirm
	AuditEventRateLimited   = audit.EventRateLimited
)

// NewChannelAuditSink returns a sink that hands events to a consumer over a
// buffered channel. Useful in tests and for custom pipelines.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a sink that writes one JSON object per line.
func NewJSONAuditSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
