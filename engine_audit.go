package goShield

import (
	"context"
	"time"
)

const (
	auditEventAuthSuccess       = "auth_success"
	auditEventAuthFailure       = "auth_failure"
	auditEventVerifyFailure     = "verify_failure"
	auditEventHammeringCooldown = "hammering_cooldown"
	auditEventSSOExchange       = "sso_exchange"
)

func (e *Engine) emitAudit(ctx context.Context, eventType, user, client string, success bool, err error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		User:      user,
		Client:    client,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if metadata != nil {
		event.Metadata = metadata()
	}

	e.audit.Emit(ctx, event)
}
