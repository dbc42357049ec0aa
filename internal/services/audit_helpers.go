package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/imovtec/twofactor/pkg/metrics"
)

type auditAppender interface {
	AppendAudit(ctx context.Context, event AuditEvent) error
}

// recordAudit appends event while tolerating audit failures: they are logged
// and counted but never change the outcome of the operation being audited.
func recordAudit(ctx context.Context, store auditAppender, log *zap.Logger, event AuditEvent) {
	if store == nil {
		return
	}
	if err := store.AppendAudit(ctx, event); err != nil {
		metrics.AuditWriteFailures.Inc()
		if log != nil {
			log.Warn("two factor audit write failed",
				zap.String("action", event.Action),
				zap.String("principal", event.Principal.String()),
				zap.Error(err),
			)
		}
	}
}
