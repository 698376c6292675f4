package runtime

import (
	"context"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/telemetry"
)

type (
	// Auditor appends structured audit entries through the store. Audit
	// writes never fail workflow progress: persistence errors are logged and
	// swallowed.
	Auditor struct {
		store  engine.Store
		logger telemetry.Logger
		clock  func() time.Time
	}
)

// NewAuditor builds an auditor over the given store.
func NewAuditor(store engine.Store, logger telemetry.Logger, clock func() time.Time) *Auditor {
	if clock == nil {
		clock = time.Now
	}
	return &Auditor{store: store, logger: logger, clock: clock}
}

// Append fills in At and ID when unset and persists the entry best-effort.
func (a *Auditor) Append(ctx context.Context, e *engine.AuditEntry) {
	if e.At.IsZero() {
		e.At = a.clock()
	}
	if e.ID == "" {
		e.ID = engine.NewAuditID(e.At)
	}
	if err := a.store.AppendAuditEntry(ctx, e); err != nil {
		a.logger.Warn(ctx, "audit append failed",
			"execution_id", e.ExecutionID, "kind", string(e.Kind), "err", err.Error())
	}
}
