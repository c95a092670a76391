package internal

import (
	"time"

	"github.com/zapmesh/wagateway/pkg/dedup"
	"github.com/zapmesh/wagateway/pkg/dispatch"
	"github.com/zapmesh/wagateway/pkg/queue"
	"github.com/zapmesh/wagateway/pkg/session"
	"github.com/zapmesh/wagateway/pkg/store"
)

// Deps carries the long-lived gateway components into the HTTP layer and
// the background routines. Store is nil when no database is configured.
type Deps struct {
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Runner
	Guard      *dedup.Guard
	Store      *store.Store

	// Retention for finished broadcast jobs and audit log rows.
	JobRetention time.Duration
	LogRetention time.Duration
}
