package ports

import (
	"context"

	"github.com/layer-3/siwe-auth/core"
)

// EventPublisher notifies other services about session lifecycle changes
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event core.SessionEvent) error
}
