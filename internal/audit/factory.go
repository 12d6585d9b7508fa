package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/medtranslate/internal/policy"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// normalize fills ID and timestamp and redacts the detail.
func normalize(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Detail, _ = policy.Redact(ev.Detail)
	return ev
}
