package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"postpilot/internal/content"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// Publisher sends one post to its platform. Implementations own the platform
// API; the dispatcher owns state transitions around the call.
type Publisher interface {
	Publish(ctx context.Context, p post.Post) (post.Analytics, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, p post.Post) (post.Analytics, error)

func (f PublisherFunc) Publish(ctx context.Context, p post.Post) (post.Analytics, error) {
	return f(ctx, p)
}

// ErrPermanent marks a publish failure that retrying cannot fix (rejected
// content, revoked credentials). Wrap it to skip auto-retry.
var ErrPermanent = errors.New("permanent publish failure")

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// LogPublisher logs posts instead of sending them. It is the default when no
// platform client is configured.
type LogPublisher struct {
	Log logx.Logger
}

func (l LogPublisher) Publish(ctx context.Context, p post.Post) (post.Analytics, error) {
	if err := ctx.Err(); err != nil {
		return post.Analytics{}, err
	}
	id := uuid.NewString()
	l.Log.Info("publish (dry run)",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform),
		logx.Int("chars", content.TextLength(p.Content.Text)),
		logx.Int("media", len(p.Content.MediaRefs)),
		logx.String("external_id", id))
	return post.Analytics{ExternalID: id}, nil
}
