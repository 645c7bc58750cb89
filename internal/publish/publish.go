// Package publish sends posts to the X API. The watch loop only depends on
// the Publisher interface; the HTTP client lives behind it.
package publish

import (
	"context"

	"github.com/msageha/postwatch/internal/model"
)

// Publisher accepts a post and returns a reference to the published result.
// Any error is terminal for the attempt: the engine does not retry.
type Publisher interface {
	Publish(ctx context.Context, post *model.Post) (ref string, err error)
}

// Func adapts a function to the Publisher interface.
type Func func(ctx context.Context, post *model.Post) (string, error)

func (f Func) Publish(ctx context.Context, post *model.Post) (string, error) {
	return f(ctx, post)
}
