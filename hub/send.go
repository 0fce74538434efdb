package hub

import (
	"context"

	"mini-hub/shape"
)

// Send encodes msg positionally and dispatches it under its message name.
// Paired with Subscribe[T] on the receiving side.
func Send[T any](ctx context.Context, s Sender, msg T) error {
	sh, err := shape.Of[T]()
	if err != nil {
		return err
	}
	args, err := sh.Encode(msg)
	if err != nil {
		return err
	}
	return s.Send(ctx, sh.Name, args)
}
