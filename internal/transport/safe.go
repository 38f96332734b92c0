package transport

import (
	"context"
	"fmt"
)

// invoke runs h and converts a panic into an error.
func invoke(ctx context.Context, h Handler, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
