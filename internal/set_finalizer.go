package internal

import (
	"context"
	"runtime"

	"github.com/xaionaro-go/msdk/logger"
)

// SetFinalizerClose closes the object when it is garbage-collected and
// warns, since reaching this means somebody forgot to call Close.
func SetFinalizerClose[T interface {
	Close(context.Context) error
}](
	ctx context.Context,
	obj T,
) {
	runtime.SetFinalizer(obj, func(obj T) {
		logger.Warnf(ctx, "%T was not closed explicitly, closing it in the finalizer", obj)
		if err := obj.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %T: %v", obj, err)
		}
	})
}
