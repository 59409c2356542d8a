package internal

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/logger"
)

// Assert panics if mustBeTrue is false. It guards invariants whose
// violation is a bug in this module rather than a runtime failure.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}
	msg := fmt.Sprintf("assertion failed: %v", extraArgs)
	logger.Error(ctx, msg)
	panic(msg)
}
