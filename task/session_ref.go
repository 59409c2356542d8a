package task

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
)

// SessionRef is how a Task holds its session: either OwnedSession or
// BorrowedSession. Only an OwnedSession knows how to close the session;
// the Aggregator does it once the last Task using the session is closed.
type SessionRef interface {
	fmt.Stringer
	Session() hw.Session
	release(ctx context.Context) error
}

// OwnedSession is a session the Task has opened itself.
type OwnedSession struct {
	HW hw.Session
	// Joined is set if the session was joined to a parent session and
	// must be disjoined before closing.
	Joined bool
}

var _ SessionRef = OwnedSession{}

func (s OwnedSession) Session() hw.Session {
	return s.HW
}

func (s OwnedSession) String() string {
	return fmt.Sprintf("owned(%p)", s.HW)
}

func (s OwnedSession) release(ctx context.Context) error {
	if s.Joined {
		if status := s.HW.Disjoin(ctx); status.IsError() {
			logger.Warnf(ctx, "unable to disjoin the session: %v", status)
		}
	}
	if err := s.HW.Close(ctx).Err(); err != nil {
		return fmt.Errorf("unable to close the session: %w", err)
	}
	return nil
}

// BorrowedSession is a session of a peer Task. It keeps the session open
// while the borrower is alive.
type BorrowedSession struct {
	HW hw.Session
}

var _ SessionRef = BorrowedSession{}

func (s BorrowedSession) Session() hw.Session {
	return s.HW
}

func (s BorrowedSession) String() string {
	return fmt.Sprintf("borrowed(%p)", s.HW)
}

func (s BorrowedSession) release(context.Context) error {
	return nil
}
