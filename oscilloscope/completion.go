package oscilloscope

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// completer detects the end of an acquisition.  On failure the instrument
// has been forced to idle, or will be as soon as the connection is released.
type completer interface {
	wait(ctx context.Context) error
}

func (c *Controller) completer(s CompletionStrategy) completer {
	if s == Blocking {
		return blocker{c}
	}
	return busyWaiter{c}
}

// busyWaiter polls the instrument's acquiring status.  The connection is
// taken for one exchange per poll.
type busyWaiter struct {
	c *Controller
}

func (b busyWaiter) wait(ctx context.Context) error {
	c := b.c
	lim := rate.NewLimiter(rate.Every(c.poll), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			// the limiter refuses waits that would overrun the deadline
			<-ctx.Done()
			c.forceStop()
			return c.ctxError(ctx)
		}
		var acquiring bool
		err := c.do(ctx, func(inst Instrument) (err error) {
			acquiring, err = inst.Acquiring()
			return err
		})
		c.obs.Polled(c.name)
		if ctx.Err() != nil {
			c.forceStop()
			return c.ctxError(ctx)
		}
		switch c.variant.Faults.Classify(err) {
		case FaultNone:
			if !acquiring {
				return nil
			}
		case FaultCompletion:
			c.log.WithError(err).Debug("treating fault as end of acquisition")
			return nil
		case FaultTransient:
			c.log.WithError(err).Debug("poll timed out, retrying")
		case FaultInstrument:
			c.forceStop()
			return newError("run", ErrAcquisition, err)
		default:
			c.forceStop()
			return c.runError(ctx, err)
		}
	}
}

// blockSlice bounds a single operation-complete query, so a held
// connection is checked for cancellation at least this often
const blockSlice = 500 * time.Millisecond

// blocker holds the connection for operation-complete queries which are
// answered when the acquisition ends.  The queries are issued in slices of
// at most blockSlice until the deadline.  Cancellation returns to the
// caller at once; the connection stays held until the current slice
// returns, and the instrument is stopped before it is released.
type blocker struct {
	c *Controller
}

func (b blocker) wait(ctx context.Context) error {
	c := b.c
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	select {
	case c.conn <- struct{}{}:
	case <-ctx.Done():
		c.forceStop()
		return c.ctxError(ctx)
	}
	inst := c.inst
	if inst == nil {
		<-c.conn
		return newError("run", ErrDisconnected, nil)
	}
	res := make(chan error, 1)
	go func() {
		defer func() { <-c.conn }()
		err := b.hold(ctx, inst, deadline)
		if err != nil {
			if serr := inst.Stop(); serr != nil {
				c.log.WithError(serr).Warn("forced stop failed")
			}
		}
		res <- err
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return c.ctxError(ctx)
	}
}

// hold issues the slices with the connection held.  A non-nil return means
// the instrument must be stopped.
func (b blocker) hold(ctx context.Context, inst Instrument, deadline time.Time) error {
	c := b.c
	for {
		d := time.Until(deadline)
		if d > blockSlice {
			d = blockSlice
		}
		err := inst.WaitComplete(d)
		if ctx.Err() != nil {
			return c.ctxError(ctx)
		}
		switch c.variant.Faults.Classify(err) {
		case FaultNone, FaultCompletion:
			return nil
		case FaultTransient:
			if time.Now().Before(deadline) {
				continue
			}
			return newError("run", ErrAcquisitionTimeout, err)
		case FaultInstrument:
			return newError("run", ErrAcquisition, err)
		default:
			return newError("run", ErrConnection, err)
		}
	}
}
