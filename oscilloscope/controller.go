package oscilloscope

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAcquisitionTimeout bounds a run whose context has no deadline
	DefaultAcquisitionTimeout = 10 * time.Second

	// DefaultPollInterval is the busy-wait polling period
	DefaultPollInterval = 5 * time.Millisecond

	// DefaultStaleAfter is the age after which cached values are reported
	// as not updated
	DefaultStaleAfter = time.Second
)

// Observer receives notifications of controller activity, for metrics
type Observer interface {
	StateChanged(device string, s State)
	AcquisitionDone(device string, result string, d time.Duration)
	Polled(device string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State)                   {}
func (nopObserver) AcquisitionDone(string, string, time.Duration) {}
func (nopObserver) Polled(string)                                 {}

// Acquisition results reported to the Observer
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultAborted = "aborted"
	ResultError   = "error"
)

// Config is the configuration of a Controller
type Config struct {
	// Name identifies the device in logs and metrics
	Name string

	// Host is the initial connection target, it may be changed with the
	// Host attribute while disconnected
	Host string

	// Variant is the instrument family
	Variant Variant

	// Factory builds the instrument driver at Connect
	Factory Factory

	// AcquisitionTimeout bounds a run when its context has no deadline
	AcquisitionTimeout time.Duration

	// PollInterval is the busy-wait polling period
	PollInterval time.Duration

	// StaleAfter is the age after which Status reports no update
	StaleAfter time.Duration

	// Logger, logrus.StandardLogger if nil
	Logger logrus.FieldLogger

	// Observer, none if nil
	Observer Observer
}

// finalizer is a teardown step bound to the connection lifetime
type finalizer struct {
	name string
	fn   func(Instrument) error
}

// Controller is the lifecycle state machine of one oscilloscope.
//
// Lifecycle operations (Connect, Run, Stop, Disconnect) are serialized.
// Every instrument command flows through a single connection lock, so
// attribute writes and Execute interleave with busy-wait polling, and wait
// behind a blocking completion query.  Reads are served from the Store and
// never touch the instrument.
type Controller struct {
	name    string
	variant Variant
	factory Factory
	timeout time.Duration
	poll    time.Duration
	stale   time.Duration
	log     logrus.FieldLogger
	obs     Observer
	store   *Store

	lifecycle sync.Mutex

	mu         sync.Mutex // guards everything below it to conn
	state      State
	cancel     context.CancelFunc
	done       chan struct{}
	runStart   time.Time
	finalizers []finalizer

	conn chan struct{} // semaphore over inst
	inst Instrument
}

// NewController returns a disconnected controller
func NewController(cfg Config) *Controller {
	if cfg.AcquisitionTimeout <= 0 {
		cfg.AcquisitionTimeout = DefaultAcquisitionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Variant.Name == "" {
		cfg.Variant = Generic
	}
	c := &Controller{
		name:    cfg.Name,
		variant: cfg.Variant,
		factory: cfg.Factory,
		timeout: cfg.AcquisitionTimeout,
		poll:    cfg.PollInterval,
		stale:   cfg.StaleAfter,
		log:     cfg.Logger.WithFields(logrus.Fields{"device": cfg.Name, "variant": cfg.Variant.Name}),
		obs:     cfg.Observer,
		store:   NewStore(cfg.Variant),
		conn:    make(chan struct{}, 1),
	}
	if cfg.Host != "" {
		c.store.commit(c.store.index["Host"], cfg.Host)
	}
	return c
}

// Device is the name of the device
func (c *Controller) Device() string {
	return c.name
}

// Variant is the instrument family of the device
func (c *Controller) Variant() Variant {
	return c.variant
}

// Store is the attribute store of the device
func (c *Controller) Store() *Store {
	return c.store
}

// State is the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("state change")
		c.obs.StateChanged(c.name, s)
	}
}

// Strategy is the completion strategy the next run will use
func (c *Controller) Strategy() CompletionStrategy {
	if c.variant.BusyWaitToggle {
		if c.store.BusyWait() {
			return BusyWait
		}
		return Blocking
	}
	return c.variant.Completion
}

// Status is a human readable summary of the state and freshness of the
// device, with a warning when the blocking completion strategy is active
func (c *Controller) Status() string {
	c.mu.Lock()
	st, since := c.state, c.runStart
	c.mu.Unlock()
	parts := []string{st.String() + "."}
	switch st {
	case Running:
		if age := time.Since(since); age > c.stale {
			parts = append(parts, fmt.Sprintf("No trigger detected in the last %.1f seconds.", age.Seconds()))
		}
	case Connected, Stopped:
		if age := time.Since(c.store.Updated()); age > c.stale {
			parts = append(parts, fmt.Sprintf("No update in the last %.1f seconds.", age.Seconds()))
		} else {
			parts = append(parts, "Up-to-date.")
		}
	}
	if c.Strategy() == Blocking {
		parts = append(parts, "Warning: busy-wait is disabled, the connection is blocked for the whole acquisition.")
	}
	return strings.Join(parts, " ")
}

// do runs fn with exclusive use of the instrument, waiting for the
// connection if it is held.  It fails with ErrDisconnected when there is no
// instrument.
func (c *Controller) do(ctx context.Context, fn func(Instrument) error) error {
	select {
	case c.conn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.conn }()
	if c.inst == nil {
		return ErrDisconnected
	}
	return fn(c.inst)
}

// driverError wraps an error from the instrument for op.  Faults reported
// by the instrument are rejections, anything else is a connection problem.
func (c *Controller) driverError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDisconnected) {
		return newError(op, ErrDisconnected, nil)
	}
	var f Fault
	if errors.As(err, &f) {
		return newError(op, ErrInstrumentRejected, err)
	}
	return newError(op, ErrConnection, err)
}

// Connect opens the connection to the instrument at Host, reads its
// identity, and initializes the store from the instrument's configuration.
// On failure the connection is closed and the state remains Disconnected.
func (c *Controller) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if st := c.State(); st != Disconnected {
		return newError("connect", ErrState, errors.Errorf("already %s", st))
	}
	if err := ctx.Err(); err != nil {
		return newError("connect", ErrConnection, err)
	}
	host := c.store.Host()
	if host == "" {
		return newError("connect", ErrConnection, errors.New("no host configured"))
	}
	if c.factory == nil {
		return newError("connect", ErrConnection, errors.New("no instrument factory"))
	}
	inst := c.factory(host)
	fail := func(err error) error {
		if cerr := inst.Close(); cerr != nil {
			c.log.WithError(cerr).Warn("close after failed connect")
		}
		c.log.WithError(err).WithField("host", host).Error("connect failed")
		return newError("connect", ErrConnection, err)
	}
	if err := inst.Open(); err != nil {
		return fail(errors.Wrap(err, "open"))
	}
	id, err := inst.Identity()
	if err != nil {
		return fail(errors.Wrap(err, "identity"))
	}
	st, err := readSettings(inst)
	if err != nil {
		return fail(errors.Wrap(err, "initial read"))
	}

	c.conn <- struct{}{}
	c.inst = inst
	<-c.conn
	c.store.setIdentifier(id)
	c.store.load(st)

	c.mu.Lock()
	c.finalizers = nil
	if c.variant.Display.PowerOffDuringRun {
		c.finalizers = append(c.finalizers, finalizer{"display on", func(i Instrument) error {
			return i.SetDisplay(true)
		}})
	}
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"host": host, "identity": id}).Info("connected")
	c.setState(Connected)
	return nil
}

// readSettings reads the whole configuration from the instrument
func readSettings(inst Instrument) (st Settings, err error) {
	if st.TimeRange, err = inst.GetTimeRange(); err != nil {
		return st, err
	}
	if st.TimePosition, err = inst.GetTimePosition(); err != nil {
		return st, err
	}
	if st.RecordLength, err = inst.GetRecordLength(); err != nil {
		return st, err
	}
	for i := range st.Channels {
		ch, cs := i+1, &st.Channels[i]
		if cs.Enabled, err = inst.GetChannelEnabled(ch); err != nil {
			return st, err
		}
		if cs.Coupling, err = inst.GetChannelCoupling(ch); err != nil {
			return st, err
		}
		if cs.Position, err = inst.GetChannelPosition(ch); err != nil {
			return st, err
		}
		if cs.Scale, err = inst.GetChannelScale(ch); err != nil {
			return st, err
		}
	}
	if st.TriggerSource, err = inst.GetTriggerSource(); err != nil {
		return st, err
	}
	if st.TriggerSlope, err = inst.GetTriggerSlope(); err != nil {
		return st, err
	}
	for i := range st.TriggerLevels {
		if st.TriggerLevels[i], err = inst.GetTriggerLevel(i + 1); err != nil {
			return st, err
		}
	}
	st.TriggerCoupling, err = inst.GetTriggerCoupling()
	return st, err
}

// Refresh re-reads the configuration from the instrument into the store.
// On failure the cached values are kept.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.State() == Disconnected {
		return newError("refresh", ErrDisconnected, nil)
	}
	var st Settings
	err := c.do(ctx, func(inst Instrument) (err error) {
		st, err = readSettings(inst)
		return err
	})
	if err != nil {
		return c.driverError("refresh", err)
	}
	c.store.load(st)
	return nil
}

// Run performs one acquisition: the variant's pre-run hooks, the trigger
// start command, completion detection, then the readout of every enabled
// channel.  On success the waveforms are published and the state is
// Stopped.  On any failure the state is Connected and the previous
// waveforms stay readable.  Writes queued while Running are applied before
// leaving Running on every path.
//
// The run is bounded by ctx's deadline, or the acquisition timeout if ctx
// has none.  Stop and Disconnect abort it.
func (c *Controller) Run(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	switch st := c.State(); st {
	case Disconnected:
		return newError("run", ErrDisconnected, nil)
	case Running:
		return newError("run", ErrState, errors.New("already running"))
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.runStart = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		cancel()
		close(done)
	}()

	start := time.Now()
	snap, raw, err := c.acquire(ctx)
	if err != nil {
		c.leaveRunning(Connected)
		result := ResultError
		switch {
		case errors.Is(err, ErrAcquisitionTimeout):
			result = ResultTimeout
		case errors.Is(err, ErrAborted):
			result = ResultAborted
		}
		c.obs.AcquisitionDone(c.name, result, time.Since(start))
		c.log.WithError(err).Error("run failed")
		return err
	}
	c.store.publish(snap, raw)
	c.leaveRunning(Stopped)
	c.obs.AcquisitionDone(c.name, ResultOK, time.Since(start))
	return nil
}

// acquire starts the instrument, waits for completion, and reads out the
// enabled channels.  The returned settings are those in effect during the
// capture.
func (c *Controller) acquire(ctx context.Context) (Settings, [NumChannels][]float64, error) {
	var raw [NumChannels][]float64
	strategy := c.Strategy()
	if strategy == Blocking {
		c.log.Warn("running with busy-wait disabled, the connection is blocked until the acquisition completes")
	}
	if c.variant.Display.PowerOffDuringRun {
		if err := c.do(ctx, func(i Instrument) error { return i.SetDisplay(false) }); err != nil {
			return Settings{}, raw, c.runError(ctx, err)
		}
	}
	// Running is entered before the connection is released, so writes
	// waiting on it see the run
	err := c.do(ctx, func(i Instrument) error {
		if err := i.Start(c.variant.Trigger); err != nil {
			return err
		}
		c.setState(Running)
		return nil
	})
	if err != nil {
		return Settings{}, raw, c.runError(ctx, err)
	}

	if err := c.completer(strategy).wait(ctx); err != nil {
		return Settings{}, raw, err
	}

	snap := c.store.Settings()
	for i, ch := range snap.Channels {
		if !ch.Enabled {
			continue
		}
		err := c.do(ctx, func(inst Instrument) (err error) {
			raw[i], err = inst.RawWaveform(i + 1)
			return err
		})
		if err != nil {
			return snap, raw, c.runError(ctx, errors.Wrapf(err, "channel %d readout", i+1))
		}
	}
	return snap, raw, nil
}

// runError converts an error seen outside completion detection
func (c *Controller) runError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return c.ctxError(ctx)
	}
	if errors.Is(err, ErrDisconnected) {
		return newError("run", ErrDisconnected, nil)
	}
	var f Fault
	if errors.As(err, &f) {
		return newError("run", ErrAcquisition, err)
	}
	return newError("run", ErrConnection, err)
}

// ctxError is the error for a run whose context has ended
func (c *Controller) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError("run", ErrAcquisitionTimeout, ctx.Err())
	}
	return newError("run", ErrAborted, ctx.Err())
}

// forceStop commands the instrument to idle after a failed run
func (c *Controller) forceStop() {
	err := c.do(context.Background(), func(i Instrument) error { return i.Stop() })
	if err != nil && !errors.Is(err, ErrDisconnected) {
		c.log.WithError(err).Warn("forced stop failed")
	}
}

// leaveRunning applies the queued writes then moves to next.  Writes queued
// while the earlier ones are applied are picked up before the transition.
func (c *Controller) leaveRunning(next State) {
	for {
		c.mu.Lock()
		pending := c.store.takePending()
		if len(pending) == 0 {
			prev := c.state
			c.state = next
			c.mu.Unlock()
			if prev != next {
				c.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("state change")
				c.obs.StateChanged(c.name, next)
			}
			return
		}
		c.mu.Unlock()
		for _, p := range pending {
			if err := c.apply(context.Background(), p.attr, p.value, false); err != nil {
				c.log.WithError(err).WithField("attribute", p.attr.Name).Warn("queued write not applied")
			}
		}
	}
}

// abort cancels an in-flight run and waits for it to finish
func (c *Controller) abort() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Stop aborts an in-flight run, ending in Connected.  After a completed run
// the variant's StopMode decides: StopNoop returns to Connected, StopRearm
// issues the stop command and remains Stopped.  From Connected it does
// nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.abort()
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	switch c.State() {
	case Disconnected:
		return newError("stop", ErrDisconnected, nil)
	case Stopped:
		if c.variant.StopMode == StopRearm {
			err := c.do(ctx, func(i Instrument) error { return i.Stop() })
			return c.driverError("stop", err)
		}
		c.setState(Connected)
	}
	return nil
}

// Disconnect aborts an in-flight run, runs the connection finalizers,
// closes the connection, and discards the waveforms.  It always ends in
// Disconnected; teardown errors are logged.
func (c *Controller) Disconnect() {
	c.abort()
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == Disconnected {
		return
	}
	c.mu.Lock()
	fins := c.finalizers
	c.finalizers = nil
	c.mu.Unlock()

	c.conn <- struct{}{}
	inst := c.inst
	c.inst = nil
	if inst != nil {
		for _, f := range fins {
			if err := f.fn(inst); err != nil {
				c.log.WithError(err).WithField("finalizer", f.name).Warn("teardown step failed")
			}
		}
		if err := inst.Close(); err != nil {
			c.log.WithError(err).Warn("close failed")
		}
	}
	<-c.conn

	c.store.clearWaveforms()
	c.store.takePending()
	c.log.Info("disconnected")
	c.setState(Disconnected)
}

// Close disconnects, it always returns nil
func (c *Controller) Close() error {
	c.Disconnect()
	return nil
}

// Execute sends a raw command to the instrument, returning the reply for
// queries and an empty string otherwise.  It bypasses the store.
func (c *Controller) Execute(ctx context.Context, cmd string) (string, error) {
	if c.State() == Disconnected {
		return "", newError("execute", ErrDisconnected, nil)
	}
	var reply string
	err := c.do(ctx, func(i Instrument) (err error) {
		reply, err = i.Raw(cmd)
		return err
	})
	return reply, c.driverError("execute", err)
}

// Read returns the value of an attribute.  See Store.Read.
func (c *Controller) Read(name string) (interface{}, error) {
	switch name {
	case "State":
		return c.State().String(), nil
	case "Status":
		return c.Status(), nil
	}
	return c.store.Read(name)
}

// Write validates and applies an attribute value.  Invalid values fail with
// ErrValidation and leave the store unchanged.  While Running, writes to
// attributes which are not Live are queued and applied when the acquisition
// ends.  Otherwise the value is set, read back from the instrument, and the
// read back value committed.
func (c *Controller) Write(ctx context.Context, name string, value interface{}) error {
	a, err := c.store.lookup(name)
	if err != nil {
		return err
	}
	if a.Access == ReadOnly {
		return newError(name, ErrValidation, errors.New("read-only"))
	}
	v, err := a.validate(value)
	if err != nil {
		return newError(name, ErrValidation, err)
	}

	if a.Access == WriteDisconnected {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		if st := c.State(); st != Disconnected {
			return newError(name, ErrState, errors.Errorf("only writable while disconnected, device is %s", st))
		}
		c.store.commit(a, v)
		return nil
	}

	c.mu.Lock()
	st := c.state
	if st == Running && !a.Live {
		c.store.queue(a, v)
		c.mu.Unlock()
		c.log.WithField("attribute", name).Debug("write queued until the acquisition ends")
		return nil
	}
	c.mu.Unlock()
	if st == Disconnected {
		return newError(name, ErrDisconnected, nil)
	}
	if a.key == attrBusyWait {
		c.store.commit(a, v)
		if !v.(bool) {
			c.log.Warn("busy-wait disabled, acquisitions will block the connection until they complete")
		}
		return nil
	}
	return c.apply(ctx, a, v, true)
}

// apply sets a value on the instrument, reads back the coerced value, and
// commits it.  If deferrable, a non-live value is queued instead when a run
// has started by the time the connection is held.
func (c *Controller) apply(ctx context.Context, a attribute, v interface{}, deferrable bool) error {
	var rb interface{}
	queued := false
	err := c.do(ctx, func(inst Instrument) error {
		if deferrable && !a.Live {
			c.mu.Lock()
			if c.state == Running {
				c.store.queue(a, v)
				queued = true
			}
			c.mu.Unlock()
			if queued {
				return nil
			}
		}
		if err := a.set(inst, v); err != nil {
			return err
		}
		var err error
		rb, err = a.get(inst)
		return err
	})
	if err != nil {
		return c.driverError(a.Name, err)
	}
	if queued {
		c.log.WithField("attribute", a.Name).Debug("write queued until the acquisition ends")
		return nil
	}
	c.store.commit(a, rb)
	return nil
}

// Descriptors lists the device's attributes
func (c *Controller) Descriptors() []Descriptor {
	return c.store.Descriptors()
}

// Waveform is the last acquisition, for export
func (c *Controller) Waveform() (*Waveform, error) {
	return c.store.Waveform()
}
