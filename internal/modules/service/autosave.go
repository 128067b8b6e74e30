package service

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// autosaver is the per-session write scheduler. Exactly one goroutine owns
// all of its mutable state; callers talk to it through channels, so mutation
// notifications, timer fires and write completions are serialized without a
// lock.
//
// Scheduling rules:
//   - each mutation restarts the debounce window, so a typing burst coalesces
//     into one write;
//   - a throttle floor guarantees two writes are never closer together than
//     the configured minimum;
//   - at most one write is in flight; mutations arriving mid-write are kept
//     pending and rescheduled when the write returns;
//   - suspension conditions (generation in flight, manual save in flight,
//     completed session) are evaluated at fire time, not at schedule time;
//   - a fire whose pending fields all match the last confirmed write is
//     skipped outright;
//   - a failed write keeps its fields pending and is retried on the next
//     trigger, it is never fatal;
//   - flushes and commits wait out a write already in flight, so they can
//     neither lose what it carries nor race it to the store.
type autosaver struct {
	sessionID uuid.UUID
	debounce  time.Duration
	throttle  time.Duration
	write     func(ctx context.Context, patch map[string]any) error
	suspended func() bool
	log       *zap.Logger

	events chan autosaveEvent
	done   chan struct{}
}

type autosaveEventKind int

const (
	autosaveMutate autosaveEventKind = iota
	autosaveFlush
	autosaveCommit
	autosaveStop
)

type autosaveEvent struct {
	kind  autosaveEventKind
	patch map[string]any
	reply chan error
}

type autosaveWriteResult struct {
	patch map[string]any
	err   error
}

func newAutosaver(
	sessionID uuid.UUID,
	debounce, throttle time.Duration,
	write func(ctx context.Context, patch map[string]any) error,
	suspended func() bool,
	log *zap.Logger,
) *autosaver {
	a := &autosaver{
		sessionID: sessionID,
		debounce:  debounce,
		throttle:  throttle,
		write:     write,
		suspended: suspended,
		log:       log.With(zap.String("session_id", sessionID.String())),
		events:    make(chan autosaveEvent, 16),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify records mutated fields and (re)starts the debounce window. The
// caller has already applied the patch to the in-memory session copy.
func (a *autosaver) Notify(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	cp := make(map[string]any, len(patch))
	for k, v := range patch {
		cp[k] = v
	}
	select {
	case a.events <- autosaveEvent{kind: autosaveMutate, patch: cp}:
	case <-a.done:
	}
}

// Flush writes everything pending right now, bypassing debounce and
// throttle. A write already in flight is waited out first, so success means
// every mutation recorded before the call is in the store. Used on session
// close and for explicit saves.
func (a *autosaver) Flush(ctx context.Context) error {
	return a.roundTrip(ctx, autosaveEvent{kind: autosaveFlush, reply: make(chan error, 1)})
}

// Commit persists an out-of-band patch through the scheduler so it is
// serialized with autosave writes: a write already in flight lands first and
// pending mutations of the same fields are superseded. The commit therefore
// always wins over writes queued before it.
func (a *autosaver) Commit(ctx context.Context, patch map[string]any) error {
	cp := make(map[string]any, len(patch))
	for k, v := range patch {
		cp[k] = v
	}
	return a.roundTrip(ctx, autosaveEvent{kind: autosaveCommit, patch: cp, reply: make(chan error, 1)})
}

func (a *autosaver) roundTrip(ctx context.Context, ev autosaveEvent) error {
	select {
	case a.events <- ev:
	case <-a.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the actor down without flushing. Pending mutations are dropped;
// callers that care flush first.
func (a *autosaver) Stop() {
	select {
	case a.events <- autosaveEvent{kind: autosaveStop}:
	case <-a.done:
	}
}

func (a *autosaver) run() {
	var (
		pending   = map[string]any{}
		confirmed = map[string]any{}
		timer     *time.Timer
		timerC    <-chan time.Time
		lastWrite time.Time
		writing   bool
		parked    []autosaveEvent
	)
	writeDone := make(chan autosaveWriteResult, 1)

	arm := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
		timerC = timer.C
	}
	disarm := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
	}

	// dirty drops pending keys whose values already match the last confirmed
	// write and reports whether anything real is left.
	dirty := func() bool {
		for k, v := range pending {
			if prev, ok := confirmed[k]; ok && reflect.DeepEqual(prev, v) {
				delete(pending, k)
			}
		}
		return len(pending) > 0
	}

	launch := func() {
		snapshot := pending
		pending = map[string]any{}
		writing = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := a.write(ctx, snapshot)
			writeDone <- autosaveWriteResult{patch: snapshot, err: err}
		}()
	}

	// flushNow writes everything pending synchronously. Failed fields stay
	// pending unless a newer mutation already shadows them.
	flushNow := func() error {
		if !dirty() {
			disarm()
			return nil
		}
		snapshot := pending
		pending = map[string]any{}
		disarm()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.write(ctx, snapshot)
		cancel()
		if err == nil {
			lastWrite = time.Now()
			for k, v := range snapshot {
				confirmed[k] = v
			}
			return nil
		}
		for k, v := range snapshot {
			if _, shadowed := pending[k]; !shadowed {
				pending[k] = v
			}
		}
		return err
	}

	// commitNow persists an out-of-band patch and retires any pending
	// mutation of the same fields, so a retry cannot undo the commit.
	commitNow := func(patch map[string]any) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.write(ctx, patch)
		cancel()
		if err != nil {
			return err
		}
		lastWrite = time.Now()
		for k, v := range patch {
			confirmed[k] = v
			delete(pending, k)
		}
		return nil
	}

	serve := func(ev autosaveEvent) {
		if ev.kind == autosaveCommit {
			ev.reply <- commitNow(ev.patch)
			return
		}
		ev.reply <- flushNow()
	}

	for {
		select {
		case ev := <-a.events:
			switch ev.kind {
			case autosaveMutate:
				for k, v := range ev.patch {
					pending[k] = v
				}
				arm(a.debounce)

			case autosaveFlush, autosaveCommit:
				if writing {
					// The in-flight write must land first: replying early
					// would drop what it carries, and a commit has to
					// supersede it, not race it.
					parked = append(parked, ev)
					continue
				}
				serve(ev)

			case autosaveStop:
				disarm()
				for _, p := range parked {
					p.reply <- ErrSessionClosed
				}
				close(a.done)
				return
			}

		case <-timerC:
			timerC = nil
			if writing {
				// Completion path re-arms for whatever is pending.
				continue
			}
			if a.suspended != nil && a.suspended() {
				a.log.Debug("autosave suspended at fire time, rescheduling")
				arm(a.debounce)
				continue
			}
			if !dirty() {
				continue
			}
			if since := time.Since(lastWrite); since < a.throttle {
				arm(a.throttle - since)
				continue
			}
			launch()

		case res := <-writeDone:
			writing = false
			if res.err != nil {
				a.log.Warn("autosave write failed, will retry", zap.Error(res.err))
				// Keep failed fields pending unless a newer mutation already
				// shadows them.
				for k, v := range res.patch {
					if _, shadowed := pending[k]; !shadowed {
						pending[k] = v
					}
				}
			} else {
				lastWrite = time.Now()
				for k, v := range res.patch {
					confirmed[k] = v
				}
			}
			if len(parked) > 0 {
				for _, p := range parked {
					serve(p)
				}
				parked = nil
			}
			if len(pending) > 0 {
				arm(a.debounce)
			}
		}
	}
}
