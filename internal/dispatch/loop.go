package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"skyguide/internal/guider"
	"skyguide/internal/mount"
	"skyguide/internal/triangle"
)

// ErrStopped is returned when posting to a loop that is not running.
var ErrStopped = errors.New("dispatch loop stopped")

// Update is a broadcast to subscribers: a telemetry snapshot or a user message.
type Update struct {
	Kind      string            `json:"kind"` // telemetry or message
	Time      time.Time         `json:"time"`
	Telemetry *guider.Telemetry `json:"telemetry,omitempty"`
	Level     string            `json:"level,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Loop serialises every guider interaction on a single goroutine. Hardware
// completions, finder results and user actions are posted as closures and run
// in order.
type Loop struct {
	log       *slog.Logger
	mailbox   chan func()
	done      chan struct{}
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	subs      map[int]chan Update
	nextSubID int
	latest    guider.Telemetry
	hooks     []func(guider.Telemetry)
}

// New creates a loop with a mailbox of the given depth.
func New(logger *slog.Logger, depth int) *Loop {
	if depth < 1 {
		depth = 64
	}
	return &Loop{
		log:     logger,
		mailbox: make(chan func(), depth),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Update),
	}
}

// Start runs the loop goroutine until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.wg.Add(1)
		go l.run(ctx)
	})
}

// Stop ends the loop and closes every subscriber channel.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
		l.mu.Lock()
		for id, ch := range l.subs {
			close(ch)
			delete(l.subs, id)
		}
		l.mu.Unlock()
	})
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.mailbox:
			fn()
		}
	}
}

// Post queues fn for execution on the loop goroutine. It blocks while the
// mailbox is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.mailbox <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop goroutine and waits for its result. It must not be
// called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := l.Post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// OnTelemetry implements guider.Observer. It runs on the loop goroutine.
func (l *Loop) OnTelemetry(t guider.Telemetry) {
	l.mu.Lock()
	l.latest = t
	hooks := l.hooks
	l.mu.Unlock()

	for _, h := range hooks {
		h(t)
	}
	l.broadcast(Update{Kind: "telemetry", Time: t.Time, Telemetry: &t})
}

// OnMessage implements guider.Observer.
func (l *Loop) OnMessage(level slog.Level, msg string) {
	l.broadcast(Update{Kind: "message", Time: time.Now(), Level: level.String(), Message: msg})
}

// OnTelemetryHook registers fn to receive every snapshot on the loop goroutine.
// Hooks are meant for sinks that must not miss samples.
func (l *Loop) OnTelemetryHook(fn func(guider.Telemetry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Latest returns the most recent telemetry snapshot. Safe from any goroutine.
func (l *Loop) Latest() guider.Telemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Subscribe returns a channel of updates and an unsubscribe function.
func (l *Loop) Subscribe() (<-chan Update, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	ch := make(chan Update, 32)
	l.subs[id] = ch
	unsub := func() {
		l.mu.Lock()
		if c, ok := l.subs[id]; ok {
			close(c)
			delete(l.subs, id)
		}
		l.mu.Unlock()
	}
	return ch, unsub
}

func (l *Loop) broadcast(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- u:
		default:
			l.log.Warn("update channel full", "subscriber", id, "kind", u.Kind)
		}
	}
}

// Completions returns a guider.Completions that forwards every notification to
// target through the mailbox, so device goroutines never touch the guider.
func (l *Loop) Completions(target guider.Completions) guider.Completions {
	return &poster{loop: l, target: target}
}

type poster struct {
	loop   *Loop
	target guider.Completions
}

func (p *poster) post(name string, fn func()) {
	if err := p.loop.Post(fn); err != nil {
		p.loop.log.Debug("completion dropped", "completion", name, "error", err)
	}
}

func (p *poster) OnFrameReset(camera string) {
	p.post("frame-reset", func() { p.target.OnFrameReset(camera) })
}

func (p *poster) OnExposure(frame guider.Frame) {
	p.post("exposure", func() { p.target.OnExposure(frame) })
}

func (p *poster) OnPulseIdle(mountName string, axis mount.Axis) {
	p.post("pulse-idle", func() { p.target.OnPulseIdle(mountName, axis) })
}

func (p *poster) OnStars(stars []triangle.Star, err error) {
	p.post("stars", func() { p.target.OnStars(stars, err) })
}
