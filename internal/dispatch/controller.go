package dispatch

import (
	"context"

	"skyguide/internal/calibration"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
)

// Controller is the thread-safe facade over a guider running on a Loop.
// Servers and the CLI use it instead of touching the guider directly.
type Controller struct {
	loop *Loop
	g    *guider.Guider
}

// NewController binds g to loop.
func NewController(loop *Loop, g *guider.Guider) *Controller {
	return &Controller{loop: loop, g: g}
}

// Loop returns the underlying dispatch loop.
func (c *Controller) Loop() *Loop { return c.loop }

// Action runs a user action on the loop.
func (c *Controller) Action(ctx context.Context, a guider.Action) error {
	return c.loop.Do(ctx, func() error { return c.g.Do(a) })
}

// Telemetry returns the latest published snapshot, or the guider's own
// snapshot when nothing was published yet.
func (c *Controller) Telemetry(ctx context.Context) (guider.Telemetry, error) {
	var t guider.Telemetry
	err := c.loop.Do(ctx, func() error {
		t = c.g.Telemetry()
		return nil
	})
	return t, err
}

// Calibration returns the current calibration record.
func (c *Controller) Calibration(ctx context.Context) (calibration.Result, error) {
	var r calibration.Result
	err := c.loop.Do(ctx, func() error {
		r = c.g.Calibration()
		return nil
	})
	return r, err
}

// Params returns the active guide parameters.
func (c *Controller) Params(ctx context.Context) (guide.Params, error) {
	var p guide.Params
	err := c.loop.Do(ctx, func() error {
		p = c.g.Params()
		return nil
	})
	return p, err
}

// SetParams hot-swaps the guide parameters.
func (c *Controller) SetParams(ctx context.Context, p guide.Params) error {
	return c.loop.Do(ctx, func() error {
		c.g.SetParams(p)
		return nil
	})
}

// Subscribe forwards to the loop.
func (c *Controller) Subscribe() (<-chan Update, func()) { return c.loop.Subscribe() }
