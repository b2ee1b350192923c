// Package state holds the operator-controlled run-state of the bot.
package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"roi-trade-bot-go/internal/notify"
)

// RunState is either Running or Stopped.
type RunState int32

const (
	Running RunState = iota
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseRunState parses "running" or "stopped".
func ParseRunState(s string) (RunState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "running":
		return Running, nil
	case "stopped":
		return Stopped, nil
	default:
		return Running, fmt.Errorf("unknown run state %q", s)
	}
}

// Controller is the single owner of the run-state. Commands may arrive from any goroutine;
// the evaluation loop reads the state once at the start of each cycle.
type Controller struct {
	state    atomic.Int32
	logger   *zap.Logger
	notifier notify.Notifier

	mu         sync.Mutex
	forceExits []uint
}

// NewController creates a controller in the initial state.
func NewController(initial RunState, logger *zap.Logger, notifier notify.Notifier) *Controller {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	c := &Controller{logger: logger.Named("state"), notifier: notifier}
	c.state.Store(int32(initial))
	return c
}

// State returns the current run-state.
func (c *Controller) State() RunState {
	return RunState(c.state.Load())
}

// Start switches to Running. It reports whether the state changed.
func (c *Controller) Start(ctx context.Context) bool {
	return c.transition(ctx, Running)
}

// Stop switches to Stopped. It reports whether the state changed.
func (c *Controller) Stop(ctx context.Context) bool {
	return c.transition(ctx, Stopped)
}

func (c *Controller) transition(ctx context.Context, to RunState) bool {
	from := RunState(c.state.Swap(int32(to)))
	if from == to {
		c.logger.Debug("Run state unchanged", zap.Stringer("state", to))
		return false
	}
	c.logger.Info("Run state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if err := c.notifier.Send(ctx, fmt.Sprintf("Status: %s", to)); err != nil {
		c.logger.Warn("Failed to send state notification", zap.Error(err))
	}
	return true
}

// RequestForceExit queues a position for exit at the next cycle boundary.
func (c *Controller) RequestForceExit(tradeID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.forceExits {
		if id == tradeID {
			return
		}
	}
	c.forceExits = append(c.forceExits, tradeID)
}

// DrainForceExits returns and clears the queued force-exit requests.
func (c *Controller) DrainForceExits() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.forceExits
	c.forceExits = nil
	return ids
}
