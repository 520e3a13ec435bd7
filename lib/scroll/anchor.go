// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scroll decides what a conversation view does with its scroll
// offset when the message list changes.
//
// The [Controller] is fed two streams. Scroll events ([Controller.OnScroll])
// update a "near bottom" flag; list mutations ([Controller.OnMutation])
// read that flag, never re-measure, and return a [Decision] for the
// view to apply in the same frame:
//
//   - first render jumps to the bottom without animation
//   - an appended message scrolls to the bottom (animated) only if the
//     view was near the bottom, the message is the user's own, or the
//     send carried IntentForce
//   - a prepended older page shifts ScrollTop by exactly the height
//     added, so the rows on screen stay put
//
// Units are whatever the view measures in: pixels for a browser, lines
// for a terminal.
package scroll

import (
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
)

// DefaultNearBottomThreshold is the distance from the bottom within
// which the view counts as "at the bottom".
const DefaultNearBottomThreshold = 80

// DefaultSettleDelay is how long the view must rest near the bottom
// before OnSettled fires.
const DefaultSettleDelay = 750 * time.Millisecond

// Intent is an explicit scroll command emitted alongside a mutation.
type Intent int

const (
	// IntentNone leaves the decision to the near-bottom rule.
	IntentNone Intent = iota
	// IntentForce scrolls to the bottom regardless of position. Sends
	// return it so the user always sees what they just sent.
	IntentForce
)

func (i Intent) String() string {
	if i == IntentForce {
		return "force"
	}
	return "none"
}

// Viewport is a scroll measurement taken by the view.
type Viewport struct {
	ScrollTop     int
	ClientHeight  int
	ContentHeight int
}

// distanceFromBottom is how far the bottom edge of the viewport is
// from the end of the content.
func (v Viewport) distanceFromBottom() int {
	return v.ContentHeight - v.ScrollTop - v.ClientHeight
}

// bottom is the ScrollTop that shows the end of the content.
func (v Viewport) bottom() int {
	return max(0, v.ContentHeight-v.ClientHeight)
}

// MutationKind says where the list changed.
type MutationKind int

const (
	// MutationInitial is the first render of a conversation.
	MutationInitial MutationKind = iota
	// MutationAppend adds rows at the bottom (a new message).
	MutationAppend
	// MutationPrepend adds rows above the top (an older page).
	MutationPrepend
	// MutationInPlace changes rows without adding any at either end
	// (edit, delete, optimistic confirm).
	MutationInPlace
)

func (k MutationKind) String() string {
	switch k {
	case MutationInitial:
		return "initial"
	case MutationAppend:
		return "append"
	case MutationPrepend:
		return "prepend"
	case MutationInPlace:
		return "in-place"
	default:
		return "unknown"
	}
}

// Mutation describes one change to the rendered list.
type Mutation struct {
	Kind             MutationKind
	OldContentHeight int
	NewContentHeight int

	// OwnMessage is set when an appended message was sent by the
	// current user.
	OwnMessage bool

	Intent Intent
}

// Action is what the view should do with its scroll offset.
type Action int

const (
	// ActionPreserve leaves ScrollTop alone.
	ActionPreserve Action = iota
	// ActionJumpToBottom moves to the bottom without animation.
	ActionJumpToBottom
	// ActionScrollToBottom moves to the bottom with animation.
	ActionScrollToBottom
	// ActionAdjust sets ScrollTop to compensate for prepended content.
	ActionAdjust
)

func (a Action) String() string {
	switch a {
	case ActionPreserve:
		return "preserve"
	case ActionJumpToBottom:
		return "jump-to-bottom"
	case ActionScrollToBottom:
		return "scroll-to-bottom"
	case ActionAdjust:
		return "adjust"
	default:
		return "unknown"
	}
}

// Decision is the controller's answer to a mutation.
type Decision struct {
	Action Action
	// ScrollTop is the offset to apply. For ActionPreserve it is the
	// current offset.
	ScrollTop int
	Animate   bool
}

// Config holds Controller parameters.
type Config struct {
	// NearBottomThreshold defaults to DefaultNearBottomThreshold.
	NearBottomThreshold int

	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration

	// OnSettled is called once the view has rested near the bottom
	// for SettleDelay while visible. It runs on a timer goroutine (or
	// inside FakeClock.Advance) without the controller's lock held.
	OnSettled func()

	Clock clock.Clock
}

// Controller tracks one conversation view's scroll state. Safe for
// concurrent use.
type Controller struct {
	threshold   int
	settleDelay time.Duration
	onSettled   func()
	clock       clock.Clock

	mu         sync.Mutex
	viewport   Viewport
	nearBottom bool
	rendered   bool
	visible    bool
	stopped    bool
	settle     *clock.Timer
}

// New creates a Controller. A view starts visible and at the bottom.
func New(config Config) *Controller {
	threshold := config.NearBottomThreshold
	if threshold <= 0 {
		threshold = DefaultNearBottomThreshold
	}
	settleDelay := config.SettleDelay
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		threshold:   threshold,
		settleDelay: settleDelay,
		onSettled:   config.OnSettled,
		clock:       clk,
		nearBottom:  true,
		visible:     true,
	}
}

// OnScroll records a scroll measurement. It is the only place the
// near-bottom flag is computed.
func (c *Controller) OnScroll(viewport Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = viewport
	c.nearBottom = viewport.distanceFromBottom() <= c.threshold
	c.armSettleLocked()
}

// NearBottom returns the flag as of the last scroll event or
// bottom-scrolling decision.
func (c *Controller) NearBottom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nearBottom
}

// Viewport returns the last known viewport, including offsets set by
// decisions.
func (c *Controller) Viewport() Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// Resize records a new client height without treating it as a user
// scroll.
func (c *Controller) Resize(clientHeight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport.ClientHeight = clientHeight
	if c.nearBottom {
		c.viewport.ScrollTop = c.viewport.bottom()
	}
}

// OnMutation returns the scroll decision for one list change and
// records the resulting offset.
func (c *Controller) OnMutation(mutation Mutation) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.viewport.ContentHeight = mutation.NewContentHeight

	if !c.rendered || mutation.Kind == MutationInitial {
		c.rendered = true
		return c.toBottomLocked(ActionJumpToBottom, false)
	}

	switch mutation.Kind {
	case MutationAppend:
		if c.nearBottom || mutation.OwnMessage || mutation.Intent == IntentForce {
			return c.toBottomLocked(ActionScrollToBottom, true)
		}
		return Decision{Action: ActionPreserve, ScrollTop: c.viewport.ScrollTop}

	case MutationPrepend:
		added := mutation.NewContentHeight - mutation.OldContentHeight
		c.viewport.ScrollTop += added
		return Decision{Action: ActionAdjust, ScrollTop: c.viewport.ScrollTop}

	default:
		if mutation.Intent == IntentForce {
			return c.toBottomLocked(ActionScrollToBottom, true)
		}
		if c.nearBottom {
			return c.toBottomLocked(ActionJumpToBottom, false)
		}
		c.viewport.ScrollTop = min(c.viewport.ScrollTop, c.viewport.bottom())
		return Decision{Action: ActionPreserve, ScrollTop: c.viewport.ScrollTop}
	}
}

func (c *Controller) toBottomLocked(action Action, animate bool) Decision {
	c.viewport.ScrollTop = c.viewport.bottom()
	c.nearBottom = true
	c.armSettleLocked()
	return Decision{Action: action, ScrollTop: c.viewport.ScrollTop, Animate: animate}
}

// SetVisible marks the view shown or hidden (minimized, another tab).
// A hidden view never settles.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = visible
	c.armSettleLocked()
}

// Stop cancels any pending settle callback. The controller ignores
// later events.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.settle != nil {
		c.settle.Stop()
	}
}

// armSettleLocked (re)starts the settle timer when the view is near
// the bottom and visible, and cancels it otherwise.
func (c *Controller) armSettleLocked() {
	if c.onSettled == nil || c.stopped {
		return
	}
	if !c.nearBottom || !c.visible || !c.rendered {
		if c.settle != nil {
			c.settle.Stop()
		}
		return
	}
	if c.settle == nil {
		c.settle = c.clock.AfterFunc(c.settleDelay, c.fireSettled)
		return
	}
	c.settle.Reset(c.settleDelay)
}

func (c *Controller) fireSettled() {
	c.mu.Lock()
	ready := c.nearBottom && c.visible && !c.stopped
	c.mu.Unlock()
	if ready {
		c.onSettled()
	}
}
