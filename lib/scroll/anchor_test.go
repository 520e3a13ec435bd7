// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scroll

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
)

func rendered(t *testing.T, config Config) *Controller {
	t.Helper()
	controller := New(config)
	controller.Resize(400)
	decision := controller.OnMutation(Mutation{Kind: MutationInitial, NewContentHeight: 2000})
	if decision.Action != ActionJumpToBottom || decision.Animate || decision.ScrollTop != 1600 {
		t.Fatalf("initial decision = %+v, want unanimated jump to 1600", decision)
	}
	return controller
}

func TestFirstRenderJumpsWithoutAnimation(t *testing.T) {
	controller := New(Config{})
	controller.Resize(500)
	decision := controller.OnMutation(Mutation{Kind: MutationInitial, NewContentHeight: 300})
	if decision.Action != ActionJumpToBottom || decision.Animate {
		t.Errorf("decision = %+v", decision)
	}
	if decision.ScrollTop != 0 {
		t.Errorf("ScrollTop = %d for content shorter than the viewport, want 0", decision.ScrollTop)
	}

	// Whatever the first mutation is, it is treated as the first render.
	controller = New(Config{})
	decision = controller.OnMutation(Mutation{Kind: MutationAppend, NewContentHeight: 900})
	if decision.Action != ActionJumpToBottom {
		t.Errorf("first mutation decision = %s, want jump-to-bottom", decision.Action)
	}
}

func TestAppendNearBottomScrolls(t *testing.T) {
	controller := rendered(t, Config{})
	controller.OnScroll(Viewport{ScrollTop: 1550, ClientHeight: 400, ContentHeight: 2000})

	decision := controller.OnMutation(Mutation{Kind: MutationAppend, OldContentHeight: 2000, NewContentHeight: 2060})
	if decision.Action != ActionScrollToBottom || !decision.Animate || decision.ScrollTop != 1660 {
		t.Errorf("decision = %+v, want animated scroll to 1660", decision)
	}
}

func TestAppendAwayFromBottomPreserves(t *testing.T) {
	controller := rendered(t, Config{})
	controller.OnScroll(Viewport{ScrollTop: 300, ClientHeight: 400, ContentHeight: 2000})
	if controller.NearBottom() {
		t.Fatal("NearBottom() = true 1300 above the bottom")
	}

	decision := controller.OnMutation(Mutation{Kind: MutationAppend, OldContentHeight: 2000, NewContentHeight: 2060})
	if decision.Action != ActionPreserve || decision.ScrollTop != 300 {
		t.Errorf("foreign message decision = %+v, want preserve at 300", decision)
	}

	decision = controller.OnMutation(Mutation{Kind: MutationAppend, OldContentHeight: 2060, NewContentHeight: 2120, OwnMessage: true})
	if decision.Action != ActionScrollToBottom || decision.ScrollTop != 1720 {
		t.Errorf("own message decision = %+v, want scroll to 1720", decision)
	}
}

func TestForceIntentScrolls(t *testing.T) {
	controller := rendered(t, Config{})
	controller.OnScroll(Viewport{ScrollTop: 0, ClientHeight: 400, ContentHeight: 2000})

	decision := controller.OnMutation(Mutation{Kind: MutationAppend, OldContentHeight: 2000, NewContentHeight: 2040, Intent: IntentForce})
	if decision.Action != ActionScrollToBottom || !decision.Animate {
		t.Errorf("decision = %+v, want animated scroll-to-bottom", decision)
	}
	if !controller.NearBottom() {
		t.Error("NearBottom() = false after scrolling to the bottom")
	}
}

func TestPrependKeepsVisibleContentStationary(t *testing.T) {
	controller := rendered(t, Config{})
	// Scrolled to the top of what is loaded, with 100 above the
	// viewport.
	controller.OnScroll(Viewport{ScrollTop: 100, ClientHeight: 400, ContentHeight: 2000})

	decision := controller.OnMutation(Mutation{Kind: MutationPrepend, OldContentHeight: 2000, NewContentHeight: 2500})
	if decision.Action != ActionAdjust {
		t.Fatalf("action = %s, want adjust", decision.Action)
	}
	if decision.ScrollTop != 600 {
		t.Errorf("ScrollTop = %d, want 100 + 500 = 600", decision.ScrollTop)
	}
	if decision.Animate {
		t.Error("anchor compensation must not animate")
	}

	// A second page compensates from the adjusted offset.
	decision = controller.OnMutation(Mutation{Kind: MutationPrepend, OldContentHeight: 2500, NewContentHeight: 2750})
	if decision.ScrollTop != 850 {
		t.Errorf("second prepend ScrollTop = %d, want 850", decision.ScrollTop)
	}
}

func TestInPlaceMutation(t *testing.T) {
	controller := rendered(t, Config{})
	decision := controller.OnMutation(Mutation{Kind: MutationInPlace, OldContentHeight: 2000, NewContentHeight: 1980})
	if decision.Action != ActionJumpToBottom || decision.ScrollTop != 1580 {
		t.Errorf("at-bottom edit decision = %+v, want stay at bottom (1580)", decision)
	}

	controller.OnScroll(Viewport{ScrollTop: 200, ClientHeight: 400, ContentHeight: 1980})
	decision = controller.OnMutation(Mutation{Kind: MutationInPlace, OldContentHeight: 1980, NewContentHeight: 1940})
	if decision.Action != ActionPreserve || decision.ScrollTop != 200 {
		t.Errorf("scrolled-up edit decision = %+v, want preserve at 200", decision)
	}
}

func TestSettledCallbackIsDebounced(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	var settled atomic.Int32
	controller := rendered(t, Config{
		Clock:       fake,
		SettleDelay: time.Second,
		OnSettled:   func() { settled.Add(1) },
	})

	// Scrolling within the bottom zone restarts the wait.
	fake.Advance(600 * time.Millisecond)
	controller.OnScroll(Viewport{ScrollTop: 1590, ClientHeight: 400, ContentHeight: 2000})
	fake.Advance(600 * time.Millisecond)
	if settled.Load() != 0 {
		t.Fatal("settled before the view rested for the full delay")
	}
	fake.Advance(400 * time.Millisecond)
	if settled.Load() != 1 {
		t.Fatalf("settled = %d, want 1", settled.Load())
	}

	// Scrolling away cancels.
	controller.OnScroll(Viewport{ScrollTop: 1590, ClientHeight: 400, ContentHeight: 2000})
	controller.OnScroll(Viewport{ScrollTop: 0, ClientHeight: 400, ContentHeight: 2000})
	fake.Advance(5 * time.Second)
	if settled.Load() != 1 {
		t.Errorf("settled = %d after scrolling away, want 1", settled.Load())
	}
}

func TestHiddenViewDoesNotSettle(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	var settled atomic.Int32
	controller := rendered(t, Config{
		Clock:       fake,
		SettleDelay: time.Second,
		OnSettled:   func() { settled.Add(1) },
	})

	controller.SetVisible(false)
	fake.Advance(2 * time.Second)
	if settled.Load() != 0 {
		t.Fatalf("hidden view settled")
	}

	controller.SetVisible(true)
	fake.Advance(time.Second)
	if settled.Load() != 1 {
		t.Errorf("settled = %d after becoming visible, want 1", settled.Load())
	}

	controller.Stop()
	controller.OnScroll(Viewport{ScrollTop: 1600, ClientHeight: 400, ContentHeight: 2000})
	fake.Advance(2 * time.Second)
	if settled.Load() != 1 {
		t.Errorf("settled after Stop")
	}
}
