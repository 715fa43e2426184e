package observe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/selwatch/dom"
	"github.com/hazyhaar/selwatch/synthdom"
)

const emptyPage = `<html><head><title>t</title></head><body></body></html>`

type collector struct {
	mu  sync.Mutex
	els []dom.Element
	ctx []context.Context
}

func (c *collector) fn(ctx context.Context, el dom.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.els = append(c.els, el)
	c.ctx = append(c.ctx, ctx)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.els)
}

func waitReleased(t *testing.T, b *Binding) {
	t.Helper()
	select {
	case <-b.Released():
	case <-time.After(2 * time.Second):
		t.Fatal("binding not released")
	}
}

func TestObserve_FooScenario(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	b, err := New(d).Observe(ctx, ".foo", c.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if b == nil {
		t.Fatal("Observe: nil binding")
	}

	first, _ := d.Body().AppendHTML(`<div class="foo">1</div>`)
	if c.count() != 1 {
		t.Fatalf("after first insert: got %d deliveries, want 1", c.count())
	}
	second, _ := d.Body().AppendHTML(`<div class="foo">2</div>`)
	if c.count() != 2 {
		t.Fatalf("after second insert: got %d deliveries, want 2", c.count())
	}

	if c.els[0] != dom.Element(first[0]) || c.els[1] != dom.Element(second[0]) {
		t.Error("delivered elements are not the inserted ones")
	}
	for i, got := range c.ctx {
		if got != ctx {
			t.Errorf("delivery %d: callback got a different context", i)
		}
	}
	if _, ok := first[0].Attr(b.Marker()); !ok {
		t.Errorf("delivered element lacks marker %s", b.Marker())
	}

	// Nothing new: no more deliveries.
	d.Body().AppendHTML(`<p>unrelated</p>`)
	if c.count() != 2 {
		t.Errorf("after unrelated insert: got %d deliveries, want 2", c.count())
	}
}

func TestObserve_ExistingElementsAreReported(t *testing.T) {
	d := synthdom.MustParse(`<html><head></head><body><i class="x"></i><i class="x"></i><b></b></body></html>`)
	var c collector
	if _, err := New(d).Observe(context.Background(), "i.x", c.fn); err != nil {
		t.Fatal(err)
	}
	if c.count() != 2 {
		t.Errorf("deliveries: got %d, want 2", c.count())
	}
}

func TestEnsureRegistered_Idempotent(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	o := New(d)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := o.EnsureRegistered(ctx); err != nil {
			t.Fatalf("EnsureRegistered #%d: %v", i, err)
		}
	}
	// An independent instance in the same document finds the marker node.
	if err := New(d).EnsureRegistered(ctx); err != nil {
		t.Fatal(err)
	}

	if n := d.StyleCount(); n != 1 {
		t.Fatalf("style nodes: got %d, want 1", n)
	}
	css, ok := d.StyleText(MarkerStyleID)
	if !ok {
		t.Fatalf("no node with id %s", MarkerStyleID)
	}
	if want := "@keyframes " + AnimationName() + " {}"; css != want {
		t.Errorf("keyframes: got %q, want %q", css, want)
	}
}

func TestEnsureRegistered_Concurrent(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	o := New(d)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.EnsureRegistered(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := d.StyleCount(); n != 1 {
		t.Errorf("style nodes: got %d, want 1", n)
	}
}

func TestAnimationName_Stable(t *testing.T) {
	a, b := AnimationName(), AnimationName()
	if a != b {
		t.Errorf("AnimationName changed: %q then %q", a, b)
	}
	if !strings.HasPrefix(a, "selwatch-") {
		t.Errorf("AnimationName: got %q", a)
	}
	if New(synthdom.MustParse(emptyPage)).name != a {
		t.Error("observer does not use the shared name")
	}
}

func TestObserve_PreCancelledIsNoop(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c collector
	b, err := New(d).Observe(ctx, ".foo", c.fn)
	if b != nil || err != nil {
		t.Fatalf("Observe: got %v, %v; want nil, nil", b, err)
	}
	b, err = Observe(ctx, d, ".foo", c.fn)
	if b != nil || err != nil {
		t.Fatalf("package Observe: got %v, %v; want nil, nil", b, err)
	}

	d.Body().AppendHTML(`<div class="foo"></div>`)
	if c.count() != 0 {
		t.Errorf("deliveries: got %d, want 0", c.count())
	}
	if n := d.StyleCount(); n != 0 {
		t.Errorf("style nodes: got %d, want 0", n)
	}
	if n := d.ListenerCount(); n != 0 {
		t.Errorf("listeners: got %d, want 0", n)
	}
}

func TestObserve_CancelReleasesRuleAndListener(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	ctx, cancel := context.WithCancel(context.Background())

	var c collector
	b, err := New(d).Observe(ctx, ".foo", c.fn)
	if err != nil {
		t.Fatal(err)
	}
	d.Body().AppendHTML(`<div class="foo"></div>`)
	if c.count() != 1 {
		t.Fatalf("deliveries: got %d, want 1", c.count())
	}

	cancel()
	waitReleased(t, b)

	if ok, _ := d.HasNode(context.Background(), b.StyleID()); ok {
		t.Error("rule still present after cancel")
	}
	if n := d.ListenerCount(); n != 0 {
		t.Errorf("listeners: got %d, want 0", n)
	}
	if ok, _ := d.HasNode(context.Background(), MarkerStyleID); !ok {
		t.Error("shared keyframes removed with the binding")
	}

	d.Body().AppendHTML(`<div class="foo"></div>`)
	if c.count() != 1 {
		t.Errorf("deliveries after cancel: got %d, want 1", c.count())
	}
}

func TestObserve_CancelBeforeAnyMatch(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	ctx, cancel := context.WithCancel(context.Background())

	b, err := New(d).Observe(ctx, ".never", func(context.Context, dom.Element) {})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	waitReleased(t, b)

	if ok, _ := d.HasNode(context.Background(), b.StyleID()); ok {
		t.Error("rule still present after cancel")
	}
}

func TestObserve_NoDeliveryWhileTeardownInFlight(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	d.SetManualFlush(true)
	ctx, cancel := context.WithCancel(context.Background())

	var c collector
	if _, err := New(d).Observe(ctx, ".foo", c.fn); err != nil {
		t.Fatal(err)
	}
	d.Flush()
	d.Body().AppendHTML(`<div class="foo"></div>`)
	cancel()
	d.Flush()

	if c.count() != 0 {
		t.Errorf("deliveries: got %d, want 0", c.count())
	}
}

func TestObserve_RematchDoesNotRefire(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	var c collector
	if _, err := New(d).Observe(context.Background(), ".on", c.fn); err != nil {
		t.Fatal(err)
	}

	added, _ := d.Body().AppendHTML(`<div class="on"></div>`)
	el := added[0]
	if c.count() != 1 {
		t.Fatalf("deliveries: got %d, want 1", c.count())
	}

	el.RemoveClass("on")
	el.AddClass("on")
	el.RemoveClass("on")
	el.AddClass("on")
	if c.count() != 1 {
		t.Errorf("deliveries after rematch: got %d, want 1", c.count())
	}
}

func TestObserve_AttributeChangeStartsMatch(t *testing.T) {
	d := synthdom.MustParse(`<html><head></head><body><a id="l"></a></body></html>`)
	var c collector
	if _, err := New(d).Observe(context.Background(), `a[href^="https"]`, c.fn); err != nil {
		t.Fatal(err)
	}
	if c.count() != 0 {
		t.Fatalf("deliveries: got %d, want 0", c.count())
	}

	el, _ := d.Query("#l")
	el.SetAttribute("href", "https://example.com")
	if c.count() != 1 {
		t.Errorf("deliveries: got %d, want 1", c.count())
	}
}

func TestObserve_TwoBindingsSameSelector(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	o := New(d)
	ctx := context.Background()

	var c1, c2 collector
	b1, err := o.Observe(ctx, ".foo", c1.fn)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := o.Observe(ctx, ".foo", c2.fn)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Marker() == b2.Marker() {
		t.Fatal("bindings share a marker")
	}

	d.Body().AppendHTML(`<div class="foo"></div>`)
	d.Body().AppendHTML(`<div class="foo"></div>`)

	if c1.count() != 2 || c2.count() != 2 {
		t.Errorf("deliveries: got %d and %d, want 2 and 2", c1.count(), c2.count())
	}
}

func TestObserve_IndependentCancellation(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	o := New(d)

	ctx1, cancel1 := context.WithCancel(context.Background())
	var c1, c2 collector
	b1, _ := o.Observe(ctx1, "p", c1.fn)
	o.Observe(context.Background(), "p", c2.fn)

	cancel1()
	waitReleased(t, b1)
	d.Body().AppendHTML(`<p></p>`)

	if c1.count() != 0 || c2.count() != 1 {
		t.Errorf("deliveries: got %d and %d, want 0 and 1", c1.count(), c2.count())
	}
}

func TestObserve_ForeignAnimationIgnored(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	reg := prometheus.NewRegistry()
	var c collector
	if _, err := New(d, WithMetrics(NewMetrics(reg))).Observe(context.Background(), "p", c.fn); err != nil {
		t.Fatal(err)
	}

	added, _ := d.Body().AppendHTML(`<p></p>`)
	d.DispatchAnimationStart("fade-in", added[0])

	if c.count() != 1 {
		t.Errorf("deliveries: got %d, want 1", c.count())
	}
	if got := counterValue(t, reg, "selwatch_notifications_total", "foreign_animation"); got != 1 {
		t.Errorf("foreign_animation notifications: got %v, want 1", got)
	}
}

func TestObserve_NonElementTargetIgnored(t *testing.T) {
	d := synthdom.MustParse(`<html><head></head><body><div id="host"></div></body></html>`)
	reg := prometheus.NewRegistry()
	var c collector
	o := New(d, WithMetrics(NewMetrics(reg)))
	if _, err := o.Observe(context.Background(), ".nothing", c.fn); err != nil {
		t.Fatal(err)
	}

	host, _ := d.Query("#host")
	d.DispatchAnimationStart(AnimationName(), host.PseudoElement("before"))
	d.DispatchAnimationStart(AnimationName(), &synthdom.Text{Data: "x"})

	if c.count() != 0 {
		t.Errorf("deliveries: got %d, want 0", c.count())
	}
	if got := counterValue(t, reg, "selwatch_notifications_total", "not_element"); got != 2 {
		t.Errorf("not_element notifications: got %v, want 2", got)
	}
}

func TestObserve_RedispatchIsDeduplicated(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	reg := prometheus.NewRegistry()
	var c collector
	o := New(d, WithMetrics(NewMetrics(reg)))
	if _, err := o.Observe(context.Background(), "div", c.fn); err != nil {
		t.Fatal(err)
	}

	added, _ := d.Body().AppendHTML(`<div></div>`)
	d.DispatchAnimationStart(AnimationName(), added[0])
	d.DispatchAnimationStart(AnimationName(), added[0])

	if c.count() != 1 {
		t.Errorf("deliveries: got %d, want 1", c.count())
	}
	if got := counterValue(t, reg, "selwatch_notifications_total", "already_seen"); got != 2 {
		t.Errorf("already_seen notifications: got %v, want 2", got)
	}
	if got := counterValue(t, reg, "selwatch_notifications_total", "delivered"); got != 1 {
		t.Errorf("delivered notifications: got %v, want 1", got)
	}
}

func TestObserve_RecheckDropsElementThatStoppedMatching(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	var c collector
	b, err := New(d).Observe(context.Background(), ".foo", c.fn)
	if err != nil {
		t.Fatal(err)
	}

	d.SetManualFlush(true)
	added, _ := d.Body().AppendHTML(`<div class="foo"></div>`)
	added[0].RemoveClass("foo")
	d.Flush()
	if c.count() != 0 {
		t.Fatalf("deliveries: got %d, want 0", c.count())
	}
	if _, ok := added[0].Attr(b.Marker()); ok {
		t.Error("marker set on an element that was not delivered")
	}

	// It was never delivered, so a real match later is reported.
	added[0].AddClass("foo")
	d.Flush()
	if c.count() != 1 {
		t.Errorf("deliveries after real match: got %d, want 1", c.count())
	}
}

func TestObserve_PreexistingMarkerNode(t *testing.T) {
	d := synthdom.MustParse(`<html><head><style id="` + MarkerStyleID + `">@keyframes ` +
		AnimationName() + ` {}</style></head><body></body></html>`)

	var c collector
	if _, err := New(d).Observe(context.Background(), "li", c.fn); err != nil {
		t.Fatal(err)
	}
	if n := d.StyleCount(); n != 2 {
		t.Fatalf("style nodes: got %d, want 2 (marker + rule)", n)
	}

	d.Body().AppendHTML(`<ul><li></li></ul>`)
	if c.count() != 1 {
		t.Errorf("deliveries: got %d, want 1", c.count())
	}
}

func TestObserve_HostNotReady(t *testing.T) {
	d := synthdom.NewDetached()
	var c collector

	b, err := New(d).Observe(context.Background(), "div", c.fn)
	if !errors.Is(err, ErrHostNotReady) {
		t.Fatalf("Observe: got %v, want ErrHostNotReady", err)
	}
	if b != nil {
		t.Error("binding returned on error")
	}
	if n := d.ListenerCount(); n != 0 {
		t.Errorf("listeners: got %d, want 0", n)
	}
}

func TestObserve_InvalidSelectorNeverFires(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	var c collector
	b, err := New(d).Observe(context.Background(), "div[", c.fn)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if b == nil {
		t.Fatal("Observe: nil binding")
	}
	d.Body().AppendHTML(`<div></div>`)
	if c.count() != 0 {
		t.Errorf("deliveries: got %d, want 0", c.count())
	}
}

func TestObserve_PackageLevelCachesObserver(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	var c collector
	for i := 0; i < 3; i++ {
		if _, err := Observe(context.Background(), d, "span", c.fn); err != nil {
			t.Fatal(err)
		}
	}
	// One keyframes node plus three rules.
	if n := d.StyleCount(); n != 4 {
		t.Errorf("style nodes: got %d, want 4", n)
	}
	d.Body().AppendHTML(`<span></span>`)
	if c.count() != 3 {
		t.Errorf("deliveries: got %d, want 3", c.count())
	}
}

func TestObserve_CallbackMayObserve(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	o := New(d)
	ctx := context.Background()

	var inner collector
	_, err := o.Observe(ctx, "section", func(ctx context.Context, el dom.Element) {
		if _, err := o.Observe(ctx, "section > p", inner.fn); err != nil {
			t.Error(err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	d.Body().AppendHTML(`<section><p></p></section>`)
	if inner.count() != 1 {
		t.Errorf("inner deliveries: got %d, want 1", inner.count())
	}
}

func TestBinding_RuleCSS(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	b, err := New(d).Observe(context.Background(), "a.b, c", func(context.Context, dom.Element) {})
	if err != nil {
		t.Fatal(err)
	}
	want := ":where(a.b, c):not([" + b.Marker() + "]) {animation:" + AnimationName() + " 1ms;}"
	if got := b.RuleCSS(); got != want {
		t.Errorf("RuleCSS: got %q, want %q", got, want)
	}
	if got, _ := d.StyleText(b.StyleID()); got != want {
		t.Errorf("inserted rule: got %q, want %q", got, want)
	}
}

func TestValidateSelector(t *testing.T) {
	if err := ValidateSelector("div > .a[data-x='1']::before"); err != nil {
		t.Errorf("valid selector: %v", err)
	}
	if err := ValidateSelector("div["); err == nil {
		t.Error("invalid selector: want error")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestObserve_ForeignMarkerNodeWithOtherName(t *testing.T) {
	d := synthdom.MustParse(`<html><head><style id="` + MarkerStyleID +
		`">@keyframes observe-other {}</style></head><body></body></html>`)

	var c collector
	if _, err := New(d).Observe(context.Background(), "li", c.fn); err != nil {
		t.Fatal(err)
	}
	// The foreign node is taken as registration: no keyframes of our own.
	if n := d.StyleCount(); n != 2 {
		t.Fatalf("style nodes: got %d, want 2 (foreign marker + rule)", n)
	}
	d.Body().AppendHTML(`<ul><li></li></ul>`)
	if c.count() != 0 {
		t.Errorf("deliveries: got %d, want 0", c.count())
	}
}

func TestObserve_ForgetDropsCachedObserver(t *testing.T) {
	d := synthdom.MustParse(emptyPage)
	var c collector
	if _, err := Observe(context.Background(), d, "span", c.fn); err != nil {
		t.Fatal(err)
	}
	first := cached(d)
	if _, err := Observe(context.Background(), d, "span", c.fn); err != nil {
		t.Fatal(err)
	}
	if cached(d) != first {
		t.Error("second Observe built a new observer")
	}

	Forget(d)
	if _, ok := observers.Load(d); ok {
		t.Fatal("observer still cached after Forget")
	}
	if _, err := Observe(context.Background(), d, "span", c.fn); err != nil {
		t.Fatal(err)
	}
	// The fresh observer finds the marker node instead of adding another.
	if n := d.StyleCount(); n != 4 {
		t.Errorf("style nodes: got %d, want 4", n)
	}
	d.Body().AppendHTML(`<span></span>`)
	if c.count() != 3 {
		t.Errorf("deliveries: got %d, want 3", c.count())
	}
	Forget(d)
}
