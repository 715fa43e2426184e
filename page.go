package selwatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/hazyhaar/selwatch/arrival"
	"github.com/hazyhaar/selwatch/dom"
	"github.com/hazyhaar/selwatch/internal/batcher"
	"github.com/hazyhaar/selwatch/internal/browser"
	"github.com/hazyhaar/selwatch/observe"
)

// page is one watched document and its bindings.
type page struct {
	w      *Watcher
	cfg    PageConfig
	ctx    context.Context
	cancel context.CancelFunc
	batch  *batcher.Batcher
	seq    atomic.Uint64

	// Set once by acquire.
	doc      dom.Document
	closeDoc func() error
	tab      *browser.Tab
	level    string

	mu      sync.Mutex
	obs     *observe.Observer
	watches map[string]*watchState
	closed  bool
}

type watchState struct {
	cfg     WatchConfig
	binding *observe.Binding
	cancel  context.CancelFunc
}

// startWatchesLocked installs one binding per watch. Callbacks can run
// before Observe returns, so deliver never takes p.mu.
func (p *page) startWatchesLocked(wcs []WatchConfig) error {
	for _, wc := range wcs {
		if err := p.startWatchLocked(wc); err != nil {
			return err
		}
	}
	return nil
}

func (p *page) startWatchLocked(wc WatchConfig) error {
	if _, ok := p.watches[wc.ID]; ok {
		return fmt.Errorf("%w: watch %q on page %q", ErrDuplicate, wc.ID, p.cfg.ID)
	}
	// The selector is pasted into the rule text unescaped.
	if err := observe.ValidateSelector(wc.Selector); err != nil {
		return fmt.Errorf("selwatch: watch %q: %w", wc.ID, err)
	}
	wctx, cancel := context.WithCancel(p.ctx)
	b, err := p.obs.Observe(wctx, wc.Selector, p.deliver(wc))
	if err != nil {
		cancel()
		return fmt.Errorf("selwatch: watch %q: %w", wc.ID, err)
	}
	if b == nil {
		cancel()
		return fmt.Errorf("selwatch: watch %q: %w", wc.ID, context.Cause(p.ctx))
	}
	p.watches[wc.ID] = &watchState{cfg: wc, binding: b, cancel: cancel}
	return nil
}

func (p *page) addWatch(wc WatchConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: %q", ErrUnknownPage, p.cfg.ID)
	}
	if err := p.startWatchLocked(wc); err != nil {
		return err
	}
	p.w.logger.Info("selwatch: watch added", "page", p.cfg.ID, "watch", wc.ID, "selector", wc.Selector)
	return nil
}

func (p *page) removeWatch(id string) error {
	p.mu.Lock()
	ws, ok := p.watches[id]
	if ok {
		delete(p.watches, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q on page %q", ErrUnknownWatch, id, p.cfg.ID)
	}

	ws.cancel()
	<-ws.binding.Released()
	p.w.logger.Info("selwatch: watch removed", "page", p.cfg.ID, "watch", id)
	return nil
}

// reconcile makes the page's watches equal to wcs.
func (p *page) reconcile(ctx context.Context, wcs []WatchConfig) {
	want := make(map[string]WatchConfig, len(wcs))
	for _, wc := range wcs {
		if wc.ID == "" {
			wc.ID = wc.Selector
		}
		want[wc.ID] = wc
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*watchState
	for id, ws := range p.watches {
		if wc, ok := want[id]; ok && wc.Selector == ws.cfg.Selector {
			delete(want, id)
			continue
		}
		delete(p.watches, id)
		ws.cancel()
		stale = append(stale, ws)
	}
	for _, wc := range sortedWatches(want) {
		if err := p.startWatchLocked(wc); err != nil {
			p.w.logger.Error("selwatch: reconcile start watch", "page", p.cfg.ID, "watch", wc.ID, "error", err)
		}
	}
	p.mu.Unlock()

	for _, ws := range stale {
		select {
		case <-ws.binding.Released():
		case <-ctx.Done():
			return
		}
	}
}

// deliver turns a newly matching element into an arrival record.
func (p *page) deliver(wc WatchConfig) observe.Func {
	return func(ctx context.Context, el dom.Element) {
		tag := el.NodeName()
		_, span := p.w.traceDelivery(ctx, p, wc, tag)
		defer span.End()

		html, err := el.OuterHTML()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.w.logger.Debug("selwatch: outer html", "page", p.cfg.ID, "watch", wc.ID, "error", err)
		}

		rec := arrival.Record{
			ID:        newID(),
			PageID:    p.cfg.ID,
			PageURL:   p.cfg.URL,
			WatchID:   wc.ID,
			Selector:  wc.Selector,
			Tag:       tag,
			HTML:      html,
			Timestamp: time.Now().UnixMilli(),
		}
		if html != "" {
			rec.HTMLHash = arrival.HashHTML(html)
		}
		p.batch.Add(rec)
	}
}

func (p *page) emit(recs []arrival.Record) {
	b := arrival.Batch{
		ID:        newID(),
		PageID:    p.cfg.ID,
		PageURL:   p.cfg.URL,
		Seq:       p.seq.Add(1),
		Records:   recs,
		Timestamp: time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), sendTimeout)
	defer cancel()
	if err := p.w.sinkR.Send(ctx, b); err != nil {
		p.w.logger.Warn("selwatch: send batch failed", "page", p.cfg.ID, "seq", b.Seq, "error", err)
	}
}

// reset reinstalls every watch after the main frame navigated. Style nodes
// went away with the old document, so a fresh observer registers the
// keyframes again.
func (p *page) reset() {
	if p.tab != nil {
		if err := p.tab.Page.Context(p.ctx).WaitLoad(); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.w.logger.Warn("selwatch: wait load after navigation", "page", p.cfg.ID, "error", err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var wcs []WatchConfig
	for _, ws := range p.watches {
		ws.cancel()
		wcs = append(wcs, ws.cfg)
	}
	p.watches = make(map[string]*watchState)
	p.obs = observe.New(p.doc, observe.WithLogger(p.w.logger), observe.WithMetrics(p.w.metrics))
	sort.Slice(wcs, func(i, j int) bool { return wcs[i].ID < wcs[j].ID })
	err := p.startWatchesLocked(wcs)
	p.mu.Unlock()

	p.w.logger.Info("selwatch: page reset", "page", p.cfg.ID, "watches", len(wcs), "error", err)
	p.status(arrival.StateReset, err)
}

// shutdown cancels every binding, waits for their teardown, flushes the
// batcher and closes the document. It reports whether this call did it.
func (p *page) shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	watches := p.watches
	p.watches = make(map[string]*watchState)
	p.mu.Unlock()

	p.cancel()
	for _, ws := range watches {
		<-ws.binding.Released()
	}
	p.batch.Stop()
	if p.closeDoc != nil {
		if err := p.closeDoc(); err != nil {
			p.w.logger.Warn("selwatch: close document", "page", p.cfg.ID, "error", err)
		}
	}
	return true
}

func (p *page) close(state arrival.State, err error) {
	if p.shutdown() {
		p.status(state, err)
	}
}

func (p *page) status(state arrival.State, err error) {
	p.mu.Lock()
	n := len(p.watches)
	p.mu.Unlock()

	st := arrival.Status{
		PageID:  p.cfg.ID,
		PageURL: p.cfg.URL,
		State:   state,
		Level:   p.level,
		Watches: n,
	}
	if err != nil {
		st.Error = err.Error()
	}
	p.w.sendStatus(st)
}

func (p *page) watchConfigs() []WatchConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WatchConfig, 0, len(p.watches))
	for _, ws := range p.watches {
		out = append(out, ws.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// currentConfig is the page's configuration with its live watches.
func (p *page) currentConfig() PageConfig {
	pc := p.cfg
	pc.Watches = p.watchConfigs()
	return pc
}

func (p *page) info() PageInfo {
	return PageInfo{ID: p.cfg.ID, URL: p.cfg.URL, Level: p.level, Watches: p.watchConfigs()}
}

func sortedWatches(m map[string]WatchConfig) []WatchConfig {
	out := make([]WatchConfig, 0, len(m))
	for _, wc := range m {
		out = append(out, wc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
