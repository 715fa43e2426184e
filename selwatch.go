// Package selwatch is a daemon that reports elements as they start matching
// CSS selectors on watched web pages.
//
// Each page is opened at its stealth level: fetched over HTTP into a static
// document, or loaded in Chrome through rod. Every watch on a page is one
// observe binding. Each newly matching element becomes an arrival record;
// records are batched per page and emitted to sinks (stdout, webhook,
// callback, SQLite).
//
// New bindings use new seen markers, so every matching element present on a
// page is reported again after the page is reopened, reset by a navigation,
// or moved to a recycled browser.
package selwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hazyhaar/selwatch/arrival"
	"github.com/hazyhaar/selwatch/dom"
	"github.com/hazyhaar/selwatch/internal/batcher"
	"github.com/hazyhaar/selwatch/internal/browser"
	"github.com/hazyhaar/selwatch/internal/config"
	"github.com/hazyhaar/selwatch/internal/fetcher"
	"github.com/hazyhaar/selwatch/internal/sink"
	"github.com/hazyhaar/selwatch/observe"
)

var (
	// ErrUnknownPage is returned for a page id that is not being watched.
	ErrUnknownPage = errors.New("selwatch: unknown page")
	// ErrUnknownWatch is returned for a watch id not present on its page.
	ErrUnknownWatch = errors.New("selwatch: unknown watch")
	// ErrDuplicate is returned when a page or watch id is already in use.
	ErrDuplicate = errors.New("selwatch: duplicate id")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("selwatch: watcher stopped")
)

const (
	tracerName  = "github.com/hazyhaar/selwatch"
	sendTimeout = 30 * time.Second
)

// DocumentOpener opens a page's document without the fetcher or the
// browser. The returned close func may be nil.
type DocumentOpener func(ctx context.Context, p PageConfig) (doc dom.Document, closeFn func() error, err error)

// Option configures a Watcher.
type Option func(*Watcher)

// WithRegisterer registers the watcher's metrics on reg instead of
// prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Watcher) { w.reg = reg }
}

// WithDocumentOpener replaces page acquisition. Tests use it to watch
// synthetic documents.
func WithDocumentOpener(fn DocumentOpener) Option {
	return func(w *Watcher) { w.opener = fn }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(w *Watcher) { w.fetch = f }
}

// Watcher is the top-level orchestrator. It owns the browser, the watched
// pages and the sinks.
type Watcher struct {
	cfg     *config.Config
	mgr     *browser.Manager
	fetch   *fetcher.Fetcher
	sinkR   *sink.Router
	reg     prometheus.Registerer
	metrics *observe.Metrics
	tracer  trace.Tracer
	opener  DocumentOpener
	logger  *slog.Logger

	mu        sync.Mutex
	pages     map[string]*page
	suspended []PageConfig
	ctx       context.Context
	stopped   bool
}

// New creates a Watcher from configuration. Nothing is opened before Start.
func New(cfg *Config, logger *slog.Logger, sinks []Sink, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:    cfg,
		sinkR:  sink.NewRouter(logger, sinks...),
		tracer: otel.Tracer(tracerName),
		logger: logger,
		pages:  make(map[string]*page),
	}
	for _, o := range opts {
		o(w)
	}
	if w.fetch == nil {
		w.fetch = newFetcher(cfg.Fetch, logger)
	}
	if w.reg == nil {
		w.reg = prometheus.DefaultRegisterer
	}
	w.metrics = observe.NewMetrics(w.reg)

	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Headful:          cfg.Browser.Stealth == "headful",
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	return w
}

// Start begins watching every configured page. Chrome is launched on the
// first page that needs it. A page that fails to open is logged and
// reported with a failed status; Start itself only fails after Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.ctx = ctx
	w.mu.Unlock()

	w.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: w.suspendBrowserPages,
		AfterRecycle:  func(*rod.Browser) { go w.resumeBrowserPages() },
	})

	for _, pc := range w.cfg.Pages {
		if err := w.WatchPage(ctx, pc); err != nil {
			w.logger.Error("selwatch: failed to watch page", "url", pc.URL, "error", err)
		}
	}
	return nil
}

// Stop closes every page, then the sinks and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	pages := w.pages
	w.pages = make(map[string]*page)
	w.mu.Unlock()

	for id, p := range pages {
		// nil marks a page still opening; WatchPage closes it.
		if p == nil {
			continue
		}
		p.close(arrival.StateClosed, nil)
		w.logger.Info("selwatch: stopped page", "id", id)
	}
	if err := w.sinkR.Close(); err != nil {
		w.logger.Warn("selwatch: close sinks", "error", err)
	}
	if err := w.mgr.Close(); err != nil {
		w.logger.Warn("selwatch: close browser", "error", err)
	}
}

// WatchPage opens a page and starts its watches. The page lives until
// RemovePage, Stop, or the end of the context given to Start (ctx when
// WatchPage is called before Start).
func (w *Watcher) WatchPage(ctx context.Context, pc PageConfig) error {
	pc = normalizePage(pc)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if _, ok := w.pages[pc.ID]; ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: page %q", ErrDuplicate, pc.ID)
	}
	// Reserve the id while the page opens.
	w.pages[pc.ID] = nil
	base := w.ctx
	w.mu.Unlock()

	if base == nil {
		base = ctx
	}
	p, err := w.openPage(ctx, base, pc)

	w.mu.Lock()
	if err != nil {
		delete(w.pages, pc.ID)
		w.mu.Unlock()
		w.sendStatus(arrival.Status{PageID: pc.ID, PageURL: pc.URL, State: arrival.StateFailed, Error: err.Error()})
		return err
	}
	if w.stopped {
		w.mu.Unlock()
		p.close(arrival.StateClosed, nil)
		return ErrStopped
	}
	w.pages[pc.ID] = p
	w.mu.Unlock()
	return nil
}

// RemovePage closes a page and cancels its watches.
func (w *Watcher) RemovePage(pageID string) error {
	w.mu.Lock()
	p, ok := w.pages[pageID]
	if !ok || p == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPage, pageID)
	}
	delete(w.pages, pageID)
	w.mu.Unlock()

	p.close(arrival.StateClosed, nil)
	return nil
}

// AddWatch starts a watch on an open page. An invalid selector is
// rejected here even though the binding would only never fire.
func (w *Watcher) AddWatch(ctx context.Context, pageID string, wc WatchConfig) error {
	if err := observe.ValidateSelector(wc.Selector); err != nil {
		return err
	}
	if wc.ID == "" {
		wc.ID = wc.Selector
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := w.page(pageID)
	if err != nil {
		return err
	}
	return p.addWatch(wc)
}

// RemoveWatch cancels a watch and waits for its rule and listener to be
// removed.
func (w *Watcher) RemoveWatch(pageID, watchID string) error {
	p, err := w.page(pageID)
	if err != nil {
		return err
	}
	return p.removeWatch(watchID)
}

// PageInfo describes a watched page.
type PageInfo struct {
	ID      string        `json:"id"`
	URL     string        `json:"url"`
	Level   string        `json:"level"`
	Watches []WatchConfig `json:"watches"`
}

// Pages lists the open pages ordered by id.
func (w *Watcher) Pages() []PageInfo {
	w.mu.Lock()
	pages := make([]*page, 0, len(w.pages))
	for _, p := range w.pages {
		if p != nil {
			pages = append(pages, p)
		}
	}
	w.mu.Unlock()

	out := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply reconciles the watched pages with cfg.Pages: new pages are opened,
// missing pages closed, and pages whose url or stealth level changed are
// reopened. On the remaining pages, watches are added, removed, or
// restarted when their selector changed.
func (w *Watcher) Apply(ctx context.Context, pages []PageConfig) {
	want := make(map[string]PageConfig, len(pages))
	for _, pc := range pages {
		pc = normalizePage(pc)
		want[pc.ID] = pc
	}

	w.mu.Lock()
	current := make(map[string]*page, len(w.pages))
	for id, p := range w.pages {
		if p != nil {
			current[id] = p
		}
	}
	w.mu.Unlock()

	kept := make(map[string]bool)
	for id, p := range current {
		pc, ok := want[id]
		if ok && pc.URL == p.cfg.URL && pc.StealthLevel == p.cfg.StealthLevel {
			p.reconcile(ctx, pc.Watches)
			kept[id] = true
			continue
		}
		if err := w.RemovePage(id); err != nil {
			w.logger.Warn("selwatch: apply remove page", "id", id, "error", err)
		}
	}
	for id, pc := range want {
		if kept[id] {
			continue
		}
		if err := w.WatchPage(ctx, pc); err != nil {
			w.logger.Error("selwatch: apply watch page", "id", id, "error", err)
		}
	}
}

func (w *Watcher) page(id string) (*page, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pages[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPage, id)
	}
	return p, nil
}

// openPage acquires the page's document and installs its watches.
func (w *Watcher) openPage(ctx, base context.Context, pc PageConfig) (*page, error) {
	pctx, cancel := context.WithCancel(base)
	p := &page{
		w:       w,
		cfg:     pc,
		ctx:     pctx,
		cancel:  cancel,
		watches: make(map[string]*watchState),
	}
	p.batch = batcher.New(batcher.Config{
		Window:    w.cfg.Debounce.Window,
		MaxBuffer: w.cfg.Debounce.MaxBuffer,
	}, p.emit)

	if err := w.acquire(ctx, p); err != nil {
		cancel()
		p.batch.Stop()
		return nil, err
	}

	p.mu.Lock()
	p.obs = observe.New(p.doc, observe.WithLogger(w.logger), observe.WithMetrics(w.metrics))
	err := p.startWatchesLocked(pc.Watches)
	p.mu.Unlock()
	if err != nil {
		p.shutdown()
		return nil, err
	}

	w.logger.Info("selwatch: watching page",
		"id", pc.ID, "url", pc.URL, "level", p.level, "watches", len(pc.Watches))
	p.status(arrival.StateOpened, nil)
	return p, nil
}

// acquire sets p.doc, p.level and p.closeDoc. Auto pages are fetched over
// HTTP first and moved to headless Chrome when the HTML looks like a
// client-rendered shell.
func (w *Watcher) acquire(ctx context.Context, p *page) error {
	if w.opener != nil {
		doc, closeFn, err := w.opener(ctx, p.cfg)
		if err != nil {
			return fmt.Errorf("selwatch: open %s: %w", p.cfg.URL, err)
		}
		p.doc, p.closeDoc, p.level = doc, closeFn, "custom"
		return nil
	}

	level, err := browser.ParseStealthLevel(p.cfg.StealthLevel)
	if err != nil {
		return err
	}

	if level == browser.LevelHTTP || level == browser.LevelAuto {
		res, err := w.fetch.Fetch(ctx, p.cfg.URL)
		switch {
		case err != nil && level == browser.LevelHTTP:
			return err
		case err != nil:
			w.logger.Warn("selwatch: auto-detect fetch failed, escalating to headless",
				"url", p.cfg.URL, "error", err)
		case level == browser.LevelHTTP || res.Sufficient:
			doc, err := res.Document()
			if err != nil {
				return err
			}
			p.doc, p.level = doc, browser.LevelHTTP.String()
			return nil
		default:
			w.logger.Info("selwatch: content insufficient via HTTP, escalating to headless",
				"url", p.cfg.URL)
		}
		level = browser.LevelHeadless
	}

	return w.openTab(ctx, p, level)
}

func (w *Watcher) openTab(ctx context.Context, p *page, level browser.StealthLevel) error {
	if _, err := w.mgr.Start(w.baseContext(ctx)); err != nil {
		return fmt.Errorf("selwatch: start browser: %w", err)
	}
	tab, err := browser.OpenTab(ctx, w.mgr, p.cfg.URL, p.cfg.ID, level)
	if err != nil {
		return fmt.Errorf("selwatch: open tab: %w", err)
	}
	name := observe.AnimationName()
	doc, err := tab.Document(p.ctx,
		browser.WithAnimationFilter(func(n string) bool { return n == name }),
		browser.WithResetHandler(func() { go p.reset() }),
		browser.WithDocumentLogger(w.logger),
	)
	if err != nil {
		tab.Close()
		return err
	}
	p.tab, p.doc, p.level = tab, doc, level.String()
	p.closeDoc = tab.Close
	return nil
}

func newFetcher(fc FetchConfig, logger *slog.Logger) *fetcher.Fetcher {
	opts := []fetcher.Option{fetcher.WithLogger(logger)}
	if fc.Timeout > 0 {
		opts = append(opts, fetcher.WithClient(&http.Client{Timeout: fc.Timeout}))
	}
	if fc.UserAgent != "" {
		opts = append(opts, fetcher.WithUserAgent(fc.UserAgent))
	}
	return fetcher.New(opts...)
}

func (w *Watcher) baseContext(ctx context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil {
		return w.ctx
	}
	return ctx
}

// suspendBrowserPages closes the pages hosted by Chrome before a recycle.
// They are reopened by resumeBrowserPages.
func (w *Watcher) suspendBrowserPages() {
	w.mu.Lock()
	var pages []*page
	for id, p := range w.pages {
		if p != nil && p.tab != nil {
			pages = append(pages, p)
			delete(w.pages, id)
		}
	}
	w.mu.Unlock()

	suspended := make([]PageConfig, 0, len(pages))
	for _, p := range pages {
		suspended = append(suspended, p.currentConfig())
		p.close(arrival.StateClosed, nil)
	}

	w.mu.Lock()
	w.suspended = append(w.suspended, suspended...)
	w.mu.Unlock()
}

func (w *Watcher) resumeBrowserPages() {
	w.mu.Lock()
	suspended := w.suspended
	w.suspended = nil
	ctx := w.ctx
	w.mu.Unlock()

	for _, pc := range suspended {
		if err := w.WatchPage(ctx, pc); err != nil {
			w.logger.Error("selwatch: reopen after recycle failed", "url", pc.URL, "error", err)
		}
	}
}

func (w *Watcher) sendStatus(st arrival.Status) {
	st.Timestamp = time.Now().UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := w.sinkR.SendStatus(ctx, st); err != nil {
		w.logger.Warn("selwatch: send status failed", "page", st.PageID, "error", err)
	}
}

func (w *Watcher) traceDelivery(ctx context.Context, p *page, wc WatchConfig, tag string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "selwatch.deliver",
		trace.WithAttributes(
			attribute.String("selwatch.page_id", p.cfg.ID),
			attribute.String("selwatch.watch_id", wc.ID),
			attribute.String("selwatch.selector", wc.Selector),
			attribute.String("selwatch.tag", tag),
		))
}

// normalizePage fills in default page and watch ids without touching the
// caller's slice.
func normalizePage(pc PageConfig) PageConfig {
	if pc.ID == "" {
		pc.ID = pc.URL
	}
	watches := make([]WatchConfig, len(pc.Watches))
	for i, wc := range pc.Watches {
		if wc.ID == "" {
			wc.ID = wc.Selector
		}
		watches[i] = wc
	}
	pc.Watches = watches
	return pc
}

// newID returns a time-ordered id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
