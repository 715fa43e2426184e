package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const navigateTimeout = 30 * time.Second

// Tab is a page opened by the manager for one watched URL.
type Tab struct {
	Page    *rod.Page
	PageURL string
	PageID  string
	Stealth StealthLevel

	router *rod.HijackRouter
	doc    *Document
}

// OpenTab creates a tab, applies stealth and resource blocking, navigates
// to pageURL and waits for the load event. A load timeout is logged, not
// returned: the document is usable before every subresource arrives.
func OpenTab(ctx context.Context, mgr *Manager, pageURL, pageID string, level StealthLevel) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, errors.New("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if level >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, PageID: pageID, Stealth: level}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.router = blockResources(page, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return t, nil
}

// Document adapts the tab's page to dom.Document. The tab owns it and
// closes it with the tab.
func (t *Tab) Document(ctx context.Context, opts ...DocumentOption) (*Document, error) {
	if t.doc != nil {
		return t.doc, nil
	}
	doc, err := NewDocument(ctx, t.Page, opts...)
	if err != nil {
		return nil, err
	}
	t.doc = doc
	return doc, nil
}

// Close stops the document, the request router and the page.
func (t *Tab) Close() error {
	var errs []error
	if t.doc != nil {
		errs = append(errs, t.doc.Close())
		t.doc = nil
	}
	if t.router != nil {
		errs = append(errs, t.router.Stop())
		t.router = nil
	}
	if t.Page != nil {
		errs = append(errs, t.Page.Close())
	}
	return errors.Join(errs...)
}
