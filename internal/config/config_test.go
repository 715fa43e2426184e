package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/selwatch/internal/dbopen"
)

const sample = `
browser:
  resource_blocking: [images, fonts]
pages:
  - id: news
    url: https://example.com/news
    stealth_level: "1"
    watches:
      - id: headlines
        selector: article h2
      - selector: .breaking
  - url: https://example.com/plain
fetch:
  user_agent: watcher/1.0
sinks:
  - type: webhook
    url: http://localhost:9000/hook
http:
  addr: 127.0.0.1:8088
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.MemoryLimit != 1<<30 {
		t.Errorf("memory limit = %d", cfg.Browser.MemoryLimit)
	}
	if cfg.Browser.RecycleInterval != 4*time.Hour {
		t.Errorf("recycle interval = %v", cfg.Browser.RecycleInterval)
	}
	if cfg.Fetch.UserAgent != "watcher/1.0" || cfg.Fetch.Timeout != 30*time.Second {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Debounce.Window != 250*time.Millisecond || cfg.Debounce.MaxBuffer != 1000 {
		t.Errorf("debounce = %+v", cfg.Debounce)
	}
	if len(cfg.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(cfg.Pages))
	}
	news := cfg.Pages[0]
	if news.StealthLevel != "1" || len(news.Watches) != 2 {
		t.Errorf("news = %+v", news)
	}
	if got := news.Watches[1].ID; got != ".breaking" {
		t.Errorf("watch id default = %q, want selector", got)
	}
	plain := cfg.Pages[1]
	if plain.ID != plain.URL || plain.StealthLevel != "auto" {
		t.Errorf("plain = %+v", plain)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8088" {
		t.Errorf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestParse_DefaultSinkIsStdout(t *testing.T) {
	cfg, err := Parse([]byte("pages: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
}

func TestValidate_Errors(t *testing.T) {
	src := `
pages:
  - id: a
    url: https://a
    watches:
      - {id: w, selector: .x}
      - {id: w, selector: .y}
  - id: a
  - id: b
    url: https://b
    watches:
      - {id: empty}
      - {id: inject, selector: ".x){} body{display:none"}
sinks:
  - type: nats
  - type: sqlite
`
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`watch "w": duplicate id`,
		`page "a": duplicate id`,
		`page "a": url is required`,
		`watch "empty": selector is required`,
		`watch "inject": observe: invalid selector`,
		`unknown type "nats"`,
		`sqlite needs path`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadPages_GroupsByPage(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()

	news := PageConfig{ID: "news", URL: "https://example.com/news", StealthLevel: "1"}
	shop := PageConfig{ID: "shop", URL: "https://example.com/shop"}
	for _, up := range []struct {
		p PageConfig
		w WatchConfig
	}{
		{news, WatchConfig{ID: "h", Selector: "h2"}},
		{news, WatchConfig{ID: "b", Selector: ".breaking"}},
		{shop, WatchConfig{ID: "p", Selector: ".price"}},
	} {
		if err := UpsertWatch(ctx, db, up.p, up.w); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec(`UPDATE watch_selectors SET status = 'paused' WHERE watch_id = 'b'`); err != nil {
		t.Fatal(err)
	}

	pages, err := LoadPages(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].ID != "news" || len(pages[0].Watches) != 1 || pages[0].Watches[0].Selector != "h2" {
		t.Errorf("news = %+v", pages[0])
	}
	if pages[1].StealthLevel != "auto" {
		t.Errorf("shop level = %q, want auto", pages[1].StealthLevel)
	}

	// Upserting reactivates and replaces the selector.
	if err := UpsertWatch(ctx, db, news, WatchConfig{ID: "b", Selector: ".urgent"}); err != nil {
		t.Fatal(err)
	}
	pages, err = LoadPages(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages[0].Watches) != 2 || pages[0].Watches[0].Selector != ".urgent" {
		t.Errorf("news after upsert = %+v", pages[0])
	}
}

func TestWatchFile_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selwatch.yaml")
	if err := os.WriteFile(path, []byte("pages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, nil, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	body := []byte("pages:\n  - id: a\n    url: https://a\n")
	for {
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case c := <-got:
			if len(c.Pages) != 1 || c.Pages[0].ID != "a" {
				t.Fatalf("reloaded = %+v", c.Pages)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("WatchFile: %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload within 5s")
		}
	}
}
