// Package arrival defines the records the watcher emits when an element
// starts matching a watched selector. Consumers import it to decode sink
// output.
package arrival

// Record is one element arrival: the first time a given element matched a
// watch's selector.
type Record struct {
	ID        string `json:"id"` // UUIDv7
	PageID    string `json:"page_id"`
	PageURL   string `json:"page_url"`
	WatchID   string `json:"watch_id"`
	Selector  string `json:"selector"`
	Tag       string `json:"tag"`
	HTML      string `json:"html,omitempty"` // outer HTML at delivery time
	HTMLHash  string `json:"html_hash,omitempty"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Batch groups the arrivals of one page collected in one debounce window.
type Batch struct {
	ID        string   `json:"id"`
	PageID    string   `json:"page_id"`
	PageURL   string   `json:"page_url"`
	Seq       uint64   `json:"seq"` // per page, increasing, for gap detection
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"`
}

// State is a page lifecycle state.
type State string

const (
	StateOpened State = "opened" // document loaded, watches installed
	StateReset  State = "reset"  // main frame navigated, watches reinstalled
	StateClosed State = "closed"
	StateFailed State = "failed"
)

// Status reports a page lifecycle change. A reset or reopen installs new
// bindings, so elements already present are reported again afterwards.
type Status struct {
	PageID    string `json:"page_id"`
	PageURL   string `json:"page_url"`
	State     State  `json:"state"`
	Level     string `json:"level,omitempty"` // http, headless or headful
	Watches   int    `json:"watches"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
