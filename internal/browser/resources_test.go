package browser

import "testing"

func TestShouldBlock(t *testing.T) {
	blocked := map[string]bool{"images": true, "fonts": true, "xhr": true}

	for _, tc := range []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"XHR", true},
		{"Media", false},
		{"Stylesheet", false},
		{"Document", false},
	} {
		if got := shouldBlock(blocked, tc.resType); got != tc.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", tc.resType, got, tc.want)
		}
	}
}

func TestParseStealthLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want StealthLevel
	}{
		{"0", LevelHTTP},
		{"1", LevelHeadless},
		{"2", LevelHeadful},
		{"auto", LevelAuto},
		{"", LevelAuto},
		{" Headless ", LevelHeadless},
	} {
		got, err := ParseStealthLevel(tc.in)
		if err != nil {
			t.Fatalf("ParseStealthLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseStealthLevel(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseStealthLevel("3"); err == nil {
		t.Error("ParseStealthLevel(3): want error")
	}
}

func TestXvfbArgs(t *testing.T) {
	for _, tc := range []struct {
		display string
		want    string
	}{
		{":99", "--server-num=99"},
		{":7.0", "--server-num=7"},
		{"", "--auto-servernum"},
		{"host:1", "--auto-servernum"},
	} {
		got := xvfbArgs(tc.display)
		if len(got) != 2 || got[0] != tc.want {
			t.Errorf("xvfbArgs(%q) = %q, want first %q", tc.display, got, tc.want)
		}
		if got[1] != "--server-args=-screen 0 1920x1080x24 -ac" {
			t.Errorf("xvfbArgs(%q) screen = %q", tc.display, got[1])
		}
	}
}
