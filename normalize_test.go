package flockgate

import (
	"testing"

	"github.com/flockgate/flockgate/driver"
)

func TestNormalizeTweetFillsUsername(t *testing.T) {
	tw := &driver.Tweet{
		ID:           "99",
		PermanentURL: "https://x.com/someone/status/99",
	}
	normalizeTweet(tw)
	if tw.Username != "someone" {
		t.Fatalf("username not derived from permalink: %q", tw.Username)
	}

	tw = &driver.Tweet{
		ID:           "99",
		Username:     "original",
		PermanentURL: "https://x.com/someone/status/99",
	}
	normalizeTweet(tw)
	if tw.Username != "original" {
		t.Fatalf("an existing username must be kept, got %q", tw.Username)
	}
}

func TestNormalizeTweetStripsMarkup(t *testing.T) {
	tw := &driver.Tweet{
		ID:   "1",
		HTML: `<p>hello <a href="https://example.com">world</a> &amp; friends</p>`,
	}
	normalizeTweet(tw)
	if tw.Text != "hello world & friends" {
		t.Fatalf("unexpected text %q", tw.Text)
	}

	tw = &driver.Tweet{ID: "2", Text: "already set", HTML: "<b>ignored</b>"}
	normalizeTweet(tw)
	if tw.Text != "already set" {
		t.Fatalf("existing text must be kept, got %q", tw.Text)
	}
}

func TestNormalizeTweetDropsReplyParent(t *testing.T) {
	parent := &driver.Tweet{ID: "1"}
	tw := &driver.Tweet{ID: "2", InReplyToStatusID: "1", InReplyToStatus: parent}
	normalizeTweet(tw)
	if tw.InReplyToStatus != nil {
		t.Fatalf("embedded reply parent must be dropped")
	}
	if tw.InReplyToStatusID != "1" {
		t.Fatalf("the parent id must survive, got %q", tw.InReplyToStatusID)
	}
}

func TestNormalizeNilSafety(t *testing.T) {
	normalizeTweet(nil)
	normalizeTweetPage(nil)
	normalizeTweets([]*driver.Tweet{nil})
}

func TestNormalizeTweetPage(t *testing.T) {
	page := &driver.TweetPage{
		Tweets: []*driver.Tweet{
			{ID: "1", PermanentURL: "https://x.com/kim/status/1", InReplyToStatus: &driver.Tweet{}},
			{ID: "2", PermanentURL: "https://x.com/pam/status/2"},
		},
		Next: "c",
	}
	normalizeTweetPage(page)
	if page.Tweets[0].Username != "kim" || page.Tweets[1].Username != "pam" {
		t.Fatalf("usernames not filled: %q %q", page.Tweets[0].Username, page.Tweets[1].Username)
	}
	if page.Tweets[0].InReplyToStatus != nil {
		t.Fatalf("reply parent must be dropped across the page")
	}
}

func TestUsernameFromPermanentURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://x.com/kim/status/1": "kim",
		"https://x.com/kim":          "kim",
		"https://x.com":              "",
		"nonsense":                   "",
	} {
		if got := usernameFromPermanentURL(in); got != want {
			t.Fatalf("usernameFromPermanentURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripMarkupUnparsable(t *testing.T) {
	// goquery parses almost anything; a plain string comes back as itself
	if got := stripMarkup("no markup here"); got != "no markup here" {
		t.Fatalf("unexpected text %q", got)
	}
}
