package flockgate

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/flockgate/flockgate/driver"
)

// normalizeTweet fills fields the upstream sometimes omits and drops the
// embedded reply parent so payloads never carry reference cycles.
func normalizeTweet(t *driver.Tweet) {
	if t == nil {
		return
	}
	if t.Username == "" && t.PermanentURL != "" {
		t.Username = usernameFromPermanentURL(t.PermanentURL)
	}
	if t.Text == "" && t.HTML != "" {
		t.Text = stripMarkup(t.HTML)
	}
	t.InReplyToStatus = nil
}

func normalizeTweets(ts []*driver.Tweet) {
	for _, t := range ts {
		normalizeTweet(t)
	}
}

func normalizeTweetPage(p *driver.TweetPage) {
	if p != nil {
		normalizeTweets(p.Tweets)
	}
}

// usernameFromPermanentURL pulls the username segment out of a permalink of
// the form https://host/<username>/status/<id>.
func usernameFromPermanentURL(u string) string {
	parts := strings.Split(u, "/")
	if len(parts) > 3 {
		return parts[3]
	}
	return ""
}

// stripMarkup renders the html body down to its text. On unparsable input
// the raw string is returned rather than nothing.
func stripMarkup(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return strings.TrimSpace(doc.Text())
}
