package cache

import (
	"path/filepath"
	"regexp"
	"testing"
)

var keyRegexp = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestKeyString(t *testing.T) {
	k := NewKey("searchTweets", []byte(`{"q":"golang","mode":"Latest"}`), "")
	s := k.String()
	if !keyRegexp.MatchString(s) {
		t.Fatalf("unexpected key format: %q", s)
	}
	if s != k.String() {
		t.Fatalf("key string must be deterministic")
	}
}

func TestKeySensitivity(t *testing.T) {
	base := NewKey("searchTweets", []byte(`{"q":"golang"}`), "")
	variants := []*Key{
		NewKey("getProfile", []byte(`{"q":"golang"}`), ""),
		NewKey("searchTweets", []byte(`{"q":"rust"}`), ""),
		NewKey("searchTweets", []byte(`{"q":"golang"}`), "tenant-a"),
		{Op: "searchTweets", Args: []byte(`{"q":"golang"}`), Version: Version + 1},
	}
	seen := map[string]bool{base.String(): true}
	for i, k := range variants {
		s := k.String()
		if seen[s] {
			t.Fatalf("variant %d collides with a previous key: %q", i, s)
		}
		seen[s] = true
	}
}

func TestKeyFilePath(t *testing.T) {
	k := NewKey("getTweet", []byte(`{"id":"42"}`), "")
	fp := k.filePath("/var/cache/flockgate")
	if filepath.Dir(fp) != "/var/cache/flockgate" {
		t.Fatalf("unexpected file path: %q", fp)
	}
	if filepath.Base(fp) != k.String() {
		t.Fatalf("file name must be the key string; got %q", filepath.Base(fp))
	}
}
