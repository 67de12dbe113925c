package flockgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flockgate/flockgate/cache"
	"github.com/flockgate/flockgate/driver"
	"github.com/flockgate/flockgate/log"
)

// Operation names. Fixed: they select the timeout class, label the metrics
// and key the response cache.
const (
	opSearchTweets        = "searchTweets"
	opSearchProfiles      = "searchProfiles"
	opGetProfile          = "getProfile"
	opGetProfileByUserID  = "getProfileByUserId"
	opGetTweets           = "getTweets"
	opGetTweetsAndReplies = "getTweetsAndReplies"
	opGetLatestTweet      = "getLatestTweet"
	opGetTweet            = "getTweet"
	opGetTweetReplies     = "getTweetReplies"
	opGetTweetQuotes      = "getTweetQuotes"
	opGetProfileFollowers = "getProfileFollowers"
	opGetProfileFollowing = "getProfileFollowing"
	opGetUserTweets       = "getUserTweets"
	opGetUserTweetsLarge  = "getUserTweetsLarge"
	opTimelineInDateRange = "getUserTimelineInDateRange"
	opTimelineBySearch    = "getUserTimelineBySearch"
)

const (
	dateLayout       = "2006-01-02"
	largePageSize    = 100
	largePagePause   = 500 * time.Millisecond
	timelinePageSize = 40

	profileStreamDeadline = 60 * time.Second
)

func opKey(op string, args ...string) *cache.Key {
	return cache.NewKey(op, []byte(strings.Join(args, "\x00")), "")
}

// SearchTweets runs one page of tweet search in the given mode.
func (o *Orchestrator) SearchTweets(ctx context.Context, query string, mode driver.SearchMode, cursor string) *driver.TweetPage {
	key := opKey(opSearchTweets, query, string(mode), cursor)
	return o.cachedTweetPage(ctx, opSearchTweets, searchTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			page, err := drv.SearchTweets(ctx, query, mode, cursor)
			if err != nil {
				return nil, err
			}
			normalizeTweetPage(page)
			return page, nil
		})
}

// GetProfile fetches a profile by username.
func (o *Orchestrator) GetProfile(ctx context.Context, username string) *driver.Profile {
	key := opKey(opGetProfile, username)
	return o.cachedProfile(ctx, opGetProfile, profileTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			return drv.GetProfile(ctx, username)
		})
}

// GetProfileByUserID fetches a profile by its numeric id.
func (o *Orchestrator) GetProfileByUserID(ctx context.Context, userID string) *driver.Profile {
	key := opKey(opGetProfileByUserID, userID)
	return o.cachedProfile(ctx, opGetProfileByUserID, profileTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			return drv.GetProfileByUserID(ctx, userID)
		})
}

// GetProfiles fetches several profiles in one batch dispatch; failed slots
// come back nil.
func (o *Orchestrator) GetProfiles(ctx context.Context, usernames []string) []*driver.Profile {
	ops := make([]BatchOp, len(usernames))
	for i, username := range usernames {
		u := username
		ops[i] = BatchOp{
			Name: opGetProfile,
			Fn: func(ctx context.Context, drv driver.Driver) (interface{}, error) {
				return drv.GetProfile(ctx, u)
			},
		}
	}
	outs := o.ExecuteBatch(ctx, ops)
	profiles := make([]*driver.Profile, len(outs))
	for i, out := range outs {
		if p, ok := out.(*driver.Profile); ok {
			profiles[i] = p
		}
	}
	return profiles
}

// GetTweets fetches up to maxTweets of a user's timeline, newest first.
func (o *Orchestrator) GetTweets(ctx context.Context, username string, maxTweets int) []*driver.Tweet {
	key := opKey(opGetTweets, username, strconv.Itoa(maxTweets))
	return o.cachedTweets(ctx, opGetTweets, tweetTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			tweets, err := drv.GetTweets(ctx, username, maxTweets)
			if err != nil {
				return nil, err
			}
			normalizeTweets(tweets)
			return tweets, nil
		})
}

// GetTweetsAndReplies is GetTweets with the user's replies included.
func (o *Orchestrator) GetTweetsAndReplies(ctx context.Context, username string, maxTweets int) []*driver.Tweet {
	key := opKey(opGetTweetsAndReplies, username, strconv.Itoa(maxTweets))
	return o.cachedTweets(ctx, opGetTweetsAndReplies, tweetTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			tweets, err := drv.GetTweetsAndReplies(ctx, username, maxTweets)
			if err != nil {
				return nil, err
			}
			normalizeTweets(tweets)
			return tweets, nil
		})
}

// GetTweetsByUserID fetches up to maxTweets of a timeline addressed by user
// id rather than username.
func (o *Orchestrator) GetTweetsByUserID(ctx context.Context, userID string, maxTweets int) []*driver.Tweet {
	page := o.GetUserTweets(ctx, userID, maxTweets, "")
	if page == nil {
		return nil
	}
	return page.Tweets
}

// GetUserTweets fetches one timeline page by user id.
func (o *Orchestrator) GetUserTweets(ctx context.Context, userID string, maxTweets int, cursor string) *driver.TweetPage {
	key := opKey(opGetUserTweets, userID, strconv.Itoa(maxTweets), cursor)
	return o.cachedTweetPage(ctx, opGetUserTweets, tweetTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			page, err := drv.GetUserTweets(ctx, userID, maxTweets, cursor)
			if err != nil {
				return nil, err
			}
			normalizeTweetPage(page)
			return page, nil
		})
}

// GetLatestTweet fetches a user's most recent tweet.
func (o *Orchestrator) GetLatestTweet(ctx context.Context, username string) *driver.Tweet {
	key := opKey(opGetLatestTweet, username)
	return o.cachedTweet(ctx, opGetLatestTweet, tweetTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			tweets, err := drv.GetTweets(ctx, username, 1)
			if err != nil {
				return nil, err
			}
			if len(tweets) == 0 {
				return nil, nil
			}
			normalizeTweet(tweets[0])
			return tweets[0], nil
		})
}

// GetTweet fetches a single tweet by id.
func (o *Orchestrator) GetTweet(ctx context.Context, id string) *driver.Tweet {
	key := opKey(opGetTweet, id)
	return o.cachedTweet(ctx, opGetTweet, tweetTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			t, err := drv.GetTweet(ctx, id)
			if err != nil {
				return nil, err
			}
			normalizeTweet(t)
			return t, nil
		})
}

// GetTweetReplies fetches one page of replies to a tweet. Replies live
// behind the search surface, so the dispatch runs in the search class.
func (o *Orchestrator) GetTweetReplies(ctx context.Context, id, cursor string) *driver.TweetPage {
	query := "conversation_id:" + id
	key := opKey(opGetTweetReplies, id, cursor)
	return o.cachedTweetPage(ctx, opGetTweetReplies, searchTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			page, err := drv.SearchTweets(ctx, query, driver.SearchLatest, cursor)
			if err != nil {
				return nil, err
			}
			normalizeTweetPage(page)
			return page, nil
		})
}

// GetTweetQuotes fetches one page of quote tweets of a tweet.
func (o *Orchestrator) GetTweetQuotes(ctx context.Context, id, cursor string) *driver.TweetPage {
	query := "quoted_tweet_id:" + id
	key := opKey(opGetTweetQuotes, id, cursor)
	return o.cachedTweetPage(ctx, opGetTweetQuotes, searchTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			page, err := drv.SearchTweets(ctx, query, driver.SearchTop, cursor)
			if err != nil {
				return nil, err
			}
			normalizeTweetPage(page)
			return page, nil
		})
}

// GetProfileFollowers fetches one page of an account's followers.
func (o *Orchestrator) GetProfileFollowers(ctx context.Context, userID string, maxProfiles int, cursor string) *driver.ProfilePage {
	key := opKey(opGetProfileFollowers, userID, strconv.Itoa(maxProfiles), cursor)
	return o.cachedProfilePage(ctx, opGetProfileFollowers, profileTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			return drv.FetchProfileFollowers(ctx, userID, maxProfiles, cursor)
		})
}

// GetProfileFollowing fetches one page of the accounts a user follows.
func (o *Orchestrator) GetProfileFollowing(ctx context.Context, userID string, maxProfiles int, cursor string) *driver.ProfilePage {
	key := opKey(opGetProfileFollowing, userID, strconv.Itoa(maxProfiles), cursor)
	return o.cachedProfilePage(ctx, opGetProfileFollowing, profileTimeoutClass, key,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			return drv.FetchProfileFollowing(ctx, userID, maxProfiles, cursor)
		})
}

// GetUserTweetsLarge pulls a long stretch of timeline: it paginates until
// maxTweets or cursor exhaustion, pausing between pages, and every page
// dispatch runs with a doubled timeout. Not cached.
func (o *Orchestrator) GetUserTweetsLarge(ctx context.Context, userID string, maxTweets int) []*driver.Tweet {
	var all []*driver.Tweet
	cursor := ""
	for len(all) < maxTweets {
		n := maxTweets - len(all)
		if n > largePageSize {
			n = largePageSize
		}
		cur := cursor
		out := o.execute(ctx, opGetUserTweetsLarge, 2*tweetTimeoutClass,
			func(ctx context.Context, drv driver.Driver) (interface{}, error) {
				page, err := drv.GetUserTweets(ctx, userID, n, cur)
				if err != nil {
					return nil, err
				}
				normalizeTweetPage(page)
				return page, nil
			})
		page, ok := out.(*driver.TweetPage)
		if !ok || page == nil || len(page.Tweets) == 0 {
			break
		}
		all = append(all, page.Tweets...)
		cursor = page.Next
		if cursor == "" || len(all) >= maxTweets {
			break
		}
		if err := sleepCtx(ctx, largePagePause); err != nil {
			break
		}
	}
	if len(all) > maxTweets {
		all = all[:maxTweets]
	}
	return all
}

// GetUserTimelineInDateRange walks a user's timeline and keeps the tweets
// dated within [end, start], both inclusive; start is the newer bound. The
// walk stops at the first page that reaches past end. Not cached.
func (o *Orchestrator) GetUserTimelineInDateRange(ctx context.Context, userID string, start, end time.Time) []*driver.Tweet {
	var picked []*driver.Tweet
	cursor := ""
	for {
		cur := cursor
		out := o.execute(ctx, opTimelineInDateRange, tweetTimeoutClass,
			func(ctx context.Context, drv driver.Driver) (interface{}, error) {
				page, err := drv.GetUserTweets(ctx, userID, timelinePageSize, cur)
				if err != nil {
					return nil, err
				}
				normalizeTweetPage(page)
				return page, nil
			})
		page, ok := out.(*driver.TweetPage)
		if !ok || page == nil || len(page.Tweets) == 0 {
			break
		}
		older := false
		for _, t := range page.Tweets {
			ts := tweetTime(t)
			if ts.IsZero() {
				continue
			}
			if ts.Before(end) {
				// keep scanning the page: a pinned tweet may sit out of
				// order at the top
				older = true
				continue
			}
			if !ts.After(start) {
				picked = append(picked, t)
			}
		}
		if older || page.Next == "" {
			break
		}
		cursor = page.Next
	}
	return picked
}

// GetUserTimelineBySearch reads a user's timeline through the search
// surface, bounded by since and until dates. maxTweets <= 0 means until
// cursor exhaustion. Not cached.
func (o *Orchestrator) GetUserTimelineBySearch(ctx context.Context, username string, since, until time.Time, maxTweets int) []*driver.Tweet {
	query := fmt.Sprintf("from:%s since:%s until:%s",
		username, since.Format(dateLayout), until.Format(dateLayout))
	var all []*driver.Tweet
	cursor := ""
	for maxTweets <= 0 || len(all) < maxTweets {
		page := o.SearchTweets(ctx, query, driver.SearchLatest, cursor)
		if page == nil || len(page.Tweets) == 0 {
			break
		}
		all = append(all, page.Tweets...)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	if maxTweets > 0 && len(all) > maxTweets {
		all = all[:maxTweets]
	}
	return all
}

func tweetTime(t *driver.Tweet) time.Time {
	if !t.TimeParsed.IsZero() {
		return t.TimeParsed
	}
	if t.Timestamp > 0 {
		return time.Unix(t.Timestamp, 0)
	}
	return time.Time{}
}

// ProfileStream is a lazy, finite, non-restartable sequence of profiles. It
// ends at maxProfiles, on cursor exhaustion, when its internal deadline
// passes or when a page dispatch fails.
type ProfileStream struct {
	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
	query  string

	remaining int
	cursor    string
	buf       []*driver.Profile
	done      bool
}

// SearchProfiles opens a profile search stream. The stream bypasses the
// response cache; every page is a live dispatch.
func (o *Orchestrator) SearchProfiles(ctx context.Context, query string, maxProfiles int) *ProfileStream {
	sctx, cancel := context.WithTimeout(ctx, profileStreamDeadline)
	return &ProfileStream{
		o:         o,
		ctx:       sctx,
		cancel:    cancel,
		query:     query,
		remaining: maxProfiles,
	}
}

// Next yields the next profile; ok is false once the stream is exhausted.
func (s *ProfileStream) Next() (*driver.Profile, bool) {
	if s.remaining <= 0 {
		s.Close()
		return nil, false
	}
	for len(s.buf) == 0 {
		if s.done || s.ctx.Err() != nil {
			s.Close()
			return nil, false
		}
		s.fetch()
	}
	p := s.buf[0]
	s.buf = s.buf[1:]
	s.remaining--
	return p, true
}

func (s *ProfileStream) fetch() {
	query, cursor, remaining := s.query, s.cursor, s.remaining
	out := s.o.Execute(s.ctx, opSearchProfiles,
		func(ctx context.Context, drv driver.Driver) (interface{}, error) {
			return drv.SearchProfiles(ctx, query, remaining, cursor)
		})
	page, ok := out.(*driver.ProfilePage)
	if !ok || page == nil || len(page.Profiles) == 0 {
		s.done = true
		return
	}
	s.buf = page.Profiles
	s.cursor = page.Next
	if page.Next == "" {
		s.done = true
	}
}

// Close ends the stream early. Safe to call more than once.
func (s *ProfileStream) Close() {
	s.done = true
	s.cancel()
}

// executeCached wraps a dispatch with the response cache: a decoded hit
// skips the dispatch entirely, a concurrent identical operation is awaited
// within the grace window, and a fresh payload is stored for the configured
// TTL. newPayload allocates the value a cached entry decodes into.
func (o *Orchestrator) executeCached(ctx context.Context, op string, timeout time.Duration, key *cache.Key, newPayload func() interface{}, fn OpFunc) interface{} {
	if o.cache == nil {
		return o.execute(ctx, op, timeout, fn)
	}
	if v, ok := o.cacheFetch(key, newPayload); ok {
		return v
	}
	if status, err := o.cache.Status(key); err == nil && status.State.IsPending() {
		if _, err := o.cache.AwaitForConcurrentTransaction(key); err == nil {
			if v, ok := o.cacheFetch(key, newPayload); ok {
				return v
			}
		}
	}
	if err := o.cache.Create(key); err != nil {
		log.Errorf("cache: cannot register transaction for %q: %s", op, err)
	}

	out := o.execute(ctx, op, timeout, fn)
	if out != nil && !isEmptyPayload(out) {
		o.cacheStore(op, key, out)
		return out
	}
	if err := o.cache.Fail(key, noDataReason(op)); err != nil {
		log.Errorf("cache: cannot fail transaction for %q: %s", op, err)
	}
	return out
}

func (o *Orchestrator) cacheFetch(key *cache.Key, newPayload func() interface{}) (interface{}, bool) {
	data, err := o.cache.Get(key)
	if err != nil {
		cacheMiss.Inc()
		return nil, false
	}
	v := newPayload()
	if err := json.Unmarshal(data.Payload, v); err != nil {
		log.Errorf("cache: dropping undecodable cached payload: %s", err)
		cacheMiss.Inc()
		return nil, false
	}
	cacheHit.Inc()
	return v, true
}

func (o *Orchestrator) cacheStore(op string, key *cache.Key, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Errorf("cache: cannot encode %q payload: %s", op, err)
		if err := o.cache.Fail(key, "encode error"); err != nil {
			log.Errorf("cache: cannot fail transaction for %q: %s", op, err)
		}
		return
	}
	if _, err := o.cache.Put(key, cache.Entry{Payload: payload}); err != nil {
		log.Errorf("cache: cannot store %q payload: %s", op, err)
		if err := o.cache.Fail(key, "store error"); err != nil {
			log.Errorf("cache: cannot fail transaction for %q: %s", op, err)
		}
		return
	}
	if err := o.cache.Complete(key); err != nil {
		log.Errorf("cache: cannot complete transaction for %q: %s", op, err)
	}
}

func (o *Orchestrator) cachedTweetPage(ctx context.Context, op string, timeout time.Duration, key *cache.Key, fn OpFunc) *driver.TweetPage {
	out := o.executeCached(ctx, op, timeout, key,
		func() interface{} { return new(driver.TweetPage) }, fn)
	if p, ok := out.(*driver.TweetPage); ok {
		return p
	}
	return nil
}

func (o *Orchestrator) cachedProfilePage(ctx context.Context, op string, timeout time.Duration, key *cache.Key, fn OpFunc) *driver.ProfilePage {
	out := o.executeCached(ctx, op, timeout, key,
		func() interface{} { return new(driver.ProfilePage) }, fn)
	if p, ok := out.(*driver.ProfilePage); ok {
		return p
	}
	return nil
}

func (o *Orchestrator) cachedProfile(ctx context.Context, op string, timeout time.Duration, key *cache.Key, fn OpFunc) *driver.Profile {
	out := o.executeCached(ctx, op, timeout, key,
		func() interface{} { return new(driver.Profile) }, fn)
	if p, ok := out.(*driver.Profile); ok {
		return p
	}
	return nil
}

func (o *Orchestrator) cachedTweet(ctx context.Context, op string, timeout time.Duration, key *cache.Key, fn OpFunc) *driver.Tweet {
	out := o.executeCached(ctx, op, timeout, key,
		func() interface{} { return new(driver.Tweet) }, fn)
	if t, ok := out.(*driver.Tweet); ok {
		return t
	}
	return nil
}

func (o *Orchestrator) cachedTweets(ctx context.Context, op string, timeout time.Duration, key *cache.Key, fn OpFunc) []*driver.Tweet {
	out := o.executeCached(ctx, op, timeout, key,
		func() interface{} { return new([]*driver.Tweet) }, fn)
	switch v := out.(type) {
	case []*driver.Tweet:
		return v
	case *[]*driver.Tweet:
		return *v
	}
	return nil
}
