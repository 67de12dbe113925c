// Package driver defines the upstream client contract consumed by the
// orchestrator and the session layer that authenticates it.
package driver

import (
	"context"
	"net/url"
	"time"
)

// SearchMode selects the upstream search tab.
type SearchMode string

const (
	SearchTop    SearchMode = "Top"
	SearchLatest SearchMode = "Latest"
	SearchPhotos SearchMode = "Photos"
	SearchVideos SearchMode = "Videos"
	SearchUsers  SearchMode = "Users"
)

// Profile is an upstream user profile.
type Profile struct {
	UserID         string     `json:"userId,omitempty"`
	Username       string     `json:"username,omitempty"`
	Name           string     `json:"name,omitempty"`
	Biography      string     `json:"biography,omitempty"`
	Location       string     `json:"location,omitempty"`
	Website        string     `json:"website,omitempty"`
	Avatar         string     `json:"avatar,omitempty"`
	Banner         string     `json:"banner,omitempty"`
	FollowersCount int        `json:"followersCount"`
	FollowingCount int        `json:"followingCount"`
	TweetsCount    int        `json:"tweetsCount"`
	IsPrivate      bool       `json:"isPrivate"`
	IsVerified     bool       `json:"isVerified"`
	Joined         *time.Time `json:"joined,omitempty"`
}

// Tweet is a single upstream post.
type Tweet struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId,omitempty"`
	UserID            string    `json:"userId,omitempty"`
	Username          string    `json:"username,omitempty"`
	Name              string    `json:"name,omitempty"`
	Text              string    `json:"text,omitempty"`
	HTML              string    `json:"html,omitempty"`
	PermanentURL      string    `json:"permanentUrl,omitempty"`
	InReplyToStatusID string    `json:"inReplyToStatusId,omitempty"`
	InReplyToStatus   *Tweet    `json:"inReplyToStatus,omitempty"`
	QuotedStatusID    string    `json:"quotedStatusId,omitempty"`
	IsPin             bool      `json:"isPin"`
	IsReply           bool      `json:"isReply"`
	IsRetweet         bool      `json:"isRetweet"`
	IsQuoted          bool      `json:"isQuoted"`
	Likes             int       `json:"likes"`
	Retweets          int       `json:"retweets"`
	Replies           int       `json:"replies"`
	Views             int       `json:"views"`
	Timestamp         int64     `json:"timestamp,omitempty"`
	TimeParsed        time.Time `json:"timeParsed,omitempty"`
	Hashtags          []string  `json:"hashtags,omitempty"`
	Photos            []string  `json:"photos,omitempty"`
	Videos            []string  `json:"videos,omitempty"`
	URLs              []string  `json:"urls,omitempty"`
}

// TweetPage is one page of tweets plus the cursor for the next one. An empty
// Next means the timeline is exhausted.
type TweetPage struct {
	Tweets []*Tweet `json:"tweets"`
	Next   string   `json:"next,omitempty"`
}

// ProfilePage is one page of profiles plus the cursor for the next one.
type ProfilePage struct {
	Profiles []*Profile `json:"profiles"`
	Next     string     `json:"next,omitempty"`
}

// Driver is the upstream client. Implementations perform the actual network
// calls; the orchestrator only schedules them. Errors must carry messages
// classifiable by the health layer.
type Driver interface {
	Login(ctx context.Context, username, password, email, totpSecret string) error
	SetCookies(cookies []string) error
	Cookies() []string

	SearchTweets(ctx context.Context, query string, mode SearchMode, cursor string) (*TweetPage, error)
	SearchProfiles(ctx context.Context, query string, maxProfiles int, cursor string) (*ProfilePage, error)
	GetProfile(ctx context.Context, username string) (*Profile, error)
	GetProfileByUserID(ctx context.Context, userID string) (*Profile, error)
	GetTweets(ctx context.Context, username string, maxTweets int) ([]*Tweet, error)
	GetTweetsAndReplies(ctx context.Context, username string, maxTweets int) ([]*Tweet, error)
	GetUserTweets(ctx context.Context, userID string, maxTweets int, cursor string) (*TweetPage, error)
	GetTweet(ctx context.Context, id string) (*Tweet, error)
	FetchProfileFollowers(ctx context.Context, userID string, maxProfiles int, cursor string) (*ProfilePage, error)
	FetchProfileFollowing(ctx context.Context, userID string, maxProfiles int, cursor string) (*ProfilePage, error)
}

// Factory builds a fresh driver bound to the given egress proxy. A nil
// proxyURL means direct egress. Each account gets its own driver instance,
// so concurrent dispatches on different accounts never share a proxy
// binding.
type Factory func(proxyURL *url.URL) (Driver, error)
