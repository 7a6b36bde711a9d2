package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const defaultTwitterAPIURL = "https://api.twitter.com"

// TwitterSource implements the X/Twitter recent search API
type TwitterSource struct {
	bearerToken string
	client      *resty.Client
}

type twitterSearchResponse struct {
	Data     []twitterTweet `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

type twitterTweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	AuthorID      string `json:"author_id"`
	CreatedAt     string `json:"created_at"`
	Lang          string `json:"lang"`
	PublicMetrics struct {
		RetweetCount int `json:"retweet_count"`
		LikeCount    int `json:"like_count"`
		ReplyCount   int `json:"reply_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type twitterUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Verified      bool   `json:"verified"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

// NewTwitterSource creates a new Twitter source. An empty apiURL uses the public API.
func NewTwitterSource(bearerToken, apiURL string) *TwitterSource {
	if apiURL == "" {
		apiURL = defaultTwitterAPIURL
	}
	return &TwitterSource{
		bearerToken: bearerToken,
		client: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "Crypto-Mentions-Bot/1.0"),
	}
}

func (t *TwitterSource) GetName() string {
	return "twitter"
}

func (t *TwitterSource) IsEnabled() bool {
	return t.bearerToken != ""
}

func (t *TwitterSource) Capabilities() Capabilities {
	return Capabilities{RepostFilter: true, LanguageFilter: true, Cashtags: true, Hashtags: true}
}

func (t *TwitterSource) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	maxResults := opts.MaxResults
	if maxResults < 10 {
		maxResults = 10
	}
	if maxResults > 100 {
		maxResults = 100
	}

	req := t.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+t.bearerToken).
		SetQueryParam("query", query).
		SetQueryParam("max_results", strconv.Itoa(maxResults)).
		SetQueryParam("tweet.fields", "created_at,author_id,public_metrics,referenced_tweets,lang").
		SetQueryParam("expansions", "author_id").
		SetQueryParam("user.fields", "username,verified,public_metrics")
	if !opts.StartTime.IsZero() {
		req.SetQueryParam("start_time", opts.StartTime.UTC().Format(time.RFC3339))
	}
	if !opts.EndTime.IsZero() {
		req.SetQueryParam("end_time", opts.EndTime.UTC().Format(time.RFC3339))
	}
	if opts.Cursor != "" {
		req.SetQueryParam("next_token", opts.Cursor)
	}

	logrus.Debugf("Twitter API request: %s", query)

	resp, err := req.Get("/2/tweets/search/recent")
	if err != nil {
		return nil, err
	}

	rateLimit := t.parseRateLimit(resp)

	if resp.StatusCode() == 429 {
		if rateLimit != nil {
			logrus.Warnf("Twitter API rate limit hit, resets at %s", rateLimit.ResetAt.Format(time.RFC3339))
		}
		return &SearchResult{RateLimit: rateLimit}, ErrRateLimited
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("twitter API returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	var searchResp twitterSearchResponse
	if err := json.Unmarshal(resp.Body(), &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse Twitter response: %w", err)
	}

	users := make(map[string]twitterUser, len(searchResp.Includes.Users))
	for _, u := range searchResp.Includes.Users {
		users[u.ID] = u
	}

	result := &SearchResult{
		NextCursor: searchResp.Meta.NextToken,
		RateLimit:  rateLimit,
	}

	for _, tweet := range searchResp.Data {
		createdAt, err := time.Parse(time.RFC3339, tweet.CreatedAt)
		if err != nil {
			logrus.Errorf("Failed to parse Twitter timestamp: %v", err)
			continue
		}

		user := users[tweet.AuthorID]
		result.Items = append(result.Items, models.Mention{
			ID:        fmt.Sprintf("twitter_%s", tweet.ID),
			Source:    "twitter",
			Text:      tweet.Text,
			URL:       fmt.Sprintf("https://twitter.com/i/status/%s", tweet.ID),
			CreatedAt: createdAt,
			Author: models.Author{
				ID:            tweet.AuthorID,
				Handle:        user.Username,
				FollowerCount: user.PublicMetrics.FollowersCount,
				Verified:      user.Verified,
			},
			Counts: models.EngagementCounts{
				Replies: tweet.PublicMetrics.ReplyCount,
				Reposts: tweet.PublicMetrics.RetweetCount,
				Likes:   tweet.PublicMetrics.LikeCount,
				Quotes:  tweet.PublicMetrics.QuoteCount,
			},
			Language: tweet.Lang,
			IsRepost: t.isRetweet(tweet),
		})
	}

	return result, nil
}

func (t *TwitterSource) parseRateLimit(resp *resty.Response) *RateLimitInfo {
	remaining := resp.Header().Get("x-rate-limit-remaining")
	if remaining == "" {
		return nil
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return nil
	}
	info := &RateLimitInfo{Remaining: n}
	if reset, err := strconv.ParseInt(resp.Header().Get("x-rate-limit-reset"), 10, 64); err == nil {
		info.ResetAt = time.Unix(reset, 0)
	}
	return info
}

func (t *TwitterSource) isRetweet(tweet twitterTweet) bool {
	for _, ref := range tweet.ReferencedTweets {
		if ref.Type == "retweeted" {
			return true
		}
	}
	return false
}
