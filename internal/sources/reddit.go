package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultRedditAuthURL = "https://www.reddit.com"
	defaultRedditAPIURL  = "https://oauth.reddit.com"
)

// RedditSource implements Reddit search as a mention provider
type RedditSource struct {
	clientID     string
	clientSecret string
	authURL      string
	apiURL       string
	client       *resty.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type redditAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type redditSearchResponse struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	Author        string  `json:"author"`
	AuthorID      string  `json:"author_fullname"`
	Subreddit     string  `json:"subreddit"`
	Permalink     string  `json:"permalink"`
	Created       float64 `json:"created_utc"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	NumCrossposts int     `json:"num_crossposts"`
	CrosspostFrom []struct {
		ID string `json:"id"`
	} `json:"crosspost_parent_list"`
}

// NewRedditSource creates a new Reddit source. Empty URLs use the public endpoints.
func NewRedditSource(clientID, clientSecret, authURL, apiURL string) *RedditSource {
	if authURL == "" {
		authURL = defaultRedditAuthURL
	}
	if apiURL == "" {
		apiURL = defaultRedditAPIURL
	}
	return &RedditSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		authURL:      strings.TrimRight(authURL, "/"),
		apiURL:       strings.TrimRight(apiURL, "/"),
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "Crypto-Mentions-Bot/1.0"),
	}
}

func (r *RedditSource) GetName() string {
	return "reddit"
}

func (r *RedditSource) IsEnabled() bool {
	return r.clientID != "" && r.clientSecret != ""
}

func (r *RedditSource) Capabilities() Capabilities {
	return Capabilities{}
}

func (r *RedditSource) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	token, err := r.authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("reddit authentication failed: %w", err)
	}

	limit := opts.MaxResults
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	req := r.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetQueryParam("q", query).
		SetQueryParam("sort", "new").
		SetQueryParam("limit", strconv.Itoa(limit))
	if opts.Cursor != "" {
		req.SetQueryParam("after", opts.Cursor)
	}

	resp, err := req.Get(r.apiURL + "/search.json")
	if err != nil {
		return nil, err
	}

	rateLimit := r.parseRateLimit(resp)

	if resp.StatusCode() == 429 {
		return &SearchResult{RateLimit: rateLimit}, ErrRateLimited
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("reddit API returned status %d", resp.StatusCode())
	}

	var searchResp redditSearchResponse
	if err := json.Unmarshal(resp.Body(), &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse Reddit response: %w", err)
	}

	result := &SearchResult{NextCursor: searchResp.Data.After, RateLimit: rateLimit}

	for _, child := range searchResp.Data.Children {
		post := child.Data
		createdAt := time.Unix(int64(post.Created), 0).UTC()

		// Reddit search has no time range parameter
		if !opts.StartTime.IsZero() && createdAt.Before(opts.StartTime) {
			continue
		}
		if !opts.EndTime.IsZero() && !createdAt.Before(opts.EndTime) {
			continue
		}

		text := strings.TrimSpace(post.Title + "\n" + post.Selftext)
		result.Items = append(result.Items, models.Mention{
			ID:        fmt.Sprintf("reddit_%s", post.ID),
			Source:    "reddit",
			Text:      text,
			URL:       fmt.Sprintf("https://reddit.com%s", post.Permalink),
			CreatedAt: createdAt,
			Author: models.Author{
				ID:     post.AuthorID,
				Handle: post.Author,
			},
			Counts: models.EngagementCounts{
				Replies: post.NumComments,
				Reposts: post.NumCrossposts,
				Likes:   post.Score,
			},
			IsRepost: len(post.CrosspostFrom) > 0,
		})
	}

	return result, nil
}

func (r *RedditSource) authenticate(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accessToken != "" && time.Now().Before(r.expiresAt) {
		return r.accessToken, nil
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetBasicAuth(r.clientID, r.clientSecret).
		SetFormData(map[string]string{
			"grant_type": "client_credentials",
		}).
		Post(r.authURL + "/api/v1/access_token")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode())
	}

	var authResp redditAuthResponse
	if err := json.Unmarshal(resp.Body(), &authResp); err != nil {
		return "", err
	}

	r.accessToken = authResp.AccessToken
	// refresh a minute early
	r.expiresAt = time.Now().Add(time.Duration(authResp.ExpiresIn)*time.Second - time.Minute)
	logrus.Debug("Reddit access token refreshed")
	return r.accessToken, nil
}

func (r *RedditSource) parseRateLimit(resp *resty.Response) *RateLimitInfo {
	remaining, err := strconv.ParseFloat(resp.Header().Get("x-ratelimit-remaining"), 64)
	if err != nil {
		return nil
	}
	info := &RateLimitInfo{Remaining: int(remaining)}
	if reset, err := strconv.Atoi(resp.Header().Get("x-ratelimit-reset")); err == nil {
		info.ResetAt = time.Now().Add(time.Duration(reset) * time.Second)
	}
	return info
}
