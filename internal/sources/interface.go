package sources

import (
	"context"
	"errors"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
)

// SearchEndpoint is the rate-limit endpoint name shared by every provider
const SearchEndpoint = "search"

// ErrRateLimited is returned by a provider that answered 429
var ErrRateLimited = errors.New("provider rate limit exceeded")

// SearchOptions narrows one provider search call
type SearchOptions struct {
	MaxResults     int
	StartTime      time.Time
	EndTime        time.Time
	Languages      []string
	ExcludeReposts bool
	Cursor         string
}

// RateLimitInfo is what a provider reported about its remaining budget
type RateLimitInfo struct {
	Remaining int
	ResetAt   time.Time
}

// SearchResult is one page of provider results
type SearchResult struct {
	Items      []models.Mention
	NextCursor string
	RateLimit  *RateLimitInfo
}

// Capabilities describe which query operators a provider understands
type Capabilities struct {
	RepostFilter   bool
	LanguageFilter bool
	Cashtags       bool
	Hashtags       bool
}

// Source interface defines the contract for all mention providers
type Source interface {
	GetName() string
	IsEnabled() bool
	Capabilities() Capabilities
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error)
}
