package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrSourceUnavailable marks a fetch that produced no usable data this tick.
// It never means that zero mentions exist.
var ErrSourceUnavailable = errors.New("mention source unavailable")

// Window is the half-open time range [Start, End) to fetch
type Window struct {
	Start time.Time
	End   time.Time
}

// RateObserver receives the budget a provider reported
type RateObserver interface {
	Observe(provider, endpoint string, remaining int, resetAt time.Time)
}

// PageLimiter reserves provider budget for follow-up pages
type PageLimiter interface {
	TryReserve(provider, endpoint string, cost int) bool
}

// AdapterConfig tunes paging and timeouts of an adapter
type AdapterConfig struct {
	MaxResults  int
	MaxPages    int
	CallTimeout time.Duration
}

// Adapter turns keyword sets into provider queries and normalizes the results
type Adapter struct {
	source   Source
	config   AdapterConfig
	observer RateObserver
	limiter  PageLimiter
}

// NewAdapter wraps a provider. observer may be nil.
func NewAdapter(source Source, cfg AdapterConfig, observer RateObserver) *Adapter {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Adapter{source: source, config: cfg, observer: observer}
}

// WithLimiter makes every page after the first reserve one request from l.
// The caller reserves the first page itself.
func (a *Adapter) WithLimiter(l PageLimiter) *Adapter {
	a.limiter = l
	return a
}

// Provider returns the name used for rate-limit accounting
func (a *Adapter) Provider() string {
	return a.source.GetName()
}

// FetchMentions returns the normalized mentions for keywords inside window.
// Every failure, including a timeout, is reported as ErrSourceUnavailable
// with an empty result.
func (a *Adapter) FetchMentions(ctx context.Context, keywords []string, window Window, filters models.Filters) ([]models.Mention, error) {
	if !a.source.IsEnabled() {
		return nil, fmt.Errorf("%w: %s is not configured", ErrSourceUnavailable, a.source.GetName())
	}

	caps := a.source.Capabilities()
	query := BuildQuery(keywords, filters, caps)
	if query == "" {
		return nil, fmt.Errorf("%w: no keywords to search", ErrSourceUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	opts := SearchOptions{
		MaxResults:     a.config.MaxResults,
		StartTime:      window.Start,
		EndTime:        window.End,
		Languages:      filters.Languages,
		ExcludeReposts: filters.ExcludeReposts,
	}

	var raw []models.Mention
	for page := 0; page < a.config.MaxPages && len(raw) < a.config.MaxResults; page++ {
		if page > 0 && a.limiter != nil && !a.limiter.TryReserve(a.source.GetName(), SearchEndpoint, 1) {
			logrus.Debugf("Stopping %s pagination after %d pages, budget exhausted", a.source.GetName(), page)
			break
		}
		result, err := a.source.Search(ctx, query, opts)
		if result != nil && result.RateLimit != nil && a.observer != nil {
			a.observer.Observe(a.source.GetName(), SearchEndpoint, result.RateLimit.Remaining, result.RateLimit.ResetAt)
		}
		if err != nil {
			logrus.Warnf("Search on %s failed: %v", a.source.GetName(), err)
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, a.source.GetName(), err)
		}

		raw = append(raw, result.Items...)
		if result.NextCursor == "" {
			break
		}
		opts.Cursor = result.NextCursor
	}

	mentions := make([]models.Mention, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, m := range raw {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true

		// post-filter what the provider could not exclude at query level
		if filters.ExcludeReposts && m.IsRepost {
			continue
		}
		if !filters.AllowsLanguage(m.Language) {
			continue
		}
		mentions = append(mentions, Normalize(m, keywords))
	}

	if len(mentions) > a.config.MaxResults {
		mentions = mentions[:a.config.MaxResults]
	}

	logrus.Debugf("Fetched %d mentions from %s (%d raw)", len(mentions), a.source.GetName(), len(raw))
	return mentions, nil
}

// Normalize derives engagement, influence and matched keywords of a raw mention
func Normalize(m models.Mention, keywords []string) models.Mention {
	m.Engagement = m.Counts.Weighted()
	m.Influence = Influence(m.Author.FollowerCount, m.Engagement)

	text := strings.ToLower(m.Text)
	m.Keywords = nil
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" && strings.Contains(text, strings.ToLower(k)) {
			m.Keywords = append(m.Keywords, k)
		}
	}
	return m
}

// Influence combines followers and engagement into a [0,1] weight
func Influence(followers, engagement int) float64 {
	if followers < 0 {
		followers = 0
	}
	if engagement < 0 {
		engagement = 0
	}
	v := math.Log10(float64(followers)+1)/10 + math.Log10(float64(engagement)+1)/10
	return math.Max(0, math.Min(1, v))
}

// BuildQuery ORs the quoted, cashtag and hashtag forms of every keyword and
// appends the repost and language operators the provider supports.
func BuildQuery(keywords []string, filters models.Filters, caps Capabilities) string {
	var variants []string
	seen := make(map[string]bool)
	add := func(v string) {
		if !seen[strings.ToLower(v)] {
			seen[strings.ToLower(v)] = true
			variants = append(variants, v)
		}
	}

	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		add(fmt.Sprintf(`"%s"`, k))

		tag := compact(k)
		if tag == "" {
			continue
		}
		if caps.Cashtags && isSymbol(k) {
			add("$" + tag)
		}
		if caps.Hashtags {
			add("#" + tag)
		}
	}

	if len(variants) == 0 {
		return ""
	}

	query := strings.Join(variants, " OR ")
	if len(variants) > 1 {
		query = "(" + query + ")"
	}

	if caps.RepostFilter && filters.ExcludeReposts {
		query += " -is:retweet"
	}
	if caps.LanguageFilter && len(filters.Languages) > 0 {
		langs := make([]string, 0, len(filters.Languages))
		for _, l := range filters.Languages {
			langs = append(langs, "lang:"+strings.ToLower(l))
		}
		if len(langs) == 1 {
			query += " " + langs[0]
		} else {
			query += " (" + strings.Join(langs, " OR ") + ")"
		}
	}

	return query
}

// isSymbol reports whether a keyword is written like a ticker (BTC, SOL, PEPE2)
func isSymbol(k string) bool {
	if len(k) < 2 || len(k) > 10 {
		return false
	}
	for _, r := range k {
		switch {
		case unicode.IsDigit(r):
		case unicode.IsLetter(r) && unicode.IsUpper(r):
		default:
			return false
		}
	}
	return true
}

func compact(k string) string {
	var b strings.Builder
	for _, r := range k {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
