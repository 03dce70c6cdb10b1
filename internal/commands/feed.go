package commands

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// FeedResult is the command feed's answer for a command id that has no state row.
type FeedResult int

const (
	FeedOK FeedResult = iota
	FeedCommandNotFound
	FeedNotApplicable
	FeedNotYetDelivered
	FeedUnableToResolveLocation
	FeedNotFoundInQueue
	FeedAlreadyCompleted
	FeedFailed
)

var feedResultNames = map[FeedResult]string{
	FeedOK:                      "ok",
	FeedCommandNotFound:         "command_not_found",
	FeedNotApplicable:           "not_applicable",
	FeedNotYetDelivered:         "not_yet_delivered",
	FeedUnableToResolveLocation: "unable_to_resolve_location",
	FeedNotFoundInQueue:         "not_found_in_queue",
	FeedAlreadyCompleted:        "already_completed",
	FeedFailed:                  "failed",
}

func (r FeedResult) String() string {
	if s, ok := feedResultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("feed_result(%d)", int(r))
}

// ParseFeedResult accepts the names produced by FeedResult.String.
func ParseFeedResult(s string) (FeedResult, error) {
	for r, name := range feedResultNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return FeedFailed, fmt.Errorf("unknown feed result %q", s)
}

// Feed answers for commands the state table does not know yet.
type Feed interface {
	QueryCommand(ctx context.Context, agentID, commandID string) (FeedResult, error)
}

// StaticFeed answers from a fixed table, falling back to Default.
type StaticFeed struct {
	Results map[string]FeedResult
	Default FeedResult
}

func (f StaticFeed) QueryCommand(ctx context.Context, agentID, commandID string) (FeedResult, error) {
	if r, ok := f.Results[commandID]; ok {
		return r, nil
	}
	return f.Default, nil
}

// RateLimitedFeed throttles lookups against an upstream feed.
type RateLimitedFeed struct {
	next    Feed
	limiter *rate.Limiter
}

func NewRateLimitedFeed(next Feed, perSecond float64, burst int) *RateLimitedFeed {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedFeed{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (f *RateLimitedFeed) QueryCommand(ctx context.Context, agentID, commandID string) (FeedResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return FeedFailed, fmt.Errorf("command feed rate limit: %w", err)
	}
	return f.next.QueryCommand(ctx, agentID, commandID)
}
