package xapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Riyaanquadri/imrantweetbot/publisher"
)

var _ publisher.Publisher = (*Client)(nil)

type createTweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createTweetRequest struct {
	Text  string            `json:"text"`
	Reply *createTweetReply `json:"reply,omitempty"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (c *Client) createTweet(ctx context.Context, body createTweetRequest) publisher.Result {
	var out createTweetResponse
	err := c.Do(ctx, http.MethodPost, "/2/tweets", nil, body, &out)
	if err != nil {
		var xe *Error
		if errors.As(err, &xe) && xe.IsThrottled() {
			wait := xe.RetryAfter(c.Now())
			c.Logger.Warn("post rate limited by platform", "retry_after", wait)
			return publisher.Throttled(wait, fmt.Errorf("%w: %w", publisher.ErrRateLimited, err))
		}
		return publisher.Failure(fmt.Errorf("%w: %w", publisher.ErrPublish, err))
	}
	if out.Data.ID == "" {
		return publisher.Failure(fmt.Errorf("%w: response did not include a post id", publisher.ErrPublish))
	}
	return publisher.Success(out.Data.ID)
}

func (c *Client) Publish(ctx context.Context, text string) publisher.Result {
	return c.createTweet(ctx, createTweetRequest{Text: text})
}

func (c *Client) Reply(ctx context.Context, text, inReplyToID string) publisher.Result {
	return c.createTweet(ctx, createTweetRequest{
		Text:  text,
		Reply: &createTweetReply{InReplyToTweetID: inReplyToID},
	})
}

type Mention struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	AuthorID       string `json:"author_id"`
	ConversationID string `json:"conversation_id"`
	// resolved from the users expansion; may be empty
	AuthorUsername string `json:"-"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type mentionsResponse struct {
	Data     []Mention `json:"data"`
	Includes struct {
		Users []user `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

type mentionsParams struct {
	MaxResults  int      `url:"max_results"`
	SinceID     string   `url:"since_id,omitempty"`
	TweetFields []string `url:"tweet.fields,comma"`
	Expansions  []string `url:"expansions,comma"`
	UserFields  []string `url:"user.fields,comma"`
}

// Mentions lists mentions of userID newer than sinceID (if set), oldest
// first, along with the newest id seen (for use as the next cursor).
func (c *Client) Mentions(ctx context.Context, userID, sinceID string, limit int) ([]Mention, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	// the API minimum
	if limit < 5 {
		limit = 5
	}
	params := mentionsParams{
		MaxResults:  limit,
		SinceID:     sinceID,
		TweetFields: []string{"author_id", "conversation_id", "created_at"},
		Expansions:  []string{"author_id"},
		UserFields:  []string{"username"},
	}
	var out mentionsResponse
	if err := c.Do(ctx, http.MethodGet, "/2/users/"+userID+"/mentions", params, nil, &out); err != nil {
		return nil, "", fmt.Errorf("listing mentions: %w", err)
	}

	usernames := make(map[string]string, len(out.Includes.Users))
	for _, u := range out.Includes.Users {
		usernames[u.ID] = u.Username
	}
	mentions := make([]Mention, 0, len(out.Data))
	// API returns newest first
	for i := len(out.Data) - 1; i >= 0; i-- {
		m := out.Data[i]
		m.AuthorUsername = usernames[m.AuthorID]
		mentions = append(mentions, m)
	}
	return mentions, out.Meta.NewestID, nil
}

type PublicMetrics struct {
	LikeCount    int64 `json:"like_count"`
	RetweetCount int64 `json:"retweet_count"`
	ReplyCount   int64 `json:"reply_count"`
	QuoteCount   int64 `json:"quote_count"`
}

type metricsResponse struct {
	Data []struct {
		ID            string        `json:"id"`
		PublicMetrics PublicMetrics `json:"public_metrics"`
	} `json:"data"`
}

type lookupParams struct {
	IDs         []string `url:"ids,comma"`
	TweetFields []string `url:"tweet.fields,comma"`
}

// MaxLookupIDs is the most post ids a single metrics lookup accepts.
const MaxLookupIDs = 100

// Metrics fetches public metrics for up to MaxLookupIDs posts. Deleted or unknown posts are absent from the result.
func (c *Client) Metrics(ctx context.Context, ids []string) (map[string]PublicMetrics, error) {
	if len(ids) == 0 {
		return map[string]PublicMetrics{}, nil
	}
	if len(ids) > MaxLookupIDs {
		return nil, fmt.Errorf("too many ids in one lookup: %d > %d", len(ids), MaxLookupIDs)
	}
	var out metricsResponse
	params := lookupParams{
		IDs:         ids,
		TweetFields: []string{"public_metrics"},
	}
	if err := c.Do(ctx, http.MethodGet, "/2/tweets", params, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching metrics: %w", err)
	}
	res := make(map[string]PublicMetrics, len(out.Data))
	for _, d := range out.Data {
		res[d.ID] = d.PublicMetrics
	}
	return res, nil
}
