package xapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/publisher"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-token", nil)
	c.Limiter = nil
	return c
}

func TestPublish(t *testing.T) {
	assert := assert.New(t)

	var got createTweetRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(http.MethodPost, r.Method)
		assert.Equal("/2/tweets", r.URL.Path)
		assert.Equal("Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1790000000000000001","text":"hello"}}`))
	})

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.OK, res.Outcome)
	assert.Equal("1790000000000000001", res.ID)
	assert.Equal("hello", got.Text)
	assert.Nil(got.Reply)
}

func TestReplySetsParent(t *testing.T) {
	assert := assert.New(t)

	var got createTweetRequest
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"2"}}`))
	})

	res := c.Reply(context.Background(), "@alice thanks!", "1")
	assert.Equal(publisher.OK, res.Outcome)
	require.NotNil(t, got.Reply)
	assert.Equal("1", got.Reply.InReplyToTweetID)
}

func TestPublishRateLimited(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("x-rate-limit-limit", "17")
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(now.Add(15*time.Minute).Unix(), 10))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests","detail":"Too Many Requests","type":"about:blank"}`))
	})
	c.Now = func() time.Time { return now }

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.RateLimited, res.Outcome)
	assert.Equal(15*time.Minute, res.RetryAfter)
	assert.ErrorIs(res.Err, publisher.ErrRateLimited)
	assert.True(IsThrottled(res.Err))
	assert.Equal(int32(1), calls.Load())
}

func TestPublishFailureNotRetried(t *testing.T) {
	assert := assert.New(t)

	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.Failed, res.Outcome)
	assert.ErrorIs(res.Err, publisher.ErrPublish)
	assert.Contains(res.Error(), "503")
	// the server saw the create, so a 5xx is final
	assert.Equal(int32(1), calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// failFirstWrite makes the write client's first round trip fail with err.
func failFirstWrite(t *testing.T, c *Client, err error) *atomic.Int32 {
	t.Helper()
	rt, ok := c.WriteClient.Transport.(*retryablehttp.RoundTripper)
	require.True(t, ok)
	rt.Client.RetryWaitMin = time.Millisecond
	rt.Client.RetryWaitMax = 5 * time.Millisecond
	inner := rt.Client.HTTPClient.Transport
	var attempts atomic.Int32
	rt.Client.HTTPClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, err
		}
		return inner.RoundTrip(req)
	})
	return &attempts
}

func TestPublishRetriesUnsentRequest(t *testing.T) {
	assert := assert.New(t)

	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1790000000000000002","text":"hello"}}`))
	})
	attempts := failFirstWrite(t, c, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.OK, res.Outcome)
	assert.Equal("1790000000000000002", res.ID)
	assert.Equal(int32(2), attempts.Load())
	assert.Equal(int32(1), calls.Load())
}

func TestPublishConnectionResetNotRetried(t *testing.T) {
	assert := assert.New(t)

	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	attempts := failFirstWrite(t, c, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET})

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.Failed, res.Outcome)
	assert.Equal(int32(1), attempts.Load())
	assert.Equal(int32(0), calls.Load())
}

func TestPublishForbidden(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"title":"Forbidden","detail":"You are not allowed to create a Tweet with duplicate content.","type":"about:blank"}`))
	})

	res := c.Publish(context.Background(), "hello")
	assert.Equal(publisher.Failed, res.Outcome)
	assert.Contains(res.Error(), "duplicate content")
	assert.False(IsThrottled(res.Err))
}

func TestMentions(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/2/users/42/mentions", r.URL.Path)
		assert.Equal("100", r.URL.Query().Get("since_id"))
		assert.Equal("author_id,conversation_id,created_at", r.URL.Query().Get("tweet.fields"))
		w.Write([]byte(`{
			"data": [
				{"id": "102", "text": "@bot newer", "author_id": "7"},
				{"id": "101", "text": "@bot older", "author_id": "8"}
			],
			"includes": {"users": [{"id": "7", "username": "alice"}, {"id": "8", "username": "bob"}]},
			"meta": {"newest_id": "102", "result_count": 2}
		}`))
	})

	mentions, newest, err := c.Mentions(context.Background(), "42", "100", 20)
	require.NoError(t, err)
	assert.Equal("102", newest)
	require.Len(t, mentions, 2)
	assert.Equal("101", mentions[0].ID)
	assert.Equal("bob", mentions[0].AuthorUsername)
	assert.Equal("alice", mentions[1].AuthorUsername)
}

func TestMetrics(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("1,2", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"data": [{"id": "1", "public_metrics": {"like_count": 5, "retweet_count": 1, "reply_count": 2, "quote_count": 0}}]}`))
	})

	m, err := c.Metrics(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	assert.Len(m, 1)
	assert.Equal(int64(5), m["1"].LikeCount)
	assert.Equal(int64(2), m["1"].ReplyCount)

	_, err = c.Metrics(context.Background(), make([]string, MaxLookupIDs+1))
	assert.Error(err)
}
