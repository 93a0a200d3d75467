package opensea

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

var (
	testStart = time.Unix(1_650_000_000, 0).UTC()
	testEnd   = testStart.Add(72 * time.Hour)
)

func fastRetry() RetryPolicy {
	return RetryPolicy{
		RateLimitCooldown: time.Millisecond,
		ErrorPause:        time.Millisecond,
		MaxErrorPause:     2 * time.Millisecond,
		MaxAttempts:       5,
	}
}

func newTestClient(url string, pageSize int, retry RetryPolicy, opts ...Option) *Client {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewClient(Config{BaseURL: url, PageSize: pageSize, Retry: retry}, opts...)
}

// recorder captures requests and answers with scripted responses per call.
type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
	respond  func(call int, r *http.Request) (int, string)
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	call := len(rec.requests)
	rec.requests = append(rec.requests, r)
	rec.mu.Unlock()

	status, body := rec.respond(call, r)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (rec *recorder) calls() []*http.Request {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*http.Request(nil), rec.requests...)
}

func pageBody(ids ...int) string {
	body := `{"asset_events": [`
	for i, id := range ids {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id": %d, "asset": {"token_id": "%d", "name": "Token %d"}, "is_private": false,
			"payment_token": {"symbol": "ETH", "decimals": 18, "eth_price": "1.000000000000000"},
			"total_price": "1000000000000000000", "created_date": "2022-04-15T05:20:00.123456",
			"transaction": {"from_account": {"address": "0xa"}, "to_account": {"address": "0xb"}}}`, id, id, id)
	}
	return body + `]}`
}

func collect(t *testing.T, c *Client, ctx context.Context, project models.Project) ([]models.AssetEvent, error) {
	t.Helper()
	var events []models.AssetEvent
	for event, err := range c.Events(ctx, project, testStart, testEnd) {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

func TestEventsPaginatesUntilEmptyPage(t *testing.T) {
	rec := &recorder{respond: func(call int, r *http.Request) (int, string) {
		switch r.URL.Query().Get("offset") {
		case "0":
			return http.StatusOK, pageBody(1, 2)
		case "2":
			return http.StatusOK, pageBody(3)
		default:
			return http.StatusOK, pageBody()
		}
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	keys := NewKeyRing("key-a", "key-b")
	client := newTestClient(server.URL, 2, fastRetry(), WithKeySource(keys))
	project := models.Project{ID: "mfers", Address: "0x79fc", Collection: "mfers"}

	events, err := collect(t, client, context.Background(), project)
	require.NoError(t, err)

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	require.NotNil(t, events[0].PaymentToken.EthPrice)
	assert.Equal(t, "1.000000000000000", *events[0].PaymentToken.EthPrice)

	calls := rec.calls()
	require.Len(t, calls, 3)
	q := calls[0].URL.Query()
	assert.Equal(t, "0x79fc", q.Get("asset_contract_address"))
	assert.Empty(t, q.Get("collection_slug"))
	assert.Equal(t, "successful", q.Get("event_type"))
	assert.Equal(t, "true", q.Get("only_opensea"))
	assert.Equal(t, "2", q.Get("limit"))
	assert.Equal(t, strconv.FormatInt(testStart.Unix(), 10), q.Get("occurred_after"))
	assert.Equal(t, strconv.FormatInt(testEnd.Unix(), 10), q.Get("occurred_before"))
	assert.Equal(t, "4", calls[2].URL.Query().Get("offset"))

	assert.Equal(t, "key-a", calls[0].Header.Get(apiKeyHeader))
	assert.Equal(t, "key-b", calls[1].Header.Get(apiKeyHeader))
	assert.Equal(t, "key-a", calls[2].Header.Get(apiKeyHeader))
}

func TestEventsUsesCollectionSlugForArtBlocks(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) { return http.StatusOK, pageBody() }}
	server := httptest.NewServer(rec)
	defer server.Close()

	client := newTestClient(server.URL, 300, fastRetry())
	project := models.Project{ID: "ab", IsArtBlocks: true, Address: "0xa7d8", Collection: "art-blocks"}

	events, err := collect(t, client, context.Background(), project)
	require.NoError(t, err)
	assert.Empty(t, events)

	q := rec.calls()[0].URL.Query()
	assert.Equal(t, "art-blocks", q.Get("collection_slug"))
	assert.Empty(t, q.Get("asset_contract_address"))
	assert.Equal(t, "300", q.Get("limit"))
}

func TestEventsRetriesSamePage(t *testing.T) {
	tests := []struct {
		name    string
		failure int
		body    string
	}{
		{name: "Rate limited", failure: http.StatusTooManyRequests},
		{name: "Unauthorized", failure: http.StatusUnauthorized},
		{name: "Server error", failure: http.StatusBadGateway},
		{name: "Malformed body", failure: http.StatusOK, body: `{"asset_events": [`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{respond: func(call int, r *http.Request) (int, string) {
				switch call {
				case 0, 1:
					return tc.failure, tc.body
				case 2:
					return http.StatusOK, pageBody(7)
				default:
					return http.StatusOK, pageBody()
				}
			}}
			server := httptest.NewServer(rec)
			defer server.Close()

			client := newTestClient(server.URL, 1, fastRetry())
			events, err := collect(t, client, context.Background(), models.Project{ID: "p", Address: "0x1"})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, int64(7), events[0].ID)

			calls := rec.calls()
			require.Len(t, calls, 4)
			for _, call := range calls[:3] {
				assert.Equal(t, "0", call.URL.Query().Get("offset"))
			}
			assert.Equal(t, "1", calls[3].URL.Query().Get("offset"))
		})
	}
}

func TestEventsOffsetExhaustedIsFatal(t *testing.T) {
	rec := &recorder{respond: func(call int, r *http.Request) (int, string) {
		if call == 0 {
			return http.StatusOK, pageBody(1)
		}
		return http.StatusBadRequest, `{"detail": "offset too large"}`
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	client := newTestClient(server.URL, 1, fastRetry())
	events, err := collect(t, client, context.Background(), models.Project{ID: "busy", Address: "0x1"})

	require.ErrorIs(t, err, ErrOffsetExhausted)
	var exhausted *OffsetExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "busy", exhausted.ProjectID)
	assert.Equal(t, 1, exhausted.Offset)
	assert.Len(t, events, 1)
	assert.Len(t, rec.calls(), 2, "400 must not be retried")
}

func TestEventsGivesUpAfterMaxAttempts(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) {
		return http.StatusServiceUnavailable, ""
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	retry := fastRetry()
	retry.MaxAttempts = 3
	client := newTestClient(server.URL, 1, retry)

	_, err := collect(t, client, context.Background(), models.Project{ID: "p", Address: "0x1"})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.NotErrorIs(t, err, ErrOffsetExhausted)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.StatusCode)
	assert.Len(t, rec.calls(), 3)
}

func TestEventsRateLimitDoesNotCountTowardMaxAttempts(t *testing.T) {
	rec := &recorder{respond: func(call int, r *http.Request) (int, string) {
		switch {
		case call < 6:
			return http.StatusTooManyRequests, ""
		case call == 6:
			return http.StatusBadGateway, ""
		case call == 7:
			return http.StatusOK, pageBody(9)
		default:
			return http.StatusOK, pageBody()
		}
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	retry := fastRetry()
	retry.MaxAttempts = 2
	client := newTestClient(server.URL, 1, retry)

	events, err := collect(t, client, context.Background(), models.Project{ID: "p", Address: "0x1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(9), events[0].ID)
	assert.Len(t, rec.calls(), 9)
}

func TestEventsStopsOnContextCancel(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) {
		return http.StatusTooManyRequests, ""
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	retry := fastRetry()
	retry.RateLimitCooldown = time.Hour
	retry.MaxAttempts = 0
	client := newTestClient(server.URL, 1, retry)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := collect(t, client, ctx, models.Project{ID: "p", Address: "0x1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEventsConsumerBreakStopsPaging(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) {
		return http.StatusOK, pageBody(1, 2)
	}}
	server := httptest.NewServer(rec)
	defer server.Close()

	client := newTestClient(server.URL, 2, fastRetry())
	for event, err := range client.Events(context.Background(), models.Project{ID: "p"}, testStart, testEnd) {
		require.NoError(t, err)
		assert.Equal(t, int64(1), event.ID)
		break
	}
	assert.Len(t, rec.calls(), 1)
}

func TestKeyRing(t *testing.T) {
	ring := NewKeyRing(" a ", "", "b")
	assert.Equal(t, 2, ring.Len())
	assert.Equal(t, []string{"a", "b", "a"}, []string{ring.Next(), ring.Next(), ring.Next()})

	assert.Empty(t, NewKeyRing().Next())
	assert.Equal(t, "k", StaticKey("k").Next())
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://opensea.io/assets/0xabc/42", AssetURL("0xabc", "42"))
	assert.Equal(t, "https://opensea.io", CollectionURL(""))
	assert.Contains(t, CollectionURL("mfers"), "https://opensea.io/collection/mfers?")
}
