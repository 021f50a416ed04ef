package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/dispatch"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/metrics"
	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Client is the rate-limited face of the API: every call is admitted into
// the dispatch queue and starts only when a window slot frees up. The
// client holds no retry policy; callers that want the single
// retry-after-throttle do it themselves around Call.
type Client struct {
	tr  Transport
	q   *dispatch.Queue
	log logx.Logger
	met *metrics.Collector
}

func NewClient(tr Transport, q *dispatch.Queue, log logx.Logger, met *metrics.Collector) *Client {
	return &Client{tr: tr, q: q, log: log, met: met}
}

// Call admits one provider call and suspends the caller until it completes.
// ctx governs both the admission wait and the network call.
func (c *Client) Call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var raw json.RawMessage
	h := c.q.Admit("vk."+method, func(taskCtx context.Context) error {
		if err := taskCtx.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		r, err := c.tr.Post(ctx, method, params)
		if c.met != nil {
			c.met.ObserveCall(method, callResult(err), time.Since(start))
		}
		if err != nil {
			return err
		}
		raw = r
		return nil
	})

	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	return raw, nil
}

func callResult(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	if e, ok := AsError(err); ok {
		switch e.Kind {
		case KindThrottled:
			return metrics.ResultThrottled
		case KindProvider:
			return metrics.ResultProviderError
		}
	}
	return metrics.ResultTransportError
}

// MembersPage fetches one page of community members with name fields.
func (c *Client) MembersPage(ctx context.Context, groupID int64, offset, count int) (MembersPage, error) {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(groupID, 10))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("count", strconv.Itoa(count))
	params.Set("fields", "first_name,last_name")

	raw, err := c.Call(ctx, "groups.getMembers", params)
	if err != nil {
		return MembersPage{}, err
	}
	var page MembersPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return MembersPage{}, NewTransportError("groups.getMembers", fmt.Errorf("decode page: %w", err))
	}
	return page, nil
}

// SendMessage delivers text to a peer and returns the provider message id.
// extra carries optional provider params (keyboard, disable_mentions, ...).
func (c *Client) SendMessage(ctx context.Context, peerID int64, text string, extra url.Values) (int64, error) {
	params := url.Values{}
	for k, vs := range extra {
		params[k] = append([]string(nil), vs...)
	}
	params.Set("peer_id", strconv.FormatInt(peerID, 10))
	params.Set("random_id", strconv.FormatInt(int64(rand.Int32()), 10))
	params.Set("message", text)

	raw, err := c.Call(ctx, "messages.send", params)
	if err != nil {
		return 0, err
	}
	var mid int64
	if err := json.Unmarshal(raw, &mid); err != nil {
		// Community tokens may get {peer_id, message_id} objects back.
		var obj struct {
			MessageID int64 `json:"message_id"`
		}
		if err2 := json.Unmarshal(raw, &obj); err2 != nil || obj.MessageID == 0 {
			return 0, NewTransportError("messages.send", fmt.Errorf("decode message id: %w", err))
		}
		mid = obj.MessageID
	}
	return mid, nil
}

// IsMessagesAllowed reports whether the user accepts messages from the
// community. Used as the pre-send permission check.
func (c *Client) IsMessagesAllowed(ctx context.Context, groupID, userID int64) (bool, error) {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(groupID, 10))
	params.Set("user_id", strconv.FormatInt(userID, 10))

	raw, err := c.Call(ctx, "groups.isMessagesFromGroupAllowed", params)
	if err != nil {
		return false, err
	}
	var out struct {
		IsAllowed int `json:"is_allowed"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, NewTransportError("groups.isMessagesFromGroupAllowed", fmt.Errorf("decode: %w", err))
	}
	return out.IsAllowed == 1, nil
}

// UsersGet resolves user profiles for the given ids (names only).
func (c *Client) UsersGet(ctx context.Context, ids []int64) ([]Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	params := url.Values{}
	params.Set("user_ids", strings.Join(parts, ","))

	raw, err := c.Call(ctx, "users.get", params)
	if err != nil {
		return nil, err
	}
	var users []Member
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, NewTransportError("users.get", fmt.Errorf("decode: %w", err))
	}
	return users, nil
}

// LongPollServer fetches the community's long-poll endpoint coordinates.
func (c *Client) LongPollServer(ctx context.Context, groupID int64) (LongPollServer, error) {
	params := url.Values{}
	params.Set("group_id", strconv.FormatInt(groupID, 10))

	raw, err := c.Call(ctx, "groups.getLongPollServer", params)
	if err != nil {
		return LongPollServer{}, err
	}
	var srv LongPollServer
	if err := json.Unmarshal(raw, &srv); err != nil {
		return LongPollServer{}, NewTransportError("groups.getLongPollServer", fmt.Errorf("decode: %w", err))
	}
	if srv.Server == "" || srv.Key == "" {
		return LongPollServer{}, NewTransportError("groups.getLongPollServer", fmt.Errorf("incomplete server descriptor"))
	}
	return srv, nil
}
