package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

var testContract = mustAddress("0xDF2F72B1C3077EfB4F829a9dd5937A92263f6AFA")

func mustAddress(s string) occurrence.Address {
	a, err := occurrence.ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func wordHex(vals ...uint64) string {
	var b []byte
	for _, v := range vals {
		w := occurrence.WordFromUint64(v)
		b = append(b, w[:]...)
	}
	return encodeData(b)
}

type fakeNode struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	logs     map[occurrence.Hash][]rpcLog
	receipts map[string]any
	conns    []*websocket.Conn
	subTopic map[string]occurrence.Hash
	writeMu  sync.Mutex
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{
		t:        t,
		calls:    map[string]int{},
		logs:     map[occurrence.Hash][]rpcLog{},
		receipts: map[string]any{},
		subTopic: map[string]occurrence.Hash{},
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		n.serve(conn)
	}))
	return n, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) write(conn *websocket.Conn, v any) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (n *fakeNode) serve(conn *websocket.Conn) {
	for {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		n.mu.Lock()
		n.calls[req.Method]++
		n.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_blockNumber":
			resp["result"] = "0x4b0"
		case "eth_getBlockByNumber":
			var num string
			_ = json.Unmarshal(req.Params[0], &num)
			marker, _ := decodeQuantity(num)
			resp["result"] = map[string]any{"timestamp": encodeQuantity(marker * 2)}
		case "eth_getLogs":
			var filter struct {
				Topics []string `json:"topics"`
			}
			_ = json.Unmarshal(req.Params[0], &filter)
			topic, _ := occurrence.ParseHash(filter.Topics[0])
			n.mu.Lock()
			resp["result"] = n.logs[topic]
			n.mu.Unlock()
		case "eth_subscribe":
			var filter struct {
				Topics []string `json:"topics"`
			}
			_ = json.Unmarshal(req.Params[1], &filter)
			topic, _ := occurrence.ParseHash(filter.Topics[0])
			id := "0xsub" + topic.Hex()[2:6]
			n.mu.Lock()
			n.subTopic[id] = topic
			n.mu.Unlock()
			resp["result"] = id
		case "eth_unsubscribe":
			resp["result"] = true
		case "eth_sendTransaction":
			resp["result"] = "0x" + strings.Repeat("ab", 32)
		case "eth_call":
			resp["result"] = "0x"
		case "eth_getTransactionReceipt":
			var h string
			_ = json.Unmarshal(req.Params[0], &h)
			n.mu.Lock()
			r, ok := n.receipts[h]
			n.mu.Unlock()
			if ok {
				resp["result"] = r
			} else {
				resp["result"] = nil
			}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		n.write(conn, resp)
	}
}

func (n *fakeNode) dropAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		_ = c.Close()
	}
}

func (n *fakeNode) notify(subID string, l rpcLog) {
	n.mu.Lock()
	conns := append([]*websocket.Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		n.write(c, map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params":  map[string]any{"subscription": subID, "result": l},
		})
	}
}

func requestedLog(block uint64, tx byte, from occurrence.Address, id uint64) rpcLog {
	var fromTopic occurrence.Hash
	copy(fromTopic[12:], from[:])
	var txh occurrence.Hash
	txh[31] = tx
	return rpcLog{
		Address:     testContract.Hex(),
		Topics:      []string{RequestedTopic.Hex(), fromTopic.Hex()},
		Data:        wordHex(id),
		BlockNumber: encodeQuantity(block),
		TxHash:      txh.Hex(),
		LogIndex:    "0x0",
	}
}

func fulfilledLog(block uint64, id, result, ts uint64) rpcLog {
	return rpcLog{
		Address:     testContract.Hex(),
		Topics:      []string{FulfilledTopic.Hex()},
		Data:        wordHex(id, result, block, ts),
		BlockNumber: encodeQuantity(block),
		TxHash:      "0x" + strings.Repeat("11", 32),
		LogIndex:    "0x1",
	}
}

func TestTopics(t *testing.T) {
	// Well-known selector for requestRandomNumber() must be four bytes of keccak.
	require.Len(t, RequestCalldata(), 4)
	require.NotEqual(t, RequestedTopic, FulfilledTopic)
	h := keccak("")
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", occurrence.Hash(h).Hex())
}

func TestDecodeLog(t *testing.T) {
	from := mustAddress("0x00000000000000000000000000000000000000aa")
	l, err := requestedLog(100, 1, from, 42).decode()
	require.NoError(t, err)
	occ, err := DecodeLog(l)
	require.NoError(t, err)
	req, ok := occ.(occurrence.Requested)
	require.True(t, ok)
	require.Equal(t, occurrence.WordFromUint64(42), req.RequestID)
	require.Equal(t, from, req.Initiator)
	require.Equal(t, uint64(100), req.At.Marker)

	l, err = fulfilledLog(105, 42, 777, 1300).decode()
	require.NoError(t, err)
	occ, err = DecodeLog(l)
	require.NoError(t, err)
	ful := occ.(occurrence.Fulfilled)
	require.Equal(t, occurrence.WordFromUint64(777), ful.Result)
	require.Equal(t, uint64(105), ful.SequenceMarker)
	require.Equal(t, time.Unix(1300, 0), ful.ObservedAt)

	_, err = DecodeLog(Log{Topics: []occurrence.Hash{{1}}})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestContract_Historical(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()
	from := mustAddress("0x00000000000000000000000000000000000000aa")
	node.logs[RequestedTopic] = []rpcLog{requestedLog(100, 2, from, 7), requestedLog(90, 1, from, 6)}
	node.logs[FulfilledTopic] = []rpcLog{fulfilledLog(105, 7, 1, 210)}

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	c := NewContract(client, testContract)
	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1200), latest)

	reqs, err := c.FetchHistorical(ctx, occurrence.KindRequested, 200, 1200)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Equal(t, uint64(90), reqs[0].Where().Marker)

	_, err = c.FetchHistorical(ctx, occurrence.KindRequested, 0, 1200)
	require.ErrorIs(t, err, occurrence.ErrRangeTooLarge)

	ts, err := c.BlockTime(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, time.Unix(200, 0), ts)
}

func TestContract_Live(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	c := NewContract(client, testContract)
	sub, err := c.SubscribeLive(ctx, occurrence.KindFulfilled)
	require.NoError(t, err)

	subID := "0xsub" + FulfilledTopic.Hex()[2:6]
	removed := fulfilledLog(9, 1, 1, 1)
	removed.Removed = true
	node.notify(subID, removed)
	node.notify(subID, fulfilledLog(10, 3, 4, 5))

	select {
	case occ := <-sub.Occurrences():
		ful := occ.(occurrence.Fulfilled)
		require.Equal(t, occurrence.WordFromUint64(3), ful.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no live occurrence")
	}

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return node.count("eth_unsubscribe") == 1 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.Occurrences()
	require.False(t, ok)
}

func TestContract_LiveConnectionLost(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	c := NewContract(client, testContract)
	sub, err := c.SubscribeLive(ctx, occurrence.KindRequested)
	require.NoError(t, err)

	node.dropAll()

	select {
	case err := <-sub.Err():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription error")
	}
	<-client.Done()
}

func TestContract_SubmitAndAwait(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	account := mustAddress("0x00000000000000000000000000000000000000bb")
	c := NewContract(client, testContract, WithAccount(account), WithReceiptPollInterval(5*time.Millisecond))
	require.NoError(t, c.Preflight(ctx))

	sub, err := c.Submit(ctx)
	require.NoError(t, err)
	require.Equal(t, account, sub.Initiator)
	require.False(t, sub.Key.IsZero())

	go func() {
		time.Sleep(20 * time.Millisecond)
		node.mu.Lock()
		node.receipts[sub.Key.Hex()] = map[string]any{"transactionHash": sub.Key.Hex(), "blockNumber": "0x10", "status": "0x0"}
		node.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = c.Await(waitCtx, sub.Key)
	require.True(t, errors.Is(err, ErrTransactionReverted))
	require.GreaterOrEqual(t, node.count("eth_getTransactionReceipt"), 2)
}

func TestClient_RPCError(t *testing.T) {
	_, srv := newFakeNode(t)
	defer srv.Close()
	client, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	err = client.Call(context.Background(), nil, "eth_chainId")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, -32601, rpcErr.Code)
}

func TestContract_RedialsLostConnection(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	dials := 0
	c := NewContract(nil, testContract, WithRedial(func(ctx context.Context) (*Client, error) {
		dials++
		return Dial(ctx, wsURL(srv))
	}))
	defer func() { _ = c.Close() }()

	_, err := c.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dials)

	first, err := c.conn(ctx)
	require.NoError(t, err)
	node.dropAll()
	<-first.Done()

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1200), latest)
	require.Equal(t, 2, dials)
}

func TestContract_NoConnection(t *testing.T) {
	c := NewContract(nil, testContract)
	_, err := c.Latest(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_SlowSubscriberDoesNotStallCalls(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	c := NewContract(client, testContract)
	sub, err := c.SubscribeLive(ctx, occurrence.KindRequested)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	from := mustAddress("0x00000000000000000000000000000000000000aa")
	subID := "0xsub" + RequestedTopic.Hex()[2:6]
	for i := uint64(1); i <= 300; i++ {
		node.notify(subID, requestedLog(100+i, byte(i), from, i))
	}

	// Nobody reads the subscription; block lookups must still be answered.
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ts, err := c.BlockTime(callCtx, 50)
	require.NoError(t, err)
	require.Equal(t, time.Unix(100, 0), ts)

	for i := uint64(1); i <= 300; i++ {
		select {
		case occ := <-sub.Occurrences():
			require.Equal(t, occurrence.WordFromUint64(i), occ.(occurrence.Requested).RequestID)
		case <-time.After(2 * time.Second):
			t.Fatalf("occurrence %d not delivered", i)
		}
	}
}

func TestContract_LiveOverflowEndsSubscription(t *testing.T) {
	node, srv := newFakeNode(t)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv), WithNotificationBuffer(4))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	c := NewContract(client, testContract)
	sub, err := c.SubscribeLive(ctx, occurrence.KindRequested)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	from := mustAddress("0x00000000000000000000000000000000000000aa")
	subID := "0xsub" + RequestedTopic.Hex()[2:6]
	for i := uint64(1); i <= 200; i++ {
		node.notify(subID, requestedLog(100+i, byte(i), from, i))
	}

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = c.Latest(callCtx)
	require.NoError(t, err)

	delivered := 0
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-sub.Occurrences():
			if !ok {
				break drain
			}
			delivered++
		case <-deadline:
			t.Fatal("subscription did not end")
		}
	}
	require.Less(t, delivered, 200)

	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, ErrSubscriptionOverflow)
	case <-time.After(time.Second):
		t.Fatal("expected overflow error")
	}
}
