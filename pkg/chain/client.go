// Package chain talks to an EVM node over a websocket JSON-RPC connection and
// maps the oracle contract's logs to occurrences.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

var (
	ErrClientClosed        = errors.New("rpc client closed")
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrSubscriptionOverflow ends a subscription whose consumer fell too far
	// behind. The log stream has a gap and must be re-established.
	ErrSubscriptionOverflow = errors.New("subscription buffer overflow")
)

const defaultNotificationBuffer = 4096

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  *notification   `json:"params,omitempty"`
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type pendingCall struct {
	ch        chan message
	subscribe bool
	sub       *rawSubscription
}

// rawSubscription queues notifications for one subscription. The read loop only
// appends to the queue, so a slow consumer never stalls call responses.
type rawSubscription struct {
	id     string
	done   chan struct{}
	once   sync.Once
	client *Client

	mu       sync.Mutex
	queue    []json.RawMessage
	limit    int
	overflow bool
	ready    chan struct{}
}

func newRawSubscription(c *Client, limit int) *rawSubscription {
	return &rawSubscription{
		done:   make(chan struct{}),
		client: c,
		limit:  limit,
		ready:  make(chan struct{}, 1),
	}
}

func (s *rawSubscription) close() {
	s.once.Do(func() { close(s.done) })
}

// push queues data without blocking. It returns false once the queue is full;
// from then on the subscription only reports the overflow.
func (s *rawSubscription) push(data json.RawMessage) bool {
	s.mu.Lock()
	if s.overflow {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		s.overflow = true
		s.queue = nil
	} else {
		s.queue = append(s.queue, data)
	}
	ok := !s.overflow
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return ok
}

func (s *rawSubscription) drain() ([]json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q, s.overflow
}

// Client is a JSON-RPC client over a single websocket connection. Calls may be
// issued concurrently; responses are routed by request id and subscription
// notifications by subscription id.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	subs    map[string]*rawSubscription
	closed  bool
	closing bool
	err     error

	notificationBuffer int

	done chan struct{}
}

type Option func(*dialOptions)

type dialOptions struct {
	handshakeTimeout   time.Duration
	notificationBuffer int
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// WithNotificationBuffer caps how many undelivered notifications a subscription
// may hold before it fails with ErrSubscriptionOverflow.
func WithNotificationBuffer(n int) Option {
	return func(o *dialOptions) {
		if n > 0 {
			o.notificationBuffer = n
		}
	}
}

// Dial connects to a websocket RPC endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := dialOptions{handshakeTimeout: 15 * time.Second, notificationBuffer: defaultNotificationBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	dialer := websocket.Dialer{HandshakeTimeout: o.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &Client{
		conn:               conn,
		pending:            map[uint64]*pendingCall{},
		subs:               map[string]*rawSubscription{},
		notificationBuffer: o.notificationBuffer,
		done:               make(chan struct{}),
	}
	go c.readLoop()
	log.Debug().Str("component", "chain").Str("url", url).Msg("rpc connected")
	return c, nil
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer c.shutdown(ErrClientClosed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.shutdown(errors.Wrap(err, "rpc read"))
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("component", "chain").Msg("dropping undecodable rpc frame")
			continue
		}
		switch {
		case msg.ID != nil:
			c.deliverResponse(*msg.ID, msg)
		case msg.Method == "eth_subscription" && msg.Params != nil:
			c.deliverNotification(msg.Params)
		}
	}
}

func (c *Client) deliverResponse(id uint64, msg message) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	if ok && call.subscribe && msg.Error == nil {
		// Register before handing back the response so no notification is lost.
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err == nil && subID != "" {
			call.sub.id = subID
			c.subs[subID] = call.sub
		}
	}
	c.mu.Unlock()
	if ok {
		call.ch <- msg
	}
}

func (c *Client) deliverNotification(n *notification) {
	c.mu.Lock()
	sub, ok := c.subs[n.Subscription]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !sub.push(n.Result) {
		c.mu.Lock()
		delete(c.subs, n.Subscription)
		c.mu.Unlock()
		log.Warn().Str("component", "chain").Str("subscription", n.Subscription).Msg("subscription consumer too slow, dropping subscription")
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = map[uint64]*pendingCall{}
	subs := c.subs
	c.subs = map[string]*rawSubscription{}
	c.mu.Unlock()

	close(c.done)
	for _, call := range pending {
		call.ch <- message{Error: &RPCError{Code: -1, Message: err.Error()}}
	}
	for _, sub := range subs {
		sub.close()
	}
	_ = c.conn.Close()
}

func (c *Client) send(ctx context.Context, method string, params []any, subscribe bool) (*pendingCall, uint64, error) {
	id := c.nextID.Add(1)
	call := &pendingCall{ch: make(chan message, 1), subscribe: subscribe}
	if subscribe {
		call.sub = newRawSubscription(c, c.notificationBuffer)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, ErrClientClosed
	}
	c.pending[id] = call
	c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, 0, errors.Wrapf(err, "encode %s", method)
	}
	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, 0, errors.Wrapf(err, "send %s", method)
	}
	return call, id, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Call invokes method and decodes the result into out. out may be nil.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	call, id, err := c.send(ctx, method, params, false)
	if err != nil {
		return err
	}
	msg, err := c.wait(ctx, call, id)
	if err != nil {
		return errors.Wrap(err, method)
	}
	if out == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func (c *Client) wait(ctx context.Context, call *pendingCall, id uint64) (message, error) {
	select {
	case msg := <-call.ch:
		if msg.Error != nil {
			return msg, msg.Error
		}
		return msg, nil
	case <-ctx.Done():
		c.forget(id)
		return message{}, ctx.Err()
	}
}

func (c *Client) subscribe(ctx context.Context, params ...any) (*rawSubscription, error) {
	call, id, err := c.send(ctx, "eth_subscribe", params, true)
	if err != nil {
		return nil, err
	}
	if _, err := c.wait(ctx, call, id); err != nil {
		c.mu.Lock()
		registered := call.sub.id != ""
		c.mu.Unlock()
		if registered {
			_ = c.unsubscribe(call.sub)
		}
		return nil, errors.Wrap(err, "eth_subscribe")
	}
	c.mu.Lock()
	subID := call.sub.id
	c.mu.Unlock()
	if subID == "" {
		return nil, errors.New("eth_subscribe: empty subscription id")
	}
	return call.sub, nil
}

func (c *Client) unsubscribe(sub *rawSubscription) error {
	c.mu.Lock()
	delete(c.subs, sub.id)
	closed := c.closed
	c.mu.Unlock()
	sub.close()
	if closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ok bool
	return c.Call(ctx, &ok, "eth_unsubscribe", sub.id)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.Call(ctx, &raw, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return decodeQuantity(raw)
}

// BlockTime returns the timestamp of a block.
func (c *Client) BlockTime(ctx context.Context, marker uint64) (time.Time, error) {
	var block *struct {
		Timestamp string `json:"timestamp"`
	}
	if err := c.Call(ctx, &block, "eth_getBlockByNumber", encodeQuantity(marker), false); err != nil {
		return time.Time{}, err
	}
	if block == nil {
		return time.Time{}, errors.Errorf("block %d not found", marker)
	}
	secs, err := decodeQuantity(block.Timestamp)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0), nil
}

// FilterQuery selects logs by emitter and first topic.
type FilterQuery struct {
	Address   occurrence.Address
	Topic     occurrence.Hash
	FromBlock uint64
	ToBlock   uint64
}

func (q FilterQuery) params(withRange bool) map[string]any {
	p := map[string]any{
		"address": q.Address.Hex(),
		"topics":  []any{q.Topic.Hex()},
	}
	if withRange {
		p["fromBlock"] = encodeQuantity(q.FromBlock)
		p["toBlock"] = encodeQuantity(q.ToBlock)
	}
	return p
}

func (c *Client) Logs(ctx context.Context, q FilterQuery) ([]Log, error) {
	var raw []rpcLog
	if err := c.Call(ctx, &raw, "eth_getLogs", q.params(true)); err != nil {
		return nil, err
	}
	out := make([]Log, 0, len(raw))
	for _, r := range raw {
		l, err := r.decode()
		if err != nil {
			return nil, err
		}
		if l.Removed {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// LogSubscription is a live log stream.
type LogSubscription struct {
	raw  *rawSubscription
	logs chan Log
	errs chan error
	once sync.Once
}

// SubscribeLogs opens a logs subscription. Removed logs are dropped.
func (c *Client) SubscribeLogs(ctx context.Context, q FilterQuery) (*LogSubscription, error) {
	raw, err := c.subscribe(ctx, "logs", q.params(false))
	if err != nil {
		return nil, err
	}
	s := &LogSubscription{raw: raw, logs: make(chan Log, 64), errs: make(chan error, 1)}
	go s.pump(c)
	return s, nil
}

func (s *LogSubscription) pump(c *Client) {
	defer close(s.logs)
	for {
		select {
		case <-s.raw.done:
			if err := c.Err(); err != nil {
				s.fail(err)
			}
			return
		case <-s.raw.ready:
			batch, overflow := s.raw.drain()
			for _, data := range batch {
				l, ok := decodeNotification(data)
				if !ok {
					continue
				}
				select {
				case s.logs <- l:
				case <-s.raw.done:
					return
				}
			}
			if overflow {
				s.fail(ErrSubscriptionOverflow)
				return
			}
		}
	}
}

func decodeNotification(data json.RawMessage) (Log, bool) {
	var r rpcLog
	if err := json.Unmarshal(data, &r); err != nil {
		log.Warn().Err(err).Str("component", "chain").Msg("dropping undecodable log notification")
		return Log{}, false
	}
	l, err := r.decode()
	if err != nil {
		log.Warn().Err(err).Str("component", "chain").Msg("dropping malformed log")
		return Log{}, false
	}
	return l, !l.Removed
}

func (s *LogSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *LogSubscription) Logs() <-chan Log { return s.logs }

func (s *LogSubscription) Err() <-chan error { return s.errs }

func (s *LogSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.raw.client.unsubscribe(s.raw) })
	return err
}

// Transaction is the subset of eth_sendTransaction fields the tracker needs.
type Transaction struct {
	From occurrence.Address
	To   occurrence.Address
	Data []byte
}

// SendTransaction asks the node to sign and broadcast tx with an unlocked account.
func (c *Client) SendTransaction(ctx context.Context, tx Transaction) (occurrence.Hash, error) {
	var raw string
	params := map[string]any{
		"from": tx.From.Hex(),
		"to":   tx.To.Hex(),
		"data": encodeData(tx.Data),
	}
	if err := c.Call(ctx, &raw, "eth_sendTransaction", params); err != nil {
		return occurrence.Hash{}, err
	}
	return occurrence.ParseHash(raw)
}

// CallContract runs a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, tx Transaction) ([]byte, error) {
	var raw string
	params := map[string]any{
		"from": tx.From.Hex(),
		"to":   tx.To.Hex(),
		"data": encodeData(tx.Data),
	}
	if err := c.Call(ctx, &raw, "eth_call", params, "latest"); err != nil {
		return nil, err
	}
	return decodeData(raw)
}

// Receipt is the subset of a transaction receipt the tracker needs.
type Receipt struct {
	TxHash      occurrence.Hash
	BlockNumber uint64
	Success     bool
}

// TransactionReceipt returns the receipt, or nil if the transaction is still
// pending.
func (c *Client) TransactionReceipt(ctx context.Context, tx occurrence.Hash) (*Receipt, error) {
	var raw *struct {
		TransactionHash string `json:"transactionHash"`
		BlockNumber     string `json:"blockNumber"`
		Status          string `json:"status"`
	}
	if err := c.Call(ctx, &raw, "eth_getTransactionReceipt", tx.Hex()); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	r := &Receipt{TxHash: tx, Success: raw.Status != "0x0"}
	if raw.BlockNumber != "" {
		n, err := decodeQuantity(raw.BlockNumber)
		if err != nil {
			return nil, err
		}
		r.BlockNumber = n
	}
	return r, nil
}

// WaitMined polls for a receipt every interval. A reverted transaction yields
// ErrTransactionReverted.
func (c *Client) WaitMined(ctx context.Context, tx occurrence.Hash, interval time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.TransactionReceipt(ctx, tx)
		if err != nil {
			return nil, err
		}
		if r != nil {
			if !r.Success {
				return r, errors.Wrapf(ErrTransactionReverted, "tx %s", tx.Hex())
			}
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
