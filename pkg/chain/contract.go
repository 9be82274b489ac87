package chain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vrf-timer/pkg/occurrence"
)

const DefaultReceiptPollInterval = 2 * time.Second

// Contract exposes the oracle contract as occurrence sources and as a request
// submitter.
type Contract struct {
	mu           sync.Mutex
	client       *Client
	redial       func(ctx context.Context) (*Client, error)
	address      occurrence.Address
	account      occurrence.Address
	pollInterval time.Duration
}

type ContractOption func(*Contract)

// WithAccount sets the sender used for new requests. The node must hold the key.
func WithAccount(a occurrence.Address) ContractOption {
	return func(c *Contract) { c.account = a }
}

// WithRedial lets the contract replace a lost connection on next use.
func WithRedial(dial func(ctx context.Context) (*Client, error)) ContractOption {
	return func(c *Contract) { c.redial = dial }
}

func WithReceiptPollInterval(d time.Duration) ContractOption {
	return func(c *Contract) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func NewContract(client *Client, address occurrence.Address, opts ...ContractOption) *Contract {
	c := &Contract{client: client, address: address, pollInterval: DefaultReceiptPollInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Contract) Address() occurrence.Address { return c.address }

func (c *Contract) conn(ctx context.Context) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		select {
		case <-c.client.Done():
		default:
			return c.client, nil
		}
	}
	if c.redial == nil {
		return nil, ErrClientClosed
	}
	client, err := c.redial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redial")
	}
	log.Info().Str("component", "chain").Str("contract", c.address.Hex()).Msg("rpc connection re-established")
	c.client = client
	return client, nil
}

// Close closes the current connection.
func (c *Contract) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (c *Contract) Latest(ctx context.Context) (uint64, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Contract) BlockTime(ctx context.Context, marker uint64) (time.Time, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return client.BlockTime(ctx, marker)
}

func (c *Contract) FetchHistorical(ctx context.Context, kind occurrence.Kind, from, to uint64) ([]occurrence.Occurrence, error) {
	if err := occurrence.ValidateRange(from, to); err != nil {
		return nil, err
	}
	topic, err := TopicFor(kind)
	if err != nil {
		return nil, err
	}
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := client.Logs(ctx, FilterQuery{Address: c.address, Topic: topic, FromBlock: from, ToBlock: to})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s logs %d..%d", kind, from, to)
	}
	out := make([]occurrence.Occurrence, 0, len(logs))
	for _, l := range logs {
		occ, err := DecodeLog(l)
		if err != nil {
			log.Warn().Err(err).Str("component", "chain").Str("tx", l.TxHash.Hex()).Msg("skipping undecodable log")
			continue
		}
		if occ.Kind() != kind {
			continue
		}
		out = append(out, occ)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Where().Less(out[j].Where()) })
	return out, nil
}

func (c *Contract) SubscribeLive(ctx context.Context, kind occurrence.Kind) (occurrence.Subscription, error) {
	topic, err := TopicFor(kind)
	if err != nil {
		return nil, err
	}
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := client.SubscribeLogs(ctx, FilterQuery{Address: c.address, Topic: topic})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", kind)
	}
	s := &liveSubscription{
		sub:  sub,
		kind: kind,
		out:  make(chan occurrence.Occurrence, 64),
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
	go s.run()
	log.Info().Str("component", "chain").Str("kind", kind.String()).Str("contract", c.address.Hex()).Msg("live subscription opened")
	return s, nil
}

type liveSubscription struct {
	sub      *LogSubscription
	kind     occurrence.Kind
	out      chan occurrence.Occurrence
	errs     chan error
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *liveSubscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case err := <-s.sub.Err():
			s.errs <- err
			return
		case l, ok := <-s.sub.Logs():
			if !ok {
				select {
				case err := <-s.sub.Err():
					s.errs <- err
				default:
					s.errs <- occurrence.ErrSubscriptionClosed
				}
				return
			}
			occ, err := DecodeLog(l)
			if err != nil || occ.Kind() != s.kind {
				continue
			}
			select {
			case s.out <- occ:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *liveSubscription) Occurrences() <-chan occurrence.Occurrence { return s.out }

func (s *liveSubscription) Err() <-chan error { return s.errs }

func (s *liveSubscription) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.sub.Close()
	})
	return err
}

// Preflight simulates a request call so configuration problems surface before a
// transaction is sent.
func (c *Contract) Preflight(ctx context.Context) error {
	if c.account.IsZero() {
		return errors.New("no account configured for submissions")
	}
	client, err := c.conn(ctx)
	if err != nil {
		return err
	}
	_, err = client.CallContract(ctx, Transaction{From: c.account, To: c.address, Data: RequestCalldata()})
	if err != nil {
		return errors.Wrap(err, "simulate requestRandomNumber")
	}
	return nil
}

// Submit dispatches requestRandomNumber() from the configured account.
func (c *Contract) Submit(ctx context.Context) (occurrence.Submission, error) {
	if c.account.IsZero() {
		return occurrence.Submission{}, errors.New("no account configured for submissions")
	}
	client, err := c.conn(ctx)
	if err != nil {
		return occurrence.Submission{}, err
	}
	hash, err := client.SendTransaction(ctx, Transaction{From: c.account, To: c.address, Data: RequestCalldata()})
	if err != nil {
		return occurrence.Submission{}, errors.Wrap(err, "send requestRandomNumber")
	}
	log.Info().Str("component", "chain").Str("tx", hash.Hex()).Msg("request transaction sent")
	return occurrence.Submission{Key: hash, Initiator: c.account, DispatchedAt: time.Now()}, nil
}

// Await blocks until the submission is mined.
func (c *Contract) Await(ctx context.Context, key occurrence.Hash) error {
	client, err := c.conn(ctx)
	if err != nil {
		return err
	}
	_, err = client.WaitMined(ctx, key, c.pollInterval)
	return err
}
