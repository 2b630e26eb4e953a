package proofdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var ErrClientNotRunning = errors.New("proof client is not running")

// Prover turns block data into an opaque proof. Implementations wrap an
// external proving system; MockProver stands in for development networks.
type Prover interface {
	Prove(ctx context.Context, data *BlockData) ([]byte, error)
}

// Source is the provider side of the protocol as seen by the client. It is
// satisfied by *Provider directly for in-process wiring and by RPCSource
// over the wire.
type Source interface {
	GetNextBlock(ctx context.Context) (*BlockData, error)
	SubmitProof(ctx context.Context, number uint64, proof []byte) error
}

// RPCSource speaks the proofdata namespace over JSON-RPC.
type RPCSource struct {
	client *gethrpc.Client
}

func DialSource(ctx context.Context, url string) (*RPCSource, error) {
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing proof provider at %s: %w", url, err)
	}
	return &RPCSource{client: client}, nil
}

func (s *RPCSource) GetNextBlock(ctx context.Context) (*BlockData, error) {
	var data *BlockData
	err := s.client.CallContext(ctx, &data, "proofdata_getNextBlock")
	return data, err
}

func (s *RPCSource) SubmitProof(ctx context.Context, number uint64, proof []byte) error {
	return s.client.CallContext(ctx, nil, "proofdata_submitProof",
		hexutil.Uint64(number), hexutil.Bytes(proof))
}

func (s *RPCSource) Close() {
	s.client.Close()
}

type ClientConfig struct {
	// PollInterval is how long to wait after finding no pending work.
	PollInterval time.Duration
}

func (c *ClientConfig) Check() error {
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

type ClientSetup struct {
	Log    log.Logger
	Cfg    ClientConfig
	Source Source
	Prover Prover
}

// Client polls the provider for unproven blocks, proves them, and submits
// the results. A failed proving attempt is not retried here; the provider's
// request timeout recycles the block instead.
type Client struct {
	ClientSetup

	wg   sync.WaitGroup
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	running bool
}

func NewClient(setup ClientSetup) (*Client, error) {
	if err := setup.Cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid proof client config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ClientSetup: setup,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (c *Client) Start() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.running {
		return errors.New("proof client is already running")
	}
	c.running = true

	c.wg.Add(1)
	go c.loop()

	c.Log.Info("started proof client", "poll_interval", c.Cfg.PollInterval)
	return nil
}

func (c *Client) Stop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.running {
		return ErrClientNotRunning
	}
	c.running = false

	c.cancel()
	close(c.done)
	c.wg.Wait()

	c.Log.Info("stopped proof client")
	return nil
}

func (c *Client) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-c.done: // prioritize quit signal
				return
			default:
			}
			if err := c.proveNext(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Log.Warn("proving round failed", "err", err)
			}
		case <-c.done:
			return
		}
	}
}

// proveNext runs one round: fetch, prove, submit. It keeps draining pending
// blocks until the provider reports none left.
func (c *Client) proveNext(ctx context.Context) error {
	for {
		data, err := c.Source.GetNextBlock(ctx)
		if err != nil {
			return fmt.Errorf("fetching next block: %w", err)
		}
		if data == nil {
			return nil
		}
		c.Log.Info("proving block", "block", data.BlockNumber, "block_hash", data.BlockHash)

		proof, err := c.Prover.Prove(ctx, data)
		if err != nil {
			// Leave the request to time out on the provider side.
			c.Log.Error("prover failed", "block", data.BlockNumber, "err", err)
			return nil
		}
		if err := c.Source.SubmitProof(ctx, data.BlockNumber, proof); err != nil {
			return fmt.Errorf("submitting proof for block %d: %w", data.BlockNumber, err)
		}
		c.Log.Info("proof submitted", "block", data.BlockNumber)
	}
}
