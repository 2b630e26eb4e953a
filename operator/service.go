package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/dial"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollup-labs/op-rollup/executor"
	"github.com/rollup-labs/op-rollup/mempool"
	"github.com/rollup-labs/op-rollup/metrics"
	"github.com/rollup-labs/op-rollup/proofdata"
	"github.com/rollup-labs/op-rollup/sequencer"
	"github.com/rollup-labs/op-rollup/store"
	"github.com/rollup-labs/op-rollup/txsender"
	"github.com/rollup-labs/op-rollup/watcher"
)

var ErrAlreadyStopped = errors.New("already stopped")

// OperatorService wires the whole rollup operator together. The components
// share the chain store and otherwise run independently; any of them
// declaring a fatal condition shuts the process down through closeApp.
type OperatorService struct {
	Log     log.Logger
	Metrics metrics.Metricer

	Version string

	L1Client *ethclient.Client
	Store    *store.Store
	Pool     *mempool.Mempool
	Executor *executor.DevExecutor

	sequencer    *sequencer.Sequencer
	watcher      *watcher.Watcher
	provider     *proofdata.Provider
	prover       *proofdata.Client
	proverSource *proofdata.RPCSource
	sender       *txsender.Sender

	pprofService *oppprof.Service
	metricsSrv   *httputil.HTTPServer
	rpcServer    *oprpc.Server

	balanceMetricer io.Closer

	closeApp context.CancelCauseFunc
	stopped  atomic.Bool
}

func OperatorServiceFromCLIConfig(ctx context.Context, version string, cfg *CLIConfig, log log.Logger, closeApp context.CancelCauseFunc) (*OperatorService, error) {
	var os OperatorService
	os.closeApp = closeApp
	if err := os.initFromCLIConfig(ctx, version, cfg, log); err != nil {
		return nil, errors.Join(err, os.Stop(ctx))
	}
	return &os, nil
}

func (os *OperatorService) initFromCLIConfig(ctx context.Context, version string, cfg *CLIConfig, log log.Logger) error {
	os.Version = version
	os.Log = log

	os.initMetrics(cfg)

	if err := os.initRPCClients(ctx, cfg); err != nil {
		return err
	}
	if err := os.initStore(cfg); err != nil {
		return fmt.Errorf("failed to open chain store: %w", err)
	}
	genesisRoot, err := os.initExecutor()
	if err != nil {
		return fmt.Errorf("failed to rebuild execution state: %w", err)
	}
	os.Pool = mempool.New()

	if err := os.initSequencer(cfg); err != nil {
		return fmt.Errorf("failed to init sequencer: %w", err)
	}
	if err := os.initWatcher(cfg); err != nil {
		return fmt.Errorf("failed to init watcher: %w", err)
	}
	if err := os.initProofData(ctx, cfg, genesisRoot); err != nil {
		return fmt.Errorf("failed to init proof provider: %w", err)
	}
	if err := os.initSender(ctx, cfg); err != nil {
		return fmt.Errorf("failed to init tx sender: %w", err)
	}
	if err := os.initMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := os.initPProf(cfg); err != nil {
		return fmt.Errorf("failed to init pprof server: %w", err)
	}
	if err := os.initRPCServer(cfg); err != nil {
		return fmt.Errorf("failed to start rpc server: %w", err)
	}

	os.initBalanceMonitor(cfg)

	os.Metrics.RecordInfo(os.Version)
	os.Metrics.RecordUp()
	return nil
}

func (os *OperatorService) initMetrics(cfg *CLIConfig) {
	if cfg.MetricsConfig.Enabled {
		procName := "default"
		os.Metrics = metrics.NewMetrics(procName)
	} else {
		os.Metrics = metrics.NoopMetrics
	}
}

func (os *OperatorService) initRPCClients(ctx context.Context, cfg *CLIConfig) error {
	client, err := dial.DialEthClientWithTimeout(ctx, dial.DefaultDialTimeout, os.Log, cfg.L1EthRpc)
	if err != nil {
		return fmt.Errorf("failed to dial L1 rpc: %w", err)
	}
	os.L1Client = client
	return nil
}

func (os *OperatorService) initStore(cfg *CLIConfig) error {
	st, err := store.Open(os.Log, cfg.DataDir)
	if err != nil {
		return err
	}
	os.Store = st
	return nil
}

// initExecutor rebuilds the in-memory execution state by replaying the
// stored chain from genesis. It returns the genesis state root, needed as
// the pre-state of block 1 in proof public inputs.
func (os *OperatorService) initExecutor() (common.Hash, error) {
	os.Executor = executor.NewDevExecutor()
	genesisRoot := os.Executor.StateRoot()

	head, ok := os.Store.HeadNumber()
	if !ok {
		return genesisRoot, nil
	}
	for n := uint64(1); n <= head; n++ {
		block, err := os.Store.Block(n)
		if err != nil {
			return common.Hash{}, err
		}
		if err := os.Executor.Replay(block); err != nil {
			return common.Hash{}, err
		}
	}
	os.Log.Info("replayed chain state", "head", head, "state_root", os.Executor.StateRoot())
	return genesisRoot, nil
}

func (os *OperatorService) initSequencer(cfg *CLIConfig) error {
	seq, err := sequencer.NewSequencer(sequencer.DriverSetup{
		Log:  os.Log,
		Metr: os.Metrics,
		Cfg: sequencer.Config{
			BlockTime:       cfg.BlockTime,
			MaxBatchSize:    cfg.MaxBatchSize,
			ExecutionBudget: cfg.ExecutionBudget,
			EmptyBlocks:     cfg.EmptyBlocks,
		},
		Pool:     os.Pool,
		Store:    os.Store,
		Executor: os.Executor,
	})
	if err != nil {
		return err
	}
	os.sequencer = seq
	return nil
}

func (os *OperatorService) initWatcher(cfg *CLIConfig) error {
	bridgeAddr, err := opservice.ParseAddress(cfg.BridgeAddress)
	if err != nil {
		return fmt.Errorf("invalid bridge address: %w", err)
	}
	w, err := watcher.NewWatcher(watcher.DriverSetup{
		Log:  os.Log,
		Metr: os.Metrics,
		Cfg: watcher.Config{
			BridgeAddr:        bridgeAddr,
			PollInterval:      cfg.L1PollInterval,
			ConfirmationDepth: cfg.ConfirmationDepth,
			StartBlock:        cfg.L1StartBlock,
			MaxBlockRange:     cfg.MaxBlockRange,
			NetworkTimeout:    cfg.NetworkTimeout,
		},
		L1:      os.L1Client,
		Pool:    os.Pool,
		Store:   os.Store,
		OnFatal: os.onFatal,
	})
	if err != nil {
		return err
	}
	os.watcher = w
	return nil
}

func (os *OperatorService) initProofData(ctx context.Context, cfg *CLIConfig, genesisRoot common.Hash) error {
	provider, err := proofdata.NewProvider(proofdata.ProviderSetup{
		Log:  os.Log,
		Metr: os.Metrics,
		Cfg: proofdata.ProviderConfig{
			RequestTimeout:   cfg.ProofRequestTimeout,
			SweepInterval:    cfg.ProofRequestTimeout / 4,
			GenesisStateRoot: genesisRoot,
		},
		Store: os.Store,
	})
	if err != nil {
		return err
	}
	os.provider = provider

	if !cfg.MockProver {
		return nil
	}
	// The mock prover drives the in-process provider unless an endpoint
	// points it at a remote one over the wire protocol.
	var source proofdata.Source = provider
	if cfg.ProverEndpoint != "" {
		rpcSource, err := proofdata.DialSource(ctx, cfg.ProverEndpoint)
		if err != nil {
			return fmt.Errorf("dialing proof provider: %w", err)
		}
		os.proverSource = rpcSource
		source = rpcSource
	}
	prover, err := proofdata.NewClient(proofdata.ClientSetup{
		Log:    os.Log.New("role", "mock-prover"),
		Cfg:    proofdata.ClientConfig{PollInterval: cfg.ProverPollInterval},
		Source: source,
		Prover: proofdata.MockProver{},
	})
	if err != nil {
		return err
	}
	os.prover = prover
	return nil
}

func (os *OperatorService) initSender(ctx context.Context, cfg *CLIConfig) error {
	privateKey, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	bridgeAddr, err := opservice.ParseAddress(cfg.BridgeAddress)
	if err != nil {
		return fmt.Errorf("invalid bridge address: %w", err)
	}

	cCtx, cancel := context.WithTimeout(ctx, cfg.NetworkTimeout)
	defer cancel()
	chainID, err := os.L1Client.ChainID(cCtx)
	if err != nil {
		return fmt.Errorf("querying L1 chain id: %w", err)
	}

	sender, err := txsender.NewSender(txsender.DriverSetup{
		Log:  os.Log,
		Metr: os.Metrics,
		Cfg: txsender.Config{
			ChainID:                   chainID,
			BridgeAddr:                bridgeAddr,
			PrivateKey:                privateKey,
			From:                      crypto.PubkeyToAddress(privateKey.PublicKey),
			NumConfirmations:          cfg.NumConfirmations,
			ResubmissionTimeout:       cfg.ResubmissionTimeout,
			ReceiptQueryInterval:      cfg.ReceiptQueryInterval,
			MaxFeeBumps:               cfg.MaxFeeBumps,
			FeeLimitMultiplier:        cfg.FeeLimitMultiplier,
			SafeAbortNonceTooLowCount: cfg.SafeAbortNonceTooLowCount,
			PollInterval:              cfg.BlockTime,
			NetworkTimeout:            cfg.NetworkTimeout,
		},
		Store:   os.Store,
		L1:      os.L1Client,
		OnFatal: os.onFatal,
	})
	if err != nil {
		return err
	}
	if err := sender.ReconcileNonce(ctx); err != nil {
		return fmt.Errorf("nonce reconciliation failed: %w", err)
	}
	os.sender = sender
	return nil
}

func (os *OperatorService) initBalanceMonitor(cfg *CLIConfig) {
	if cfg.MetricsConfig.Enabled && os.sender != nil {
		os.balanceMetricer = os.Metrics.StartBalanceMetrics(os.Log, os.L1Client, os.sender.Cfg.From)
	}
}

func (os *OperatorService) initPProf(cfg *CLIConfig) error {
	os.pprofService = oppprof.New(
		cfg.PprofConfig.ListenEnabled,
		cfg.PprofConfig.ListenAddr,
		cfg.PprofConfig.ListenPort,
		cfg.PprofConfig.ProfileType,
		cfg.PprofConfig.ProfileDir,
		cfg.PprofConfig.ProfileFilename,
	)

	if err := os.pprofService.Start(); err != nil {
		return fmt.Errorf("failed to start pprof service: %w", err)
	}

	return nil
}

func (os *OperatorService) initMetricsServer(cfg *CLIConfig) error {
	if !cfg.MetricsConfig.Enabled {
		os.Log.Info("metrics disabled")
		return nil
	}
	m, ok := os.Metrics.(opmetrics.RegistryMetricer)
	if !ok {
		return fmt.Errorf("metrics were enabled, but metricer %T does not expose registry for metrics-server", os.Metrics)
	}
	os.Log.Debug("starting metrics server", "addr", cfg.MetricsConfig.ListenAddr, "port", cfg.MetricsConfig.ListenPort)
	metricsSrv, err := opmetrics.StartServer(m.Registry(), cfg.MetricsConfig.ListenAddr, cfg.MetricsConfig.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	os.Log.Info("started metrics server", "addr", metricsSrv.Addr())
	os.metricsSrv = metricsSrv
	return nil
}

func (os *OperatorService) initRPCServer(cfg *CLIConfig) error {
	server := oprpc.NewServer(
		cfg.RPCConfig.ListenAddr,
		cfg.RPCConfig.ListenPort,
		os.Version,
		oprpc.WithLogger(os.Log),
	)
	for _, api := range proofdata.APIs(os.provider) {
		server.AddAPI(api)
	}
	if cfg.RPCConfig.EnableAdmin {
		server.AddAPI(os.adminAPI())
		os.Log.Info("admin rpc enabled")
	}
	os.Log.Info("starting json-rpc server")
	if err := server.Start(); err != nil {
		return fmt.Errorf("unable to start rpc server: %w", err)
	}
	os.rpcServer = server
	return nil
}

// onFatal is handed to components that can hit unrecoverable conditions. It
// cancels the application context, which drives an orderly Stop.
func (os *OperatorService) onFatal(err error) {
	if os.closeApp != nil {
		os.closeApp(err)
	}
}

func (os *OperatorService) Start(ctx context.Context) error {
	if err := os.provider.Start(); err != nil {
		return err
	}
	if err := os.sender.Start(); err != nil {
		return err
	}
	if err := os.watcher.Start(); err != nil {
		return err
	}
	if err := os.sequencer.Start(); err != nil {
		return err
	}
	if os.prover != nil {
		if err := os.prover.Start(); err != nil {
			return err
		}
	}
	os.Log.Info("rollup operator started")
	return nil
}

func (os *OperatorService) Stopped() bool {
	return os.stopped.Load()
}

func (os *OperatorService) Kill() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return os.Stop(ctx)
}

// Stop tears the operator down in dependency order: stop producing blocks
// and accepting deposits first, then the proof and L1 pipelines, then the
// outer servers, and finally the store.
func (os *OperatorService) Stop(ctx context.Context) error {
	if os.Stopped() {
		return ErrAlreadyStopped
	}
	os.Log.Info("stopping rollup operator")

	var result error
	if os.sequencer != nil {
		if err := os.sequencer.Stop(); err != nil && !errors.Is(err, sequencer.ErrSequencerNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop sequencer: %w", err))
		}
	}
	if os.watcher != nil {
		if err := os.watcher.Stop(); err != nil && !errors.Is(err, watcher.ErrWatcherNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop watcher: %w", err))
		}
	}
	if os.prover != nil {
		if err := os.prover.Stop(); err != nil && !errors.Is(err, proofdata.ErrClientNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop mock prover: %w", err))
		}
	}
	if os.proverSource != nil {
		os.proverSource.Close()
	}
	if os.provider != nil {
		if err := os.provider.Stop(); err != nil && !errors.Is(err, proofdata.ErrProviderNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop proof provider: %w", err))
		}
	}
	if os.sender != nil {
		if err := os.sender.Stop(); err != nil && !errors.Is(err, txsender.ErrSenderNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop tx sender: %w", err))
		}
	}

	if os.rpcServer != nil {
		if err := os.rpcServer.Stop(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop rpc server: %w", err))
		}
	}
	if os.pprofService != nil {
		if err := os.pprofService.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop pprof server: %w", err))
		}
	}
	if os.balanceMetricer != nil {
		if err := os.balanceMetricer.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close balance metricer: %w", err))
		}
	}
	if os.metricsSrv != nil {
		if err := os.metricsSrv.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}

	if os.Store != nil {
		if err := os.Store.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close chain store: %w", err))
		}
	}
	if os.L1Client != nil {
		os.L1Client.Close()
	}

	if result == nil {
		os.stopped.Store(true)
		os.Log.Info("stopped rollup operator")
	}

	return result
}

var _ cliapp.Lifecycle = (*OperatorService)(nil)
