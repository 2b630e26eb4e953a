package operator

import (
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/rollup-labs/op-rollup/flags"
)

type CLIConfig struct {
	L1EthRpc      string
	BridgeAddress string
	PrivateKey    string
	DataDir       string

	BlockTime       time.Duration
	MaxBatchSize    int
	ExecutionBudget time.Duration
	EmptyBlocks     bool

	L1PollInterval    time.Duration
	ConfirmationDepth uint64
	L1StartBlock      uint64
	MaxBlockRange     uint64

	ProofRequestTimeout time.Duration
	MockProver          bool
	ProverPollInterval  time.Duration
	ProverEndpoint      string

	NumConfirmations          uint64
	ResubmissionTimeout       time.Duration
	ReceiptQueryInterval      time.Duration
	MaxFeeBumps               uint64
	FeeLimitMultiplier        uint64
	SafeAbortNonceTooLowCount uint64

	NetworkTimeout time.Duration

	RPCConfig     oprpc.CLIConfig
	LogConfig     oplog.CLIConfig
	MetricsConfig opmetrics.CLIConfig
	PprofConfig   oppprof.CLIConfig
}

func (c *CLIConfig) Check() error {
	if err := c.RPCConfig.Check(); err != nil {
		return err
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return err
	}
	if err := c.PprofConfig.Check(); err != nil {
		return err
	}

	if c.BridgeAddress == "" {
		return errors.New("bridge address is required")
	}
	if c.PrivateKey == "" {
		return errors.New("private key is required")
	}
	if c.DataDir == "" {
		return errors.New("datadir is required")
	}

	return nil
}

func NewConfig(ctx *cli.Context) *CLIConfig {
	return &CLIConfig{
		// Required Flags
		L1EthRpc:      ctx.String(flags.L1EthRpcFlag.Name),
		BridgeAddress: ctx.String(flags.BridgeAddressFlag.Name),
		PrivateKey:    ctx.String(flags.PrivateKeyFlag.Name),
		DataDir:       ctx.String(flags.DataDirFlag.Name),

		// Optional Flags
		BlockTime:       ctx.Duration(flags.BlockTimeFlag.Name),
		MaxBatchSize:    ctx.Int(flags.MaxBatchSizeFlag.Name),
		ExecutionBudget: ctx.Duration(flags.ExecutionBudgetFlag.Name),
		EmptyBlocks:     ctx.Bool(flags.EmptyBlocksFlag.Name),

		L1PollInterval:    ctx.Duration(flags.L1PollIntervalFlag.Name),
		ConfirmationDepth: ctx.Uint64(flags.ConfirmationDepthFlag.Name),
		L1StartBlock:      ctx.Uint64(flags.L1StartBlockFlag.Name),
		MaxBlockRange:     ctx.Uint64(flags.MaxBlockRangeFlag.Name),

		ProofRequestTimeout: ctx.Duration(flags.ProofRequestTimeoutFlag.Name),
		MockProver:          ctx.Bool(flags.MockProverFlag.Name),
		ProverPollInterval:  ctx.Duration(flags.ProverPollIntervalFlag.Name),
		ProverEndpoint:      ctx.String(flags.ProverEndpointFlag.Name),

		NumConfirmations:          ctx.Uint64(flags.NumConfirmationsFlag.Name),
		ResubmissionTimeout:       ctx.Duration(flags.ResubmissionTimeoutFlag.Name),
		ReceiptQueryInterval:      ctx.Duration(flags.ReceiptQueryIntervalFlag.Name),
		MaxFeeBumps:               ctx.Uint64(flags.MaxFeeBumpsFlag.Name),
		FeeLimitMultiplier:        ctx.Uint64(flags.FeeLimitMultiplierFlag.Name),
		SafeAbortNonceTooLowCount: ctx.Uint64(flags.SafeAbortNonceTooLowCountFlag.Name),

		NetworkTimeout: ctx.Duration(flags.NetworkTimeoutFlag.Name),

		RPCConfig:     oprpc.ReadCLIConfig(ctx),
		LogConfig:     oplog.ReadCLIConfig(ctx),
		MetricsConfig: opmetrics.ReadCLIConfig(ctx),
		PprofConfig:   oppprof.ReadCLIConfig(ctx),
	}
}
