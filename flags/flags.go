package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "OP_ROLLUP"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	// Required Flags
	L1EthRpcFlag = &cli.StringFlag{
		Name:     "l1-eth-rpc",
		Usage:    "The RPC URL for the L1 Ethereum chain",
		EnvVars:  prefixEnvVars("L1_ETH_RPC"),
		Required: true,
	}
	BridgeAddressFlag = &cli.StringFlag{
		Name:     "bridge-address",
		Usage:    "The address of the rollup bridge contract on L1",
		EnvVars:  prefixEnvVars("BRIDGE_ADDRESS"),
		Required: true,
	}
	PrivateKeyFlag = &cli.StringFlag{
		Name:     "private-key",
		Usage:    "Hex-encoded private key signing commit and verify transactions",
		EnvVars:  prefixEnvVars("PRIVATE_KEY"),
		Required: true,
	}
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Directory holding the durable chain state database",
		EnvVars:  prefixEnvVars("DATADIR"),
		Required: true,
	}

	// Optional Flags
	BlockTimeFlag = &cli.DurationFlag{
		Name:    "block-time",
		Usage:   "Target interval between produced L2 blocks",
		Value:   2 * time.Second,
		EnvVars: prefixEnvVars("BLOCK_TIME"),
	}
	MaxBatchSizeFlag = &cli.IntFlag{
		Name:    "max-batch-size",
		Usage:   "Maximum number of transactions per produced block",
		Value:   100,
		EnvVars: prefixEnvVars("MAX_BATCH_SIZE"),
	}
	ExecutionBudgetFlag = &cli.DurationFlag{
		Name:    "execution-budget",
		Usage:   "Wall-clock budget for executing one block's batch",
		Value:   1 * time.Second,
		EnvVars: prefixEnvVars("EXECUTION_BUDGET"),
	}
	EmptyBlocksFlag = &cli.BoolFlag{
		Name:    "empty-blocks",
		Usage:   "Produce blocks on cadence even when no transactions are pending",
		Value:   false,
		EnvVars: prefixEnvVars("EMPTY_BLOCKS"),
	}
	L1PollIntervalFlag = &cli.DurationFlag{
		Name:    "l1-poll-interval",
		Usage:   "How frequently to poll L1 for new deposit events",
		Value:   12 * time.Second,
		EnvVars: prefixEnvVars("L1_POLL_INTERVAL"),
	}
	ConfirmationDepthFlag = &cli.Uint64Flag{
		Name:    "confirmation-depth",
		Usage:   "Number of L1 confirmations before a deposit event is processed",
		Value:   6,
		EnvVars: prefixEnvVars("CONFIRMATION_DEPTH"),
	}
	L1StartBlockFlag = &cli.Uint64Flag{
		Name:    "l1-start-block",
		Usage:   "L1 block the deposit watcher starts scanning from on a fresh database",
		Value:   0,
		EnvVars: prefixEnvVars("L1_START_BLOCK"),
	}
	MaxBlockRangeFlag = &cli.Uint64Flag{
		Name:    "max-block-range",
		Usage:   "Maximum L1 block span per deposit log query",
		Value:   1000,
		EnvVars: prefixEnvVars("MAX_BLOCK_RANGE"),
	}
	ProofRequestTimeoutFlag = &cli.DurationFlag{
		Name:    "proof-request-timeout",
		Usage:   "How long a prover may hold a proof request before it is recycled",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVars("PROOF_REQUEST_TIMEOUT"),
	}
	MockProverFlag = &cli.BoolFlag{
		Name:    "mock-prover",
		Usage:   "Run an in-process mock prover instead of serving external provers",
		Value:   false,
		EnvVars: prefixEnvVars("MOCK_PROVER"),
	}
	ProverPollIntervalFlag = &cli.DurationFlag{
		Name:    "prover-poll-interval",
		Usage:   "How frequently the in-process mock prover polls for work",
		Value:   4 * time.Second,
		EnvVars: prefixEnvVars("PROVER_POLL_INTERVAL"),
	}
	ProverEndpointFlag = &cli.StringFlag{
		Name:    "prover-endpoint",
		Usage:   "HTTP endpoint of a remote proof data provider the prover polls instead of the in-process one",
		EnvVars: prefixEnvVars("PROVER_ENDPOINT"),
	}
	NumConfirmationsFlag = &cli.Uint64Flag{
		Name:    "num-confirmations",
		Usage:   "Number of L1 confirmations before an outbound transaction is final",
		Value:   3,
		EnvVars: prefixEnvVars("NUM_CONFIRMATIONS"),
	}
	ResubmissionTimeoutFlag = &cli.DurationFlag{
		Name:    "resubmission-timeout",
		Usage:   "Duration to wait for an outbound transaction before bumping its fees",
		Value:   48 * time.Second,
		EnvVars: prefixEnvVars("RESUBMISSION_TIMEOUT"),
	}
	ReceiptQueryIntervalFlag = &cli.DurationFlag{
		Name:    "receipt-query-interval",
		Usage:   "Frequency to poll for outbound transaction receipts",
		Value:   12 * time.Second,
		EnvVars: prefixEnvVars("RECEIPT_QUERY_INTERVAL"),
	}
	MaxFeeBumpsFlag = &cli.Uint64Flag{
		Name:    "max-fee-bumps",
		Usage:   "Publication attempts per outbound transaction before it is abandoned",
		Value:   5,
		EnvVars: prefixEnvVars("MAX_FEE_BUMPS"),
	}
	FeeLimitMultiplierFlag = &cli.Uint64Flag{
		Name:    "fee-limit-multiplier",
		Usage:   "Cap on bumped fees as a multiple of current market fees",
		Value:   5,
		EnvVars: prefixEnvVars("FEE_LIMIT_MULTIPLIER"),
	}
	SafeAbortNonceTooLowCountFlag = &cli.Uint64Flag{
		Name:    "safe-abort-nonce-too-low-count",
		Usage:   "Number of nonce-too-low send errors tolerated before aborting",
		Value:   3,
		EnvVars: prefixEnvVars("SAFE_ABORT_NONCE_TOO_LOW_COUNT"),
	}
	NetworkTimeoutFlag = &cli.DurationFlag{
		Name:    "network-timeout",
		Usage:   "Timeout for individual L1 RPC calls",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("NETWORK_TIMEOUT"),
	}
)

var requiredFlags = []cli.Flag{
	L1EthRpcFlag,
	BridgeAddressFlag,
	PrivateKeyFlag,
	DataDirFlag,
}

var optionalFlags = []cli.Flag{
	BlockTimeFlag,
	MaxBatchSizeFlag,
	ExecutionBudgetFlag,
	EmptyBlocksFlag,
	L1PollIntervalFlag,
	ConfirmationDepthFlag,
	L1StartBlockFlag,
	MaxBlockRangeFlag,
	ProofRequestTimeoutFlag,
	MockProverFlag,
	ProverPollIntervalFlag,
	ProverEndpointFlag,
	NumConfirmationsFlag,
	ResubmissionTimeoutFlag,
	ReceiptQueryIntervalFlag,
	MaxFeeBumpsFlag,
	FeeLimitMultiplierFlag,
	SafeAbortNonceTooLowCountFlag,
	NetworkTimeoutFlag,
}

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oppprof.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

var Flags []cli.Flag

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
