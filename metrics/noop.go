package metrics

import (
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

type noopMetrics struct{}

var NoopMetrics Metricer = new(noopMetrics)

func (*noopMetrics) RecordInfo(version string) {}
func (*noopMetrics) RecordUp()                 {}

func (*noopMetrics) RecordBlockProduced(uint64, int) {}
func (*noopMetrics) RecordDepositQueued()            {}
func (*noopMetrics) RecordWatcherCursor(uint64)      {}

func (*noopMetrics) RecordProofRequested(uint64) {}
func (*noopMetrics) RecordProofVerified(uint64)  {}
func (*noopMetrics) RecordProofRejected(uint64)  {}
func (*noopMetrics) RecordProofRecycled(uint64)  {}

func (*noopMetrics) RecordL1TxSent(string, uint64)      {}
func (*noopMetrics) RecordL1TxConfirmed(string, uint64) {}
func (*noopMetrics) RecordL1TxFeeBump(string)           {}
func (*noopMetrics) RecordL1TxFailed(string)            {}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func (*noopMetrics) StartBalanceMetrics(log.Logger, *ethclient.Client, common.Address) io.Closer {
	return noopCloser{}
}
