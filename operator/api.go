package operator

import (
	"context"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/optimism/op-service/rpc"
)

// SequencerDriver is the control surface the admin API exposes.
type SequencerDriver interface {
	Start() error
	Stop() error
}

type adminAPI struct {
	*rpc.CommonAdminAPI
	b SequencerDriver
}

// StartSequencer resumes block production after an admin stop.
func (a *adminAPI) StartSequencer(_ context.Context) error {
	return a.b.Start()
}

// StopSequencer halts block production; deposits keep accumulating in the
// mempool and the proof and L1 pipelines keep draining.
func (a *adminAPI) StopSequencer(_ context.Context) error {
	return a.b.Stop()
}

func (os *OperatorService) adminAPI() gethrpc.API {
	return gethrpc.API{
		Namespace: "admin",
		Service: &adminAPI{
			CommonAdminAPI: rpc.NewCommonAdminAPI(os.Log),
			b:              os.sequencer,
		},
	}
}
