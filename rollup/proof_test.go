package rollup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProofStatusTransitions(t *testing.T) {
	require.True(t, ProofPending.CanTransition(ProofRequested))
	require.True(t, ProofRequested.CanTransition(ProofReceived))
	require.True(t, ProofReceived.CanTransition(ProofVerified))

	// Recycle edges.
	require.True(t, ProofRequested.CanTransition(ProofPending))
	require.True(t, ProofRequested.CanTransition(ProofRejected))
	require.True(t, ProofRejected.CanTransition(ProofPending))

	// No skipping, no leaving Verified.
	require.False(t, ProofPending.CanTransition(ProofVerified))
	require.False(t, ProofPending.CanTransition(ProofReceived))
	require.False(t, ProofVerified.CanTransition(ProofPending))
	require.True(t, ProofVerified.Terminal())
}
