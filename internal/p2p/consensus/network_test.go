package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/ledger-node/internal/p2p/consensus/mocks"
)

func TestDeriveConsensus(t *testing.T) {
	tests := []struct {
		name    string
		nodes   int
		ratio   float64
		pos     int
		neg     int
		wantErr bool
	}{
		{name: "empty network", nodes: 0, ratio: 0.9, pos: 1, neg: 1},
		{name: "single node", nodes: 1, ratio: 0.9, pos: 1, neg: 1},
		{name: "three nodes", nodes: 3, ratio: 0.9, pos: 2, neg: 1},
		{name: "four nodes", nodes: 4, ratio: 0.9, pos: 3, neg: 1},
		{name: "five nodes", nodes: 5, ratio: 0.9, pos: 3, neg: 1},
		{name: "ten nodes", nodes: 10, ratio: 0.9, pos: 9, neg: 2},
		{name: "ratio too low for size", nodes: 6, ratio: 0.51, wantErr: true},
		{name: "ratio at half", nodes: 10, ratio: 0.5, wantErr: true},
		{name: "ratio above one", nodes: 10, ratio: 1.2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, neg, err := DeriveConsensus(tt.nodes, tt.ratio)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadConsensus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pos, pos)
			assert.Equal(t, tt.neg, neg)
		})
	}
}

func mockPeer(ctrl *gomock.Controller, id string) *mocks.MockNode {
	peer := mocks.NewMockNode(ctrl)
	peer.EXPECT().ID().Return(id).AnyTimes()
	return peer
}

func TestNetworkRederivesOnMembershipChange(t *testing.T) {
	ctrl := gomock.NewController(t)
	network := NewNetwork(NetworkConfig{})
	require.NoError(t, network.DeriveConsensus(0.9))
	assert.Equal(t, 1, network.PositiveConsensus())

	for i := 0; i < 10; i++ {
		require.NoError(t, network.RegisterNode(mockPeer(ctrl, fmt.Sprintf("node-%02d", i))))
	}
	assert.Equal(t, 9, network.PositiveConsensus())
	assert.Equal(t, 2, network.NegativeConsensus())
	assert.True(t, network.HasQuorum())

	require.NoError(t, network.UnregisterNode("node-09"))
	assert.Equal(t, 8, network.PositiveConsensus())
	assert.Equal(t, 2, network.NegativeConsensus())

	all := network.AllNodes()
	require.Len(t, all, 9)
	assert.Equal(t, "node-00", all[0].ID())
	assert.Equal(t, "node-08", all[8].ID())
}

func TestSetConsensusPinsThresholds(t *testing.T) {
	ctrl := gomock.NewController(t)
	network := NewNetwork(NetworkConfig{})
	require.NoError(t, network.DeriveConsensus(0.9))
	require.NoError(t, network.SetConsensus(3, 2))

	require.NoError(t, network.RegisterNode(mockPeer(ctrl, "a")))
	assert.Equal(t, 3, network.PositiveConsensus())
	assert.Equal(t, 2, network.NegativeConsensus())
	assert.False(t, network.HasQuorum())

	_, ok := network.Node("a")
	assert.True(t, ok)
	_, ok = network.Node("b")
	assert.False(t, ok)

	// a full membership equal to the positive threshold can still approve
	require.NoError(t, network.RegisterNode(mockPeer(ctrl, "b")))
	assert.False(t, network.HasQuorum())
	require.NoError(t, network.RegisterNode(mockPeer(ctrl, "c")))
	assert.True(t, network.HasQuorum())

	assert.ErrorIs(t, network.SetConsensus(0, 1), ErrBadConsensus)
}

func TestNetworkConfigDefaults(t *testing.T) {
	network := NewNetwork(NetworkConfig{RequeryPause: time.Second})
	assert.Equal(t, 5*time.Second, network.MaxElectionsTime())
	assert.Equal(t, time.Second, network.RequeryPause())
	assert.Equal(t, 30*24*time.Hour, network.DeclinedExpiration())
	assert.Equal(t, 30*24*time.Hour, network.ArchiveExpiration())
	assert.Equal(t, 10*365*24*time.Hour, network.ApprovedExpiration())
	assert.Equal(t, 5*time.Second, network.FailedExpiration())
}
