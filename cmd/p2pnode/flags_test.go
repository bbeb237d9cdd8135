package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/ledger-node/internal/config"
)

func TestApplyFlagsOverridesOnlySetFlags(t *testing.T) {
	flags := pflag.NewFlagSet("p2pnode", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--node-id", "node-b",
		"--ledger", "BOLT",
		"--peers", "node-a=127.0.0.1:18081",
		"--max-elections-time", "2s",
		"--positive-consensus", "3",
	}))

	cfg := &config.Config{
		NodeID:            "node-x",
		HTTPAddr:          "0.0.0.0:18080",
		Ledger:            config.LedgerMemory,
		PositiveRatio:     0.9,
		NegativeConsensus: 2,
		RequeryPause:      20 * time.Millisecond,
		LogLevel:          "info",
	}
	require.NoError(t, ApplyFlags(flags, cfg))

	assert.Equal(t, "node-b", cfg.NodeID)
	assert.Equal(t, config.LedgerBolt, cfg.Ledger)
	assert.Equal(t, []config.Peer{{ID: "node-a", URL: "http://127.0.0.1:18081"}}, cfg.Peers)
	assert.Equal(t, 2*time.Second, cfg.MaxElectionsTime)
	assert.Equal(t, 3, cfg.PositiveConsensus)

	assert.Equal(t, "0.0.0.0:18080", cfg.HTTPAddr)
	assert.Equal(t, 0.9, cfg.PositiveRatio)
	assert.Equal(t, 2, cfg.NegativeConsensus)
	assert.Equal(t, 20*time.Millisecond, cfg.RequeryPause)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestApplyFlagsRejectsBadPeers(t *testing.T) {
	flags := pflag.NewFlagSet("p2pnode", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse([]string{"--peers", "no-url"}))

	assert.Error(t, ApplyFlags(flags, &config.Config{}))
}
