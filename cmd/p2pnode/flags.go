package main

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/execution-hub/ledger-node/internal/config"
)

const (
	nodeIDKey            = "node-id"
	httpAddrKey          = "http-addr"
	peersKey             = "peers"
	ledgerKey            = "ledger"
	dataDirKey           = "data-dir"
	databaseURLKey       = "database-url"
	migrationsDirKey     = "migrations-dir"
	positiveRatioKey     = "positive-ratio"
	positiveConsensusKey = "positive-consensus"
	negativeConsensusKey = "negative-consensus"
	maxElectionsTimeKey  = "max-elections-time"
	requeryPauseKey      = "requery-pause"
	peerTimeoutKey       = "peer-timeout"
	logLevelKey          = "log-level"
)

// AddFlags registers overrides for the environment configuration. Unset flags
// leave the environment value in place.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(nodeIDKey, "", "id of this node (P2P_NODE_ID)")
	flags.String(httpAddrKey, "", "listen address (P2P_HTTP_ADDR)")
	flags.String(peersKey, "", "remote peers as id=url,id=url (P2P_PEERS)")
	flags.String(ledgerKey, "", "ledger backend: memory, bolt or postgres (P2P_LEDGER)")
	flags.String(dataDirKey, "", "directory of the bolt ledger (P2P_DATA_DIR)")
	flags.String(databaseURLKey, "", "postgres dsn (DATABASE_URL)")
	flags.String(migrationsDirKey, "", "postgres migrations directory (P2P_MIGRATIONS_DIR)")
	flags.Float64(positiveRatioKey, 0, "share of nodes needed to approve (P2P_POSITIVE_RATIO)")
	flags.Int(positiveConsensusKey, 0, "explicit positive threshold (P2P_POSITIVE_CONSENSUS)")
	flags.Int(negativeConsensusKey, 0, "explicit negative threshold (P2P_NEGATIVE_CONSENSUS)")
	flags.Duration(maxElectionsTimeKey, 0, "election deadline (P2P_MAX_ELECTIONS_TIME)")
	flags.Duration(requeryPauseKey, 0, "pause between peer polls (P2P_REQUERY_PAUSE)")
	flags.Duration(peerTimeoutKey, 0, "http timeout for peer calls (P2P_PEER_TIMEOUT)")
	flags.String(logLevelKey, "", "log level (P2P_LOG_LEVEL)")
}

// ApplyFlags overwrites cfg with every flag set on the command line.
func ApplyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	str := func(key string, dst *string) {
		if err != nil || !flags.Changed(key) {
			return
		}
		var v string
		v, err = flags.GetString(key)
		*dst = strings.TrimSpace(v)
	}
	str(nodeIDKey, &cfg.NodeID)
	str(httpAddrKey, &cfg.HTTPAddr)
	str(dataDirKey, &cfg.DataDir)
	str(databaseURLKey, &cfg.DatabaseURL)
	str(migrationsDirKey, &cfg.MigrationsDir)
	str(ledgerKey, &cfg.Ledger)
	str(logLevelKey, &cfg.LogLevel)
	if err != nil {
		return err
	}
	cfg.Ledger = strings.ToLower(cfg.Ledger)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if flags.Changed(peersKey) {
		raw, err := flags.GetString(peersKey)
		if err != nil {
			return err
		}
		if cfg.Peers, err = config.ParsePeers(raw); err != nil {
			return err
		}
	}
	if flags.Changed(positiveRatioKey) {
		if cfg.PositiveRatio, err = flags.GetFloat64(positiveRatioKey); err != nil {
			return err
		}
	}
	if flags.Changed(positiveConsensusKey) {
		if cfg.PositiveConsensus, err = flags.GetInt(positiveConsensusKey); err != nil {
			return err
		}
	}
	if flags.Changed(negativeConsensusKey) {
		if cfg.NegativeConsensus, err = flags.GetInt(negativeConsensusKey); err != nil {
			return err
		}
	}
	if flags.Changed(maxElectionsTimeKey) {
		if cfg.MaxElectionsTime, err = flags.GetDuration(maxElectionsTimeKey); err != nil {
			return err
		}
	}
	if flags.Changed(requeryPauseKey) {
		if cfg.RequeryPause, err = flags.GetDuration(requeryPauseKey); err != nil {
			return err
		}
	}
	if flags.Changed(peerTimeoutKey) {
		if cfg.PeerTimeout, err = flags.GetDuration(peerTimeoutKey); err != nil {
			return err
		}
	}
	return nil
}
