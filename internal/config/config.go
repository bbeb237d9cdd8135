package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	LedgerMemory   = "memory"
	LedgerBolt     = "bolt"
	LedgerPostgres = "postgres"
)

// Peer is a remote voting node.
type Peer struct {
	ID  string
	URL string
}

// Config holds node configuration.
type Config struct {
	NodeID   string
	HTTPAddr string
	Peers    []Peer

	Ledger          string
	DataDir         string
	DatabaseURL     string
	MigrationsDir   string
	DBMaxConns      int
	LedgerCacheSize int

	PositiveRatio      float64
	PositiveConsensus  int
	NegativeConsensus  int
	MaxElectionsTime   time.Duration
	RequeryPause       time.Duration
	DeclinedExpiration time.Duration
	ArchiveExpiration  time.Duration
	ApprovedExpiration time.Duration
	PeerTimeout        time.Duration
	PoolSize           int

	LogLevel string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	nodeID := getenv("P2P_NODE_ID", strings.TrimSpace(hostname))
	if nodeID == "" {
		nodeID = "node-1"
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "ledger")
		pass := getenv("POSTGRES_PASSWORD", "ledger_pass")
		db := getenv("POSTGRES_DB", "ledger")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	peers, err := ParsePeers(getenv("P2P_PEERS", ""))
	if err != nil {
		return nil, err
	}

	dataDir := getenv("P2P_DATA_DIR", "")
	if dataDir == "" {
		dataDir = filepath.Join("tmp", "p2pnode", nodeID)
	}

	cfg := &Config{
		NodeID:   nodeID,
		HTTPAddr: getenv("P2P_HTTP_ADDR", "0.0.0.0:18080"),
		Peers:    peers,

		Ledger:          strings.ToLower(getenv("P2P_LEDGER", LedgerMemory)),
		DataDir:         dataDir,
		DatabaseURL:     dsn,
		MigrationsDir:   getenv("P2P_MIGRATIONS_DIR", filepath.Join("internal", "migrations")),
		DBMaxConns:      parseInt(getenv("P2P_DB_MAX_CONNS", ""), 10),
		LedgerCacheSize: parseInt(getenv("P2P_LEDGER_CACHE_SIZE", ""), 4096),

		PositiveRatio:      parseFloat(getenv("P2P_POSITIVE_RATIO", ""), 0.9),
		PositiveConsensus:  parseInt(getenv("P2P_POSITIVE_CONSENSUS", ""), 0),
		NegativeConsensus:  parseInt(getenv("P2P_NEGATIVE_CONSENSUS", ""), 0),
		MaxElectionsTime:   parseDuration(getenv("P2P_MAX_ELECTIONS_TIME", ""), 5*time.Second),
		RequeryPause:       parseDuration(getenv("P2P_REQUERY_PAUSE", ""), 20*time.Millisecond),
		DeclinedExpiration: parseDuration(getenv("P2P_DECLINED_EXPIRATION", ""), 30*24*time.Hour),
		ArchiveExpiration:  parseDuration(getenv("P2P_ARCHIVE_EXPIRATION", ""), 30*24*time.Hour),
		ApprovedExpiration: parseDuration(getenv("P2P_APPROVED_EXPIRATION", ""), 10*365*24*time.Hour),
		PeerTimeout:        parseDuration(getenv("P2P_PEER_TIMEOUT", ""), 5*time.Second),
		PoolSize:           parseInt(getenv("P2P_POOL_SIZE", ""), 256),

		LogLevel: strings.ToLower(getenv("P2P_LOG_LEVEL", "info")),
	}
	return cfg, nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node id is required"))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	seen := map[string]bool{c.NodeID: true}
	for _, p := range c.Peers {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id %q in peers", p.ID))
		}
		seen[p.ID] = true
	}
	switch c.Ledger {
	case LedgerMemory:
	case LedgerBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("bolt ledger needs a data dir"))
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres ledger needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger %q, want memory, bolt or postgres", c.Ledger))
	}
	if (c.PositiveConsensus > 0) != (c.NegativeConsensus > 0) {
		errs = append(errs, errors.New("positive and negative consensus must be set together"))
	}
	if c.PositiveConsensus == 0 && (c.PositiveRatio <= 0.5 || c.PositiveRatio > 1) {
		errs = append(errs, fmt.Errorf("positive ratio %.3f out of (0.5, 1]", c.PositiveRatio))
	}
	if c.MaxElectionsTime <= 0 || c.RequeryPause <= 0 {
		errs = append(errs, errors.New("election timings must be positive"))
	}
	if c.RequeryPause >= c.MaxElectionsTime {
		errs = append(errs, errors.New("requery pause must be shorter than max elections time"))
	}
	return errors.Join(errs...)
}

// ParsePeers reads "id=url,id=url".
func ParsePeers(raw string) ([]Peer, error) {
	var out []Peer
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid peer %q, want id=url", part)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "http://" + url
		}
		out = append(out, Peer{ID: id, URL: url})
	}
	return out, nil
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return v
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return v
}
