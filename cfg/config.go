package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TableBackend selects where the membership table lives
type TableBackend string

const (
	BackendMemory TableBackend = "memory"
	BackendPebble TableBackend = "pebble"
	BackendSQLite TableBackend = "sqlite"
	BackendMySQL  TableBackend = "mysql"
	BackendEtcd   TableBackend = "etcd"
	BackendNATS   TableBackend = "nats"
	BackendRemote TableBackend = "remote"
)

// ProbeMode selects the failure detector target set
const (
	ProbeModeRing = "ring"
	ProbeModeAll  = "all"
)

// ClusterConfiguration identifies this node and its listener
type ClusterConfiguration struct {
	GRPCBindAddress      string `toml:"grpc_bind_address"`
	GRPCAdvertiseAddress string `toml:"grpc_advertise_address"` // host other nodes dial (defaults to hostname)
	GRPCPort             int    `toml:"grpc_port"`
	RoleName             string `toml:"role_name"`
	ClusterSecret        string `toml:"cluster_secret"` // PSK for gRPC and admin, empty disables auth
}

// LivenessConfiguration controls heartbeats, probing and death declaration
type LivenessConfiguration struct {
	HeartbeatIntervalMS       int     `toml:"heartbeat_interval_ms"`
	TableRefreshIntervalMS    int     `toml:"table_refresh_interval_ms"`
	ProbeTimeoutMS            int     `toml:"probe_timeout_ms"`
	NumMissedProbesLimit      int     `toml:"num_missed_probes_limit"`
	NumProbedNodes            int     `toml:"num_probed_nodes"`
	ProbeMode                 string  `toml:"probe_mode"` // "ring" or "all"
	DeathVoteExpirationMS     int     `toml:"death_vote_expiration_ms"`
	QuorumPolicy              string  `toml:"quorum_policy"` // "count" or "fraction"
	NumVotesForDeath          int     `toml:"num_votes_for_death"`
	VoteFraction              float64 `toml:"vote_fraction"`
	MajorityCap               bool    `toml:"majority_cap"`
	UseGossip                 bool    `toml:"use_gossip"`
	EnableIndirectProbes      bool    `toml:"enable_indirect_probes"`
	IndirectProbeFanout       int     `toml:"indirect_probe_fanout"`
	ExtendProbeTimeout        bool    `toml:"extend_probe_timeout"`
	NumMissedHeartbeatsWarn   int     `toml:"num_missed_heartbeats_warn"`
	MaxJoinAttempts           int     `toml:"max_join_attempts"`
	CASAttempts               int     `toml:"cas_attempts"`
	DefunctCleanupIntervalS   int     `toml:"defunct_cleanup_interval_seconds"` // 0 disables
	DefunctExpirationHours    int     `toml:"defunct_expiration_hours"`
	MetricsCollectIntervalSec int     `toml:"metrics_collect_interval_seconds"`
}

// PebbleTableConfiguration stores the table in a local pebble DB (single node, tests)
type PebbleTableConfiguration struct {
	Path string `toml:"path"`
}

// SQLTableConfiguration is shared by sqlite and mysql
type SQLTableConfiguration struct {
	DSN       string `toml:"dsn"`
	TableName string `toml:"table_name"`
}

// EtcdTableConfiguration points at an etcd cluster
type EtcdTableConfiguration struct {
	Endpoints     []string `toml:"endpoints"`
	Prefix        string   `toml:"prefix"`
	DialTimeoutMS int      `toml:"dial_timeout_ms"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
}

// NATSTableConfiguration points at a JetStream KV bucket
type NATSTableConfiguration struct {
	URL      string `toml:"url"`
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`
}

// RemoteTableConfiguration uses a table hosted by another node
type RemoteTableConfiguration struct {
	Address string `toml:"address"`
}

// TableConfiguration selects and configures the membership table backend
type TableConfiguration struct {
	Backend   TableBackend             `toml:"backend"`
	HostTable bool                     `toml:"host_table"` // serve this node's table to remote-backend peers
	TimeoutMS int                      `toml:"timeout_ms"`
	Pebble    PebbleTableConfiguration `toml:"pebble"`
	SQLite    SQLTableConfiguration    `toml:"sqlite"`
	MySQL     SQLTableConfiguration    `toml:"mysql"`
	Etcd      EtcdTableConfiguration   `toml:"etcd"`
	NATS      NATSTableConfiguration   `toml:"nats"`
	Remote    RemoteTableConfiguration `toml:"remote"`
}

// GRPCClientConfiguration controls peer connections
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
	GossipTimeoutMS         int `toml:"gossip_timeout_ms"`
	CompressionLevel        int `toml:"compression_level"` // zstd level 1-4, 0 disables
}

// SinkConfiguration configures one membership event sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterRoles     []string `toml:"filter_roles"`
	FilterHosts     []string `toml:"filter_hosts"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls membership change publishing
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration controls the HTTP admin API
type AdminConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfiguration controls logging
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration controls metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the root configuration
type Configuration struct {
	ClusterID string `toml:"cluster_id"`
	NodeName  string `toml:"node_name"`
	DataDir   string `toml:"data_dir"`

	Cluster    ClusterConfiguration    `toml:"cluster"`
	Liveness   LivenessConfiguration   `toml:"liveness"`
	Table      TableConfiguration      `toml:"table"`
	GRPCClient GRPCClientConfiguration `toml:"grpc_client"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	GRPCPortFlag   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
	ClusterIDFlag  = flag.String("cluster-id", "", "Cluster identifier (overrides config)")
	NodeNameFlag   = flag.String("node-name", "", "Node name (overrides config, empty=auto)")
)

// Default configuration
var Config = &Configuration{
	ClusterID: "default",
	DataDir:   "./burrow-data",

	Cluster: ClusterConfiguration{
		GRPCBindAddress: "0.0.0.0",
		GRPCPort:        11111,
		RoleName:        "default",
	},

	Liveness: LivenessConfiguration{
		HeartbeatIntervalMS:       30000,
		TableRefreshIntervalMS:    60000,
		ProbeTimeoutMS:            10000,
		NumMissedProbesLimit:      3,
		NumProbedNodes:            3,
		ProbeMode:                 ProbeModeRing,
		DeathVoteExpirationMS:     120000,
		QuorumPolicy:              "count",
		NumVotesForDeath:          2,
		VoteFraction:              0.5,
		MajorityCap:               true,
		UseGossip:                 true,
		EnableIndirectProbes:      false,
		IndirectProbeFanout:       2,
		ExtendProbeTimeout:        true,
		NumMissedHeartbeatsWarn:   2,
		MaxJoinAttempts:           10,
		CASAttempts:               3,
		DefunctCleanupIntervalS:   0,
		DefunctExpirationHours:    24 * 7,
		MetricsCollectIntervalSec: 15,
	},

	Table: TableConfiguration{
		Backend:   BackendPebble,
		TimeoutMS: 5000,
		SQLite: SQLTableConfiguration{
			TableName: "membership",
		},
		MySQL: SQLTableConfiguration{
			TableName: "membership",
		},
		Etcd: EtcdTableConfiguration{
			Prefix:        "/burrow",
			DialTimeoutMS: 5000,
		},
		NATS: NATSTableConfiguration{
			Bucket:   "burrow-membership",
			Replicas: 1,
		},
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		GossipTimeoutMS:         2000,
		CompressionLevel:        0,
	},

	Admin: AdminConfiguration{
		Enabled: true,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *GRPCPortFlag != 0 {
		Config.Cluster.GRPCPort = *GRPCPortFlag
	}
	if *ClusterIDFlag != "" {
		Config.ClusterID = *ClusterIDFlag
	}
	if *NodeNameFlag != "" {
		Config.NodeName = *NodeNameFlag
	}

	if secret := os.Getenv("BURROW_CLUSTER_SECRET"); secret != "" {
		Config.Cluster.ClusterSecret = secret
	}

	if Config.NodeName == "" {
		name, err := generateNodeName()
		if err != nil {
			return fmt.Errorf("failed to generate node name: %w", err)
		}
		Config.NodeName = name
		log.Info().Str("node_name", name).Msg("Auto-generated node name")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeName derives a stable name from the machine ID
func generateNodeName() (string, error) {
	id, err := machineid.ProtectedID("burrow")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return "node-" + strconv.FormatUint(h.Sum64(), 36), nil
}

// Validate checks configuration for errors
func Validate() error {
	if strings.TrimSpace(Config.ClusterID) == "" {
		return fmt.Errorf("cluster_id must not be empty")
	}

	if Config.Cluster.GRPCPort < 1 || Config.Cluster.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", Config.Cluster.GRPCPort)
	}

	if Config.Cluster.GRPCAdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.GRPCAdvertiseAddress = hostname
		log.Info().
			Str("advertise_address", hostname).
			Msg("Auto-configured gRPC advertise address")
	}

	if err := validateLiveness(&Config.Liveness); err != nil {
		return err
	}
	if err := validateTable(&Config.Table); err != nil {
		return err
	}

	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}
	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}
	if Config.GRPCClient.GossipTimeoutMS < 1 {
		return fmt.Errorf("gossip timeout must be >= 1ms")
	}
	if Config.GRPCClient.CompressionLevel < 0 || Config.GRPCClient.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 0 and 4, got %d", Config.GRPCClient.CompressionLevel)
	}

	if Config.Publisher.Enabled {
		seen := make(map[string]bool, len(Config.Publisher.Sinks))
		for _, s := range Config.Publisher.Sinks {
			if s.Name == "" {
				return fmt.Errorf("publisher sink name is required")
			}
			if seen[s.Name] {
				return fmt.Errorf("duplicate publisher sink name: %s", s.Name)
			}
			seen[s.Name] = true
		}
	}

	return nil
}

func validateLiveness(l *LivenessConfiguration) error {
	if l.HeartbeatIntervalMS < 1 {
		return fmt.Errorf("heartbeat interval must be >= 1ms")
	}
	if l.TableRefreshIntervalMS < 1 {
		return fmt.Errorf("table refresh interval must be >= 1ms")
	}
	if l.HeartbeatIntervalMS >= l.TableRefreshIntervalMS {
		return fmt.Errorf("heartbeat interval (%dms) must be shorter than table refresh interval (%dms)",
			l.HeartbeatIntervalMS, l.TableRefreshIntervalMS)
	}
	if l.ProbeTimeoutMS < 1 {
		return fmt.Errorf("probe timeout must be >= 1ms")
	}
	if l.NumMissedProbesLimit < 1 {
		return fmt.Errorf("num missed probes limit must be >= 1")
	}
	if l.NumProbedNodes < 1 {
		return fmt.Errorf("num probed nodes must be >= 1")
	}
	if l.ProbeMode != ProbeModeRing && l.ProbeMode != ProbeModeAll {
		return fmt.Errorf("invalid probe mode: %s", l.ProbeMode)
	}
	if l.DeathVoteExpirationMS < 1 {
		return fmt.Errorf("death vote expiration must be >= 1ms")
	}

	switch l.QuorumPolicy {
	case "count":
		if l.NumVotesForDeath < 1 {
			return fmt.Errorf("num votes for death must be >= 1")
		}
	case "fraction":
		if l.VoteFraction <= 0 || l.VoteFraction > 1 {
			return fmt.Errorf("vote fraction must be in (0, 1], got %v", l.VoteFraction)
		}
	default:
		return fmt.Errorf("invalid quorum policy: %s", l.QuorumPolicy)
	}

	if l.EnableIndirectProbes && l.IndirectProbeFanout < 1 {
		return fmt.Errorf("indirect probe fanout must be >= 1 when indirect probes are enabled")
	}
	if l.MaxJoinAttempts < 1 {
		return fmt.Errorf("max join attempts must be >= 1")
	}
	if l.CASAttempts < 1 {
		return fmt.Errorf("CAS attempts must be >= 1")
	}
	if l.DefunctCleanupIntervalS < 0 {
		return fmt.Errorf("defunct cleanup interval must be >= 0")
	}
	if l.DefunctCleanupIntervalS > 0 && l.DefunctExpirationHours < 1 {
		return fmt.Errorf("defunct expiration must be >= 1 hour")
	}
	return nil
}

func validateTable(t *TableConfiguration) error {
	if t.TimeoutMS < 1 {
		return fmt.Errorf("table timeout must be >= 1ms")
	}

	switch t.Backend {
	case BackendMemory, BackendPebble:
	case BackendSQLite:
		if t.SQLite.TableName == "" {
			return fmt.Errorf("sqlite table name is required")
		}
	case BackendMySQL:
		if t.MySQL.DSN == "" {
			return fmt.Errorf("mysql backend requires table.mysql.dsn")
		}
		if t.MySQL.TableName == "" {
			return fmt.Errorf("mysql table name is required")
		}
	case BackendEtcd:
		if len(t.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd backend requires at least one endpoint")
		}
	case BackendNATS:
		if t.NATS.URL == "" {
			return fmt.Errorf("nats backend requires table.nats.url")
		}
		if t.NATS.Bucket == "" {
			return fmt.Errorf("nats backend requires a bucket name")
		}
	case BackendRemote:
		if t.Remote.Address == "" {
			return fmt.Errorf("remote backend requires table.remote.address")
		}
	default:
		return fmt.Errorf("unknown table backend: %s", t.Backend)
	}
	return nil
}

// IsClusterAuthEnabled reports whether a cluster secret is configured
func IsClusterAuthEnabled() bool {
	return Config.Cluster.ClusterSecret != ""
}

// GetClusterSecret returns the configured cluster secret
func GetClusterSecret() string {
	return Config.Cluster.ClusterSecret
}
