package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validConfig returns a copy of the defaults with a fixed node name
func validConfig() *Configuration {
	c := *Config
	c.NodeName = "test-node"
	c.Publisher.Sinks = nil
	return &c
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
	if Config.Cluster.GRPCAdvertiseAddress == "" {
		t.Error("Expected advertise address to be auto-configured")
	}
}

func TestValidate_InvalidGRPCPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.Cluster.GRPCPort = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid gRPC port %d", port)
		}
	}
}

func TestValidate_EmptyClusterID(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ClusterID = "  "

	if err := Validate(); err == nil {
		t.Error("Expected error for empty cluster id")
	}
}

func TestValidate_Liveness(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(l *LivenessConfiguration)
		errorContains string
	}{
		{
			name:   "Valid: defaults",
			mutate: func(l *LivenessConfiguration) {},
		},
		{
			name: "Invalid: heartbeat equals refresh",
			mutate: func(l *LivenessConfiguration) {
				l.HeartbeatIntervalMS = 1000
				l.TableRefreshIntervalMS = 1000
			},
			errorContains: "must be shorter than table refresh interval",
		},
		{
			name: "Invalid: heartbeat longer than refresh",
			mutate: func(l *LivenessConfiguration) {
				l.HeartbeatIntervalMS = 5000
				l.TableRefreshIntervalMS = 1000
			},
			errorContains: "must be shorter than table refresh interval",
		},
		{
			name:          "Invalid: zero probe timeout",
			mutate:        func(l *LivenessConfiguration) { l.ProbeTimeoutMS = 0 },
			errorContains: "probe timeout",
		},
		{
			name:          "Invalid: zero missed probes limit",
			mutate:        func(l *LivenessConfiguration) { l.NumMissedProbesLimit = 0 },
			errorContains: "missed probes limit",
		},
		{
			name:          "Invalid: unknown probe mode",
			mutate:        func(l *LivenessConfiguration) { l.ProbeMode = "random" },
			errorContains: "invalid probe mode",
		},
		{
			name:          "Invalid: unknown quorum policy",
			mutate:        func(l *LivenessConfiguration) { l.QuorumPolicy = "majority" },
			errorContains: "invalid quorum policy",
		},
		{
			name: "Invalid: zero votes with count policy",
			mutate: func(l *LivenessConfiguration) {
				l.QuorumPolicy = "count"
				l.NumVotesForDeath = 0
			},
			errorContains: "num votes for death",
		},
		{
			name: "Invalid: fraction above one",
			mutate: func(l *LivenessConfiguration) {
				l.QuorumPolicy = "fraction"
				l.VoteFraction = 1.5
			},
			errorContains: "vote fraction",
		},
		{
			name: "Valid: fraction policy",
			mutate: func(l *LivenessConfiguration) {
				l.QuorumPolicy = "fraction"
				l.VoteFraction = 0.34
				l.NumVotesForDeath = 0
			},
		},
		{
			name: "Invalid: indirect probes without fanout",
			mutate: func(l *LivenessConfiguration) {
				l.EnableIndirectProbes = true
				l.IndirectProbeFanout = 0
			},
			errorContains: "indirect probe fanout",
		},
		{
			name:          "Invalid: zero join attempts",
			mutate:        func(l *LivenessConfiguration) { l.MaxJoinAttempts = 0 },
			errorContains: "max join attempts",
		},
		{
			name: "Invalid: cleanup enabled without expiration",
			mutate: func(l *LivenessConfiguration) {
				l.DefunctCleanupIntervalS = 60
				l.DefunctExpirationHours = 0
			},
			errorContains: "defunct expiration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = validConfig()
			tt.mutate(&Config.Liveness)

			err := Validate()
			if tt.errorContains == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.errorContains)
			}
			if !strings.Contains(err.Error(), tt.errorContains) {
				t.Errorf("Expected error containing %q, got: %v", tt.errorContains, err)
			}
		})
	}
}

func TestValidate_TableBackends(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(tc *TableConfiguration)
		expectError bool
	}{
		{"memory", func(tc *TableConfiguration) { tc.Backend = BackendMemory }, false},
		{"pebble", func(tc *TableConfiguration) { tc.Backend = BackendPebble }, false},
		{"sqlite", func(tc *TableConfiguration) { tc.Backend = BackendSQLite }, false},
		{"mysql without dsn", func(tc *TableConfiguration) { tc.Backend = BackendMySQL }, true},
		{"mysql with dsn", func(tc *TableConfiguration) {
			tc.Backend = BackendMySQL
			tc.MySQL.DSN = "root@tcp(127.0.0.1:3306)/burrow"
		}, false},
		{"etcd without endpoints", func(tc *TableConfiguration) { tc.Backend = BackendEtcd }, true},
		{"etcd", func(tc *TableConfiguration) {
			tc.Backend = BackendEtcd
			tc.Etcd.Endpoints = []string{"127.0.0.1:2379"}
		}, false},
		{"nats without url", func(tc *TableConfiguration) { tc.Backend = BackendNATS }, true},
		{"nats", func(tc *TableConfiguration) {
			tc.Backend = BackendNATS
			tc.NATS.URL = "nats://127.0.0.1:4222"
		}, false},
		{"remote without address", func(tc *TableConfiguration) { tc.Backend = BackendRemote }, true},
		{"unknown", func(tc *TableConfiguration) { tc.Backend = "cassandra" }, true},
		{"zero timeout", func(tc *TableConfiguration) { tc.TimeoutMS = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = validConfig()
			tt.mutate(&Config.Table)

			err := Validate()
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestValidate_DuplicateSinkNames(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Publisher.Enabled = true
	Config.Publisher.Sinks = []SinkConfiguration{
		{Name: "events", Type: "kafka"},
		{Name: "events", Type: "nats"},
	}

	if err := Validate(); err == nil {
		t.Error("Expected error for duplicate sink names")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.NodeName = ""
	Config.DataDir = t.TempDir()

	if err := Load("non-existent-file.toml"); err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.NodeName == "" {
		t.Error("Expected node name to be auto-generated")
	}
}

func TestLoad_DecodesFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
cluster_id = "prod"
node_name = "n1"
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[liveness]
probe_timeout_ms = 1500
quorum_policy = "fraction"
vote_fraction = 0.5

[table]
backend = "etcd"

[table.etcd]
endpoints = ["10.0.0.1:2379", "10.0.0.2:2379"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = validConfig()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.ClusterID != "prod" {
		t.Errorf("Expected cluster id prod, got %s", Config.ClusterID)
	}
	if Config.Liveness.ProbeTimeoutMS != 1500 {
		t.Errorf("Expected probe timeout 1500, got %d", Config.Liveness.ProbeTimeoutMS)
	}
	if Config.Liveness.NumMissedProbesLimit != 3 {
		t.Errorf("Expected default missed probes limit to survive decode, got %d", Config.Liveness.NumMissedProbesLimit)
	}
	if Config.Table.Backend != BackendEtcd || len(Config.Table.Etcd.Endpoints) != 2 {
		t.Errorf("Expected etcd backend with 2 endpoints, got %s %v", Config.Table.Backend, Config.Table.Etcd.Endpoints)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected decoded config to validate, got: %v", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*GRPCPortFlag = 9999
	*ClusterIDFlag = "override"
	*NodeNameFlag = "cli-node"

	defer func() {
		*DataDirFlag = ""
		*GRPCPortFlag = 0
		*ClusterIDFlag = ""
		*NodeNameFlag = ""
	}()

	Config = validConfig()
	Config.DataDir = "./default-data"

	if err := Load(""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.Cluster.GRPCPort != 9999 {
		t.Errorf("Expected gRPC port 9999, got %d", Config.Cluster.GRPCPort)
	}
	if Config.ClusterID != "override" {
		t.Errorf("Expected cluster id override, got %s", Config.ClusterID)
	}
	if Config.NodeName != "cli-node" {
		t.Errorf("Expected node name cli-node, got %s", Config.NodeName)
	}
}

func TestLoad_SecretFromEnv(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	t.Setenv("BURROW_CLUSTER_SECRET", "s3cret")

	Config = validConfig()
	Config.DataDir = t.TempDir()

	if err := Load(""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !IsClusterAuthEnabled() {
		t.Error("Expected cluster auth to be enabled")
	}
	if GetClusterSecret() != "s3cret" {
		t.Errorf("Expected secret from env, got %q", GetClusterSecret())
	}
}
