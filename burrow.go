package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/burrow/admin"
	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/db"
	burrowgrpc "github.com/maxpert/burrow/grpc"
	"github.com/maxpert/burrow/membership"
	"github.com/maxpert/burrow/publisher"
	_ "github.com/maxpert/burrow/publisher/sink"
	"github.com/maxpert/burrow/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("cluster_id", cfg.Config.ClusterID).
		Str("node_name", cfg.Config.NodeName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Burrow - cluster membership and failure detection")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	burrowgrpc.RegisterZstdCompressor(cfg.Config.GRPCClient.CompressionLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("backend", string(cfg.Config.Table.Backend)).Msg("Failed to open membership table")
		return
	}
	defer store.Close()

	self := membership.NewNodeAddress(
		cfg.Config.Cluster.GRPCAdvertiseAddress,
		cfg.Config.Cluster.GRPCPort,
		membership.AllocateGeneration(),
	)

	client := burrowgrpc.NewClient(self, time.Duration(cfg.Config.GRPCClient.GossipTimeoutMS)*time.Millisecond)
	defer client.Close()

	hostName, _ := os.Hostname()
	manager, err := membership.NewManager(livenessConfig(), store, membership.NodeInfo{
		Address:  self,
		HostName: hostName,
		RoleName: cfg.Config.Cluster.RoleName,
		NodeName: cfg.Config.NodeName,
	}, client)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create membership manager")
		return
	}

	selfDead := make(chan string, 1)
	manager.OnSelfDead(func(reason string) {
		selfDead <- reason
	})

	// drop cached connections to nodes that will never answer again
	manager.Oracle().OnChange(func(c membership.Change) {
		if c.Current == membership.StatusDead {
			client.Disconnect(c.Address)
		}
	})

	server := startServer(manager, client, store)
	defer server.Stop()

	var registry *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			ClusterID:   cfg.Config.ClusterID,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize membership publisher")
			return
		}
		registry.Observe(manager.Oracle())
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start membership publisher")
			return
		}
		defer registry.Stop()
	}

	log.Info().Str("node", self.String()).Msg("Joining cluster")
	if err := manager.Join(ctx); err != nil {
		msg := "Membership table unavailable during join"
		if errors.Is(err, membership.ErrJoinExhausted) {
			msg = "Unable to insert own membership row"
		}
		log.Fatal().Err(err).Msg(msg)
		return
	}
	if err := manager.BecomeActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to become active")
		return
	}
	manager.Start()

	detector := membership.NewDetector(manager, client)
	detector.Start()

	collector := telemetry.NewMetricsCollector(
		manager.Oracle(),
		membership.LifecycleStatusNames(),
		time.Duration(cfg.Config.Liveness.MetricsCollectIntervalSec)*time.Second,
	)
	collector.Start()

	log.Info().
		Str("node", self.String()).
		Str("backend", string(cfg.Config.Table.Backend)).
		Dur("stabilization", manager.StabilizationTime(false)).
		Msg("Node is active")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		detector.Stop()
		collector.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.ShutDown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to write graceful shutdown status")
		}

	case reason := <-selfDead:
		detector.Stop()
		collector.Stop()
		// a new incarnation must rejoin with a fresh generation
		log.Fatal().Str("reason", reason).Msg("Declared dead by the cluster, exiting")
	}
}

// openStore opens the configured membership table, instrumented with table metrics
func openStore(ctx context.Context) (db.Store, error) {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cfg.Config.Table.Backend == cfg.BackendRemote {
		remote, err := burrowgrpc.DialRemoteStore(cfg.Config.Table.Remote.Address)
		if err != nil {
			return nil, err
		}
		return db.Instrument(remote), nil
	}

	store, err := db.NewStore(openCtx, cfg.Config)
	if err != nil {
		return nil, err
	}
	return db.Instrument(store), nil
}

func startServer(manager *membership.Manager, client *burrowgrpc.Client, store membership.Store) *burrowgrpc.Server {
	server := burrowgrpc.NewServer(burrowgrpc.ServerConfig{
		Address: cfg.Config.Cluster.GRPCBindAddress,
		Port:    cfg.Config.Cluster.GRPCPort,
	})

	server.RegisterMembership(burrowgrpc.NewMembershipService(manager, client))

	if cfg.Config.Table.HostTable && cfg.Config.Table.Backend != cfg.BackendRemote {
		server.RegisterTable(burrowgrpc.NewTableService(store))
		log.Info().Msg("Serving membership table to remote-backend peers")
	}

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		server.Handle("/metrics", handler)
	}

	if cfg.Config.Admin.Enabled {
		admin.RegisterRoutes(server, admin.NewAdminHandlers(manager, store))
	}

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gRPC server")
	}
	return server
}

// livenessConfig maps the [liveness] section onto membership settings
func livenessConfig() membership.Config {
	l := cfg.Config.Liveness
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	c := membership.DefaultConfig()
	c.HeartbeatInterval = ms(l.HeartbeatIntervalMS)
	c.TableRefreshInterval = ms(l.TableRefreshIntervalMS)
	c.TableTimeout = ms(cfg.Config.Table.TimeoutMS)
	c.ProbeTimeout = ms(l.ProbeTimeoutMS)
	c.NumMissedProbesLimit = l.NumMissedProbesLimit
	c.NumProbedNodes = l.NumProbedNodes
	c.ProbeMode = membership.ProbeMode(l.ProbeMode)
	c.EnableIndirectProbes = l.EnableIndirectProbes
	c.IndirectProbeFanout = l.IndirectProbeFanout
	c.ExtendProbeTimeout = l.ExtendProbeTimeout
	c.DeathVoteExpiration = ms(l.DeathVoteExpirationMS)
	c.Quorum = membership.Quorum{
		Policy:      membership.QuorumPolicy(l.QuorumPolicy),
		Votes:       l.NumVotesForDeath,
		Fraction:    l.VoteFraction,
		MajorityCap: l.MajorityCap,
	}
	c.UseGossip = l.UseGossip
	c.NumMissedHeartbeatsLimit = l.NumMissedHeartbeatsWarn
	c.MaxJoinAttempts = l.MaxJoinAttempts
	c.CASAttempts = l.CASAttempts
	c.DefunctCleanupInterval = time.Duration(l.DefunctCleanupIntervalS) * time.Second
	c.DefunctExpiration = time.Duration(l.DefunctExpirationHours) * time.Hour
	return c
}
