// road-service detects road defects from vehicle accelerometer streams and ranks them
// into a maintenance worklist.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"road-service/internal/analytics"
	"road-service/internal/api"
	"road-service/internal/archive"
	"road-service/internal/cache"
	"road-service/internal/config"
	"road-service/internal/log"
	"road-service/internal/session"
	"road-service/internal/vision"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "road-service",
		Short: "Road defect detection service",
		Long: `road-service turns accelerometer and GPS streams from survey vehicles into
road defect detections, clusters repeated detections of the same defect and
ranks them into a maintenance worklist.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	root.AddCommand(serveCmd(&configPath), replayCmd(&configPath), archiveCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Debug); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	tracker := analytics.NewTracker(50)
	collab := session.Collaborators{Tracker: tracker}
	var recent api.RecentEvents

	if cfg.Redis.Addr != "" {
		redisClient, err := cache.NewRedisClient(ctx, cache.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			EventTTL:    cfg.Redis.EventTTL,
			RecentLimit: cfg.Redis.RecentLimit,
		})
		if err != nil {
			log.Warnw("Redis mirror disabled", "error", err)
		} else {
			defer redisClient.Close()
			collab.Mirror = redisClient
			recent = redisClient
		}
	}

	if cfg.Archive.Path != "" {
		db, err := archive.Open(ctx, cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		collab.Archiver = db
	}

	if cfg.Vision.Endpoint != "" {
		collab.Verifier = vision.NewHTTPVerifier(cfg.Vision.Endpoint, cfg.Vision.Timeout)
	}

	manager := session.NewManager(session.Config{
		Detection:       cfg.DetectionEngineConfig(),
		ClusterRadius:   cfg.Cluster.RadiusMeters,
		ClusterInterval: cfg.Cluster.Interval,
		SampleQueue:     cfg.Session.SampleQueue,
		Refiner: vision.RefinerConfig{
			Workers:          cfg.Vision.Workers,
			QueueSize:        cfg.Vision.QueueSize,
			Timeout:          cfg.Vision.Timeout,
			AcceptConfidence: cfg.Vision.AcceptConfidence,
		},
	}, collab)

	server := api.NewServer(cfg.Server, manager, tracker, recent)
	runErr := server.Run(ctx)

	// Flush a session that was still running when the server went down.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if summary, err := manager.Stop(stopCtx); err == nil {
		log.Infow("flushed active session on shutdown", "session_id", summary.ID, "events", summary.Events)
	} else if !errors.Is(err, session.ErrNoSession) {
		log.Errorw("failed to flush active session", "error", err)
	}

	return runErr
}

func replayCmd(configPath *string) *cobra.Command {
	var radius float64

	cmd := &cobra.Command{
		Use:   "replay <trace.csv|->",
		Short: "Replay a recorded sample trace and print events and worklist as JSON",
		Long: `replay feeds a recorded trace through the detection engine offline. The trace
is CSV with the columns timestamp_ms,ax,ay,az,lat,lon,speed_kmh; an empty lat or
lon marks a sample without a GPS fix. Replaying the same trace always produces
the same events and worklist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			in := io.Reader(cmd.InOrStdin())
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open trace: %w", err)
				}
				defer f.Close()
				in = f
			}

			trace, err := session.ReadTrace(in)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("radius") {
				radius = cfg.Cluster.RadiusMeters
			}
			result := session.Replay(cfg.DetectionEngineConfig(), radius, trace)
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().Float64Var(&radius, "radius", 0, "cluster radius in meters (default from config)")
	return cmd
}

func archiveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived sessions",
	}

	open := func(ctx context.Context) (*archive.SQLiteArchive, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		if cfg.Archive.Path == "" {
			return nil, errors.New("archive.path is not configured")
		}
		return archive.Open(ctx, cfg.Archive.Path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sessions)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the events and worklist of an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.LoadEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			clusters, err := db.LoadClusters(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), session.ReplayResult{Events: events, Worklist: clusters})
		},
	})

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
