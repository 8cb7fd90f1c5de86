// README: Entry point; loads config, wires stores and services, starts pollers, schedulers and the HTTP listener.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"alon/internal/config"
	"alon/internal/forecast"
	alonhttp "alon/internal/http"
	"alon/internal/infra"
	"alon/internal/logging"
	"alon/internal/maps"
	"alon/internal/modules/approval"
	"alon/internal/modules/audit"
	"alon/internal/modules/compliance"
	"alon/internal/modules/compose"
	"alon/internal/modules/event"
	"alon/internal/modules/override"
	"alon/internal/modules/profile"
	"alon/internal/modules/status"
	"alon/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional; env and defaults apply without one)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logging.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := types.WallClock{}

	var pool *pgxpool.Pool
	if cfg.DB.DSN != "" {
		pool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
	}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = infra.NewRedis(cfg.Redis.Addr)
		defer rdb.Close()
	}

	// Stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		trail         audit.Recorder
		profileStore  profile.Store
		overrideStore override.Store
		approvalStore approval.Store
		flagStore     approval.FlagStore
		eventStore    event.Store
	)
	if pool != nil {
		pg := audit.NewPGLog(pool)
		trail = pg
		profileStore = profile.NewPGStore(pool, pg)
		overrideStore = override.NewPGStore(pool, pg)
		approvalStore = approval.NewPGStore(pool, pg)
		flagStore = approval.NewPGFlagStore(pool, pg)
		eventStore = event.NewPGStore(pool, pg)
	} else {
		mem := audit.NewMemoryLog()
		trail = mem
		profileStore = profile.NewMemoryStore(mem)
		overrideStore = override.NewMemoryStore(mem)
		approvalStore = approval.NewMemoryStore(mem)
		flagStore = approval.NewMemoryFlagStore(mem)
		eventStore = event.NewMemoryStore(mem)
	}
	var dedup event.DedupStore = event.NewMemoryDedup(clock)
	if rdb != nil {
		dedup = event.NewRedisDedup(rdb)
	}

	profiles := profile.NewService(profileStore, clock, profile.Defaults{
		MaxMultiplier: cfg.Surge.DefaultMaxMultiplier,
	}, cfg.Surge.ApprovalThreshold)
	approvals := approval.NewService(approvalStore, flagStore, clock, cfg.Surge.NeedsApprovals)
	limits := compliance.NewLimits(profiles, approvals, compliance.Snapshot{
		MaxMultiplier:  cfg.Surge.DefaultMaxMultiplier,
		MaxAdditiveFee: cfg.Surge.MaxAdditiveFee,
		MaxHexes:       cfg.Surge.MaxHexesPerOverride,
		WarnMultiplier: cfg.Surge.WarnMultiplier,
	})
	rules := override.NewService(overrideStore, clock, limits, cfg.Surge.ApprovalThreshold)
	events := event.NewService(eventStore, dedup, clock)

	rules.SetApprovals(approvals)
	profiles.SetApprovals(approvals)
	profiles.SetRuleChecker(rules)
	approvals.RegisterHook(approval.TargetOverride, rules)
	approvals.RegisterHook(approval.TargetProfile, profiles)

	var provider forecast.Provider = forecast.NewStatic()
	if cfg.Forecast.Provider == "gemini" {
		if cfg.Forecast.GeminiKey == "" {
			log.Fatal("forecast.provider is gemini but no gemini_key / ALON_GEMINI_KEY is set")
		}
		gem, err := forecast.NewGemini(ctx, cfg.Forecast.GeminiKey, clock, events.Summarize)
		if err != nil {
			log.Fatal(err)
		}
		defer gem.Close()
		provider = forecast.NewLimited(gem, clock, cfg.Forecast.DailyQuota)
	}
	baseline := forecast.NewCache(provider, clock)

	state := compose.NewStateStore()
	composer := compose.NewComposer(state, profiles, rules, events, baseline, limits, clock, compose.Options{
		Resolution:    cfg.Surge.Resolution,
		MinConfidence: cfg.Forecast.MinConfidence,
		SweepWorkers:  int64(cfg.Surge.SweepConcurrency),
	})
	if rdb != nil {
		composer.SetPublisher(compose.NewRedisPublisher(rdb))
	}

	// Every mutation that changes what riders should pay recomposes its key
	// inline; event ingestion fans out to the region's active keys.
	recompose := func(ctx context.Context, regionID types.ID, serviceKey string) {
		if _, err := composer.Compose(ctx, regionID, serviceKey); err != nil {
			slog.Error("composition failed", slog.String("region", string(regionID)),
				slog.String("service", serviceKey), slog.Any("error", err))
		}
	}
	profiles.SetNotifier(recompose)
	rules.SetNotifier(recompose)
	events.SetNotifier(func(ctx context.Context, regionID types.ID) {
		active, err := profiles.List(ctx, profile.Filter{RegionID: regionID, Status: profile.StatusActive})
		if err != nil {
			slog.Error("event fan-out failed", slog.String("region", string(regionID)), slog.Any("error", err))
			return
		}
		for _, p := range active {
			recompose(ctx, p.RegionID, p.ServiceKey)
		}
	})
	approvals.SetBrakeHook(func(ctx context.Context) {
		if _, err := composer.Sweep(ctx); err != nil {
			slog.Error("emergency sweep failed", slog.Any("error", err))
		}
	})

	supervisor := event.NewSupervisor(events, clock)
	if src := cfg.Sources.Weather; src.Enabled && src.Endpoint != "" {
		supervisor.Register(event.NewWeatherSource(src))
	}
	if src := cfg.Sources.Flights; src.Enabled && src.Endpoint != "" {
		supervisor.Register(event.NewFlightsSource(src))
	}
	if src := cfg.Sources.Concerts; src.Enabled && src.Endpoint != "" {
		supervisor.Register(event.NewConcertsSource(src))
	}
	if src := cfg.Sources.Traffic; src.Enabled && src.MapsKey != "" && len(src.Corridors) > 0 {
		congestion, err := maps.NewCongestionService(src.MapsKey)
		if err != nil {
			log.Fatal(err)
		}
		supervisor.Register(event.NewTrafficSource(src, congestion))
	}
	supervisor.Start(ctx)

	scheduler := compose.NewScheduler(composer, profiles, baseline, 0)
	scheduler.Start(ctx)

	statusBuilder := status.NewBuilder(profiles, rules, approvals, trail, state, composer, clock)
	statusBuilder.SetPollers(supervisor)

	router := alonhttp.NewRouter(alonhttp.Deps{
		Profiles:   profiles,
		Rules:      rules,
		Approvals:  approvals,
		Composer:   composer,
		Limits:     limits,
		Status:     statusBuilder,
		JWTSecret:  cfg.Auth.JWTSecret,
		Resolution: cfg.Surge.Resolution,
	})
	server := alonhttp.NewServer(cfg.HTTP.Addr, router)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()
	slog.Info("alon-api listening", slog.String("addr", cfg.HTTP.Addr),
		slog.Bool("postgres", pool != nil), slog.Bool("redis", rdb != nil))

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errc:
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	// Pollers and tickers stop first so nothing composes mid-shutdown, then
	// the listener drains.
	supervisor.Stop()
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", slog.Any("error", err))
	}
}
