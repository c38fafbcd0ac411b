package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

const statsInterval = 5 * time.Second

func parseStyles(csv string) ([]models.ShowStyle, error) {
	var out []models.ShowStyle
	for _, f := range strings.Split(csv, ",") {
		st, err := models.ParseShowStyle(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func main() {
	var (
		server     = flag.String("server", "http://localhost:8787", "mediation server base URL")
		styles     = flag.String("styles", "interstitial,video,banner_bottom", "comma-separated show styles")
		placements = flag.String("placements", "level_end,main_menu", "comma-separated placement names")
		users      = flag.Int("users", 100, "number of unique users")
		sessions   = flag.Int("sessions", 200, "sessions to run (0 for unlimited)")
		conc       = flag.Int("concurrency", 1, "concurrent sessions")
		duration   = flag.Duration("duration", 0, "how long to run (0 to disable)")
		clickRate  = flag.Float64("click-rate", 0.05, "probability of a click per shown ad")
		stats      = flag.Bool("stats", false, "print aggregated stats periodically")
		debug      = flag.Bool("debug", false, "enable verbose debug logs")
	)
	flag.Parse()

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	logger, err := observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	st, err := parseStyles(*styles)
	if err != nil {
		logger.Fatal("invalid styles", zap.Error(err))
	}

	sim := &Simulator{
		Server:     *server,
		Styles:     st,
		Placements: strings.Split(*placements, ","),
		Users:      *users,
		ClickRate:  *clickRate,
		Client:     &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logger.Info("traffic stats", sim.Stats.fields()...)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	remaining := int64(*sessions)
	jobs := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for *sessions == 0 || remaining > 0 {
			select {
			case jobs <- struct{}{}:
				remaining--
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := 0; i < max(*conc, 1); i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for range jobs {
				if err := sim.Session(gctx, r); err != nil && gctx.Err() == nil {
					logger.Warn("session failed", zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("traffic finished", sim.Stats.fields()...)
}
