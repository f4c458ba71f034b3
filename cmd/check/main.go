// Command check validates a config file against the live venues
// without trading: it resolves both instruments, queries balances and
// optionally waits for both streams to deliver a book.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/logging"
	"hedge-volume-bot/internal/replica"
	"hedge-volume-bot/internal/venue"
	"hedge-volume-bot/internal/venue/grvt"
	"hedge-volume-bot/internal/venue/lighter"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	checkStreams := flag.Bool("streams", false, "also wait for both stream replicas to become ready")
	timeout := flag.Duration("timeout", 30*time.Second, "overall check timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	for _, vc := range []config.VenueConfig{cfg.VenueA, cfg.VenueB} {
		conn, err := build(vc, log)
		if err != nil {
			fatal(err)
		}
		if err := checkVenue(ctx, conn, cfg, *checkStreams, log); err != nil {
			fatal(fmt.Errorf("%s: %w", conn.Name(), err))
		}
	}
	fmt.Println("ok")
}

func build(vc config.VenueConfig, log *zap.Logger) (venue.Connector, error) {
	switch vc.Kind {
	case config.VenueKindLighter:
		return lighter.New(vc, log), nil
	case config.VenueKindGRVT:
		return grvt.New(vc, log)
	default:
		return nil, fmt.Errorf("unknown venue kind %q", vc.Kind)
	}
}

func checkVenue(ctx context.Context, conn venue.Connector, cfg *config.Config, checkStream bool, log *zap.Logger) error {
	if init, ok := conn.(interface{ Init(context.Context) error }); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	fmt.Printf("%s: tick_size=%g size_increment=%g market_orders=%t\n",
		conn.Name(), conn.TickSize(), conn.SizeIncrement(), conn.SupportsMarketOrders())

	balance, err := conn.QueryBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	fmt.Printf("%s: balance=%.2f USD\n", conn.Name(), balance)

	position, err := conn.QueryPosition(ctx)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if position != 0 {
		fmt.Printf("%s: WARNING open position %.8f\n", conn.Name(), position)
	}

	if !checkStream {
		return nil
	}
	rep := replica.New(conn, replica.Config{
		BackoffBase: cfg.Stream.BackoffBase,
		BackoffMax:  cfg.Stream.BackoffMax,
	}, log, nil)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = rep.Run(streamCtx) }()
	for {
		book, err := rep.Book()
		if err == nil {
			fmt.Printf("%s: book bid=%.4f ask=%.4f seq=%d\n", conn.Name(), book.Bid, book.Ask, book.Sequence)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stream: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
	os.Exit(1)
}
