package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/yitech/marketfeed/aggregator"
	"github.com/yitech/marketfeed/model/orderbook"
	"github.com/yitech/marketfeed/rpc"
)

const (
	retryDelay = 3 * time.Second
	// levels printed per book side
	depth = 5
)

func main() {
	addr := getEnv("SERVER_ADDR", "localhost:50051")
	symbol := getEnv("SYMBOL", "ETH/USDC")
	interval := getEnv("INTERVAL", "1m")
	withBook := getEnvBool("ORDERBOOK", false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rpc.Dial(addr)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if withBook {
		go retry(ctx, "orderbook", func(ctx context.Context) error {
			return client.Orderbook(ctx, symbol, printView)
		})
	}
	retry(ctx, "candles", func(ctx context.Context) error {
		return client.Candles(ctx, symbol, interval, printFrame)
	})
}

// retry reopens the stream every retryDelay until ctx is done.
func retry(ctx context.Context, name string, open func(context.Context) error) {
	for {
		if err := open(ctx); err != nil && ctx.Err() == nil {
			log.Printf("%s stream error: %v, retrying in %s", name, err, retryDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func printFrame(f aggregator.Frame) {
	if len(f.Candles) == 0 {
		fmt.Printf("%s %s [%s] no candles\n", f.Symbol, f.Interval, f.Phase)
		return
	}
	c := f.Candles[len(f.Candles)-1]
	fmt.Printf("%s %s [%s] bars=%d t=%s o=%g h=%g l=%g c=%g v=%g\n",
		f.Symbol, f.Interval, f.Phase, len(f.Candles),
		time.Unix(c.Time, 0).UTC().Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}

func printView(v orderbook.View) {
	fmt.Printf("%s book bid=%g ask=%g spread=%s (%s%%) levels=%d/%d\n",
		v.Symbol, v.BestBid, v.BestAsk, v.Spread, v.SpreadPercent, len(v.Bids), len(v.Asks))
	for i := max(0, len(v.Asks)-depth); i < len(v.Asks); i++ {
		printEntry("ask", v, v.Asks[i])
	}
	for i := 0; i < len(v.Bids) && i < depth; i++ {
		printEntry("bid", v, v.Bids[i])
	}
}

func printEntry(side string, v orderbook.View, e orderbook.Entry) {
	bar := strings.Repeat("#", int(v.Intensity(e)*20))
	fmt.Printf("  %s %12s %12s %-20s %s\n", side, e.Price, e.Size, bar, e.Total)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
