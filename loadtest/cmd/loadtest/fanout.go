package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tripline/realtime/loadtest/client"
	"github.com/tripline/realtime/loadtest/stats"
)

// runFanout implements the chat fanout test. It attaches pairs of users to
// dedicated channels; in each pair one user sends messages at a fixed rate
// and the other measures how long each message took to arrive. The send
// timestamp rides in the message content, so sender and receiver must share
// a clock (run them in one process, as here).
//
// The server rejects messages from users that are not channel participants,
// so the ft-* channels and users must be seeded in Postgres before running.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	endpoint := fs.String("endpoint", "ws://localhost:8080/ws/chat", "WebSocket endpoint")
	secret := fs.String("secret", "", "JWT secret shared with the server")
	channels := fs.Int("channels", 100, "Number of channel pairs")
	rate := fs.Float64("rate", 1.0, "Messages per second per sender")
	duration := fs.Duration("duration", 30*time.Second, "Send phase duration")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape during the test (optional)")
	fs.Parse(args)

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "fanout: -secret is required")
		os.Exit(1)
	}
	if *rate <= 0 {
		fmt.Fprintln(os.Stderr, "fanout: -rate must be positive")
		os.Exit(1)
	}

	fmt.Printf("Fanout test: %d channel pairs on %s (rate=%.1f msg/s, duration=%s)\n",
		*channels, *endpoint, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// -----------------------------------------------------------------------
	// Attach phase: two users per channel.
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Attach phase ---")

	type pair struct {
		sender   *client.Client
		receiver *client.Client
	}
	pairs := make([]pair, 0, *channels)
	var mu sync.Mutex

	var wg sync.WaitGroup
	sem := make(chan struct{}, 50)
	for i := 0; i < *channels; i++ {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			channelID := fmt.Sprintf("ft-%d", i)
			p, err := attachPair(ctx, *endpoint, *secret, channelID, i, collector)
			if err != nil {
				collector.AddError()
				return
			}

			mu.Lock()
			pairs = append(pairs, pair{sender: p[0], receiver: p[1]})
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Printf("Attached %d/%d pairs (%d errors)\n",
		len(pairs), *channels, collector.ErrorCount())
	if len(pairs) == 0 {
		collector.Report()
		return
	}

	// Receivers parse the send timestamp out of the message content.
	for _, p := range pairs {
		p.receiver.On(client.TypeMessageReceived, func(raw json.RawMessage) {
			var env struct {
				Data struct {
					Content string `json:"content"`
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &env); err != nil {
				return
			}
			sentNanos, ok := parseSendStamp(env.Data.Content)
			if !ok {
				return
			}
			collector.AddFanoutLatency(time.Since(time.Unix(0, sentNanos)))
		})
	}

	// -----------------------------------------------------------------------
	// Send phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Send phase ---")

	sendInterval := time.Duration(float64(time.Second) / *rate)
	deadline := time.After(*duration)

	var sendWg sync.WaitGroup
	stopSend := make(chan struct{})
	for _, p := range pairs {
		p := p
		sendWg.Add(1)
		go func() {
			defer sendWg.Done()
			ticker := time.NewTicker(sendInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopSend:
					return
				case <-ticker.C:
					content := fmt.Sprintf("lt:%d", time.Now().UnixNano())
					if err := p.sender.SendMessage(content); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		fmt.Println("\nInterrupted during send phase.")
	case <-deadline:
		fmt.Println("\nSend phase complete.")
	}
	close(stopSend)
	sendWg.Wait()

	// Give in-flight messages a moment to arrive.
	time.Sleep(500 * time.Millisecond)

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, p := range pairs {
		p.sender.Close()
		p.receiver.Close()
	}
	fmt.Println("All connections closed.")

	collector.Report()
}

// attachPair connects the sender and receiver for one channel and waits for
// both attach confirmations.
func attachPair(ctx context.Context, endpoint, secret, channelID string, n int, collector *stats.Collector) ([2]*client.Client, error) {
	var out [2]*client.Client
	for i := 0; i < 2; i++ {
		userID := fmt.Sprintf("ft-user-%d-%d", n, i)
		token, err := client.MintToken(secret, userID)
		if err != nil {
			return out, err
		}

		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := client.Dial(connCtx, endpoint, channelID, userID, token)
		if err != nil {
			cancel()
			closePartial(out[:i])
			return out, err
		}
		if err := c.WaitForAttach(connCtx); err != nil {
			cancel()
			c.Close()
			closePartial(out[:i])
			return out, err
		}
		cancel()
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		out[i] = c
	}
	return out, nil
}

func closePartial(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

// parseSendStamp extracts the unix-nano send timestamp from a "lt:<nanos>"
// message body.
func parseSendStamp(content string) (int64, bool) {
	rest, ok := strings.CutPrefix(content, "lt:")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
