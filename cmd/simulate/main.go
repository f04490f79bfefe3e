// Traffic simulator for Kestrel.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -count 500
//	go run ./cmd/simulate -nats nats://localhost:4222 -count 500
//
// Scored transactions are drawn from SAFE, SUSPECT and FRAUD profiles
// (weights 70/20/10) and either posted to /evaluate or published on the
// scored-transaction topic for the async workers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Tally counts outcomes per profile.
type Tally struct {
	Sent    int64
	Allow   int64
	Review  int64
	Block   int64
	Errors  int64
	Elapsed int64 // ms, summed over requests
}

type job struct {
	in      *domain.ScoredTransaction
	profile Profile
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	natsURL := flag.String("nats", "", "Publish to this NATS server instead of calling the HTTP API")
	count := flag.Int("count", 200, "Number of transactions to send (0 = until interrupted)")
	workers := flag.Int("workers", 4, "Number of concurrent senders")
	users := flag.Int("users", 900, "Number of distinct simulated users")
	delay := flag.Duration("delay", 0, "Pause between transactions")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	token := flag.String("token", "", "Bearer token; signed from KESTREL_JWT_SECRET when empty")
	analyst := flag.String("analyst", "simulator", "Analyst id sent when JWT auth is disabled")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var send func(context.Context, *domain.ScoredTransaction) (*domain.Decision, error)

	if *natsURL != "" {
		natsBus, err := bus.NewNATSBus(domain.EventBusConfig{
			Type:              "nats",
			NATSUrl:           *natsURL,
			NATSToken:         os.Getenv("KESTREL_NATS_TOKEN"),
			NATSMaxReconnects: 5,
			NATSReconnectWait: 2,
		})
		if err != nil {
			fmt.Printf("ERROR: NATS not reachable at %s: %v\n", *natsURL, err)
			os.Exit(1)
		}
		defer natsBus.Close()
		send = publisher(natsBus)
		fmt.Printf("Publishing to %s on %s\n", *natsURL, domain.TopicTransactionScored)
	} else {
		if err := checkHealth(*baseURL); err != nil {
			fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
			os.Exit(1)
		}
		headers, err := authHeaders(*token, *analyst)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		send = evaluator(*baseURL, headers)
		fmt.Printf("Posting to %s/evaluate\n", *baseURL)
	}

	tallies := make(map[string]*Tally, len(Profiles))
	for _, p := range Profiles {
		tallies[p.Name] = &Tally{}
	}

	work := make(chan job, 100)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				t := tallies[j.profile.Name]
				start := time.Now()
				d, err := send(ctx, j.in)
				atomic.AddInt64(&t.Elapsed, time.Since(start).Milliseconds())
				atomic.AddInt64(&t.Sent, 1)

				if err != nil {
					atomic.AddInt64(&t.Errors, 1)
					if *verbose {
						fmt.Printf("[%-7s] %s -> error: %v\n", j.profile.Name, j.in.Transaction.ID, err)
					}
					continue
				}
				if d == nil {
					continue
				}
				switch d.Action {
				case domain.ActionAllow:
					atomic.AddInt64(&t.Allow, 1)
				case domain.ActionReview:
					atomic.AddInt64(&t.Review, 1)
				case domain.ActionBlock:
					atomic.AddInt64(&t.Block, 1)
				}
				if *verbose {
					fmt.Printf("[%-7s] %-14s (%-11s) %9.2f EUR %s raw=%.2f -> %s %s score=%s\n",
						j.profile.Name,
						j.in.Transaction.Merchant.Name,
						j.in.Transaction.Merchant.Category,
						j.in.Transaction.Amount,
						j.in.Transaction.IPCountry,
						j.in.RawScore,
						d.Action,
						d.BlockMode,
						d.AdjustedScore,
					)
				}
			}
		}()
	}

	gen := NewGenerator(*seed, *users)
	started := time.Now()
produce:
	for i := 0; *count == 0 || i < *count; i++ {
		in, p := gen.Next()
		select {
		case <-ctx.Done():
			break produce
		case work <- job{in: in, profile: p}:
		}
		if *delay > 0 {
			select {
			case <-ctx.Done():
				break produce
			case <-time.After(*delay):
			}
		}
	}
	close(work)
	wg.Wait()

	printResults(tallies, time.Since(started))
}

func publisher(b domain.EventBus) func(context.Context, *domain.ScoredTransaction) (*domain.Decision, error) {
	return func(ctx context.Context, in *domain.ScoredTransaction) (*domain.Decision, error) {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		return nil, b.Publish(ctx, domain.TopicTransactionScored, payload)
	}
}

func evaluator(baseURL string, headers map[string]string) func(context.Context, *domain.ScoredTransaction) (*domain.Decision, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, in *domain.ScoredTransaction) (*domain.Decision, error) {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var d domain.Decision
			if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
				return nil, err
			}
			return &d, nil
		case http.StatusServiceUnavailable:
			var e api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Decision != nil {
				return e.Decision, nil
			}
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		default:
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
	}
}

// authHeaders returns the identity headers for the HTTP API.
func authHeaders(token, analyst string) (map[string]string, error) {
	if token == "" {
		if secret := os.Getenv("KESTREL_JWT_SECRET"); secret != "" {
			auth := api.NewAuthenticator(domain.AuthConfig{JWTSecret: secret, Issuer: os.Getenv("KESTREL_JWT_ISSUER")})
			signed, err := auth.Issue(analyst, time.Hour)
			if err != nil {
				return nil, fmt.Errorf("sign token: %w", err)
			}
			token = signed
		}
	}
	if token != "" {
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
	return map[string]string{api.AnalystIDHeader: analyst}, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printResults(tallies map[string]*Tally, duration time.Duration) {
	fmt.Println()
	fmt.Println("  PROFILE    SENT    ALLOW   REVIEW   BLOCK   ERRORS   AVG MS")
	var sent int64
	for _, p := range Profiles {
		t := tallies[p.Name]
		avg := 0.0
		if t.Sent > 0 {
			avg = float64(t.Elapsed) / float64(t.Sent)
		}
		sent += t.Sent
		fmt.Printf("  %-8s %6d %8d %8d %7d %8d %8.1f\n", p.Name, t.Sent, t.Allow, t.Review, t.Block, t.Errors, avg)
	}
	fmt.Println()
	fmt.Printf("  %d transactions in %s (%.1f tx/s)\n", sent, duration.Round(time.Millisecond), float64(sent)/duration.Seconds())
}
