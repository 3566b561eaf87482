// Command loadtest drives simulated client traffic against a running proxy
// to exercise the deniable-messaging pipeline end to end. Structured after
// a flag-driven load-test runner: worker goroutines at a fixed QPS for a
// fixed duration, followed by a summary report.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/denim-research/denim-proxy/internal/ratchet"
	"github.com/denim-research/denim-proxy/internal/wire"
)

type result struct {
	latency time.Duration
	err     error
}

func main() {
	var (
		proxyURL     = flag.String("proxy-url", "ws://localhost:9443/connect", "Proxy WebSocket URL")
		duration     = flag.Duration("duration", 30*time.Second, "Test duration")
		workers      = flag.Int("workers", 5, "Number of simulated client connections")
		qps          = flag.Int("qps", 10, "Overt messages sent per second per worker")
		overtSize    = flag.Int("overt-size", 256, "Size in bytes of each simulated overt (carrier) payload")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
		authHeader   = flag.String("auth", "", "Authorization header value forwarded on connect")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("loadtest: received interrupt, stopping early")
		cancel()
	}()

	fmt.Println("=== Deniable Proxy Load Test ===")
	fmt.Printf("Proxy URL: %s\n", *proxyURL)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per worker: %d\n", *qps)
	fmt.Println()

	results := make(chan result, 4096)
	var wg sync.WaitGroup
	var sent, failed atomic.Uint64

	var devKey [32]byte
	if _, err := rand.Read(devKey[:]); err != nil {
		logger.WithError(err).Fatal("loadtest: failed to seed dev ratchet key")
	}
	r := ratchet.NewDevRatchet(devKey)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, worker, *proxyURL, *authHeader, *qps, *overtSize, r, results, &sent, &failed, logger)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
		close(results)
	}()

	start := time.Now()
	var latencies []time.Duration
	for r := range results {
		if r.err != nil {
			continue
		}
		latencies = append(latencies, r.latency)
	}
	<-done
	elapsed := time.Since(start)

	printSummary(elapsed, sent.Load(), failed.Load(), latencies)
}

// runWorker maintains one simulated client connection, sending overt frames
// at the configured rate until ctx is cancelled. Each overt payload is
// passed through a shared dev ratchet so the frames on the wire look like
// session ciphertext, not raw random bytes.
func runWorker(ctx context.Context, worker int, rawURL, auth string, qps, overtSize int,
	r ratchet.Ratchet, results chan<- result, sent, failed *atomic.Uint64, logger *logrus.Logger) {

	log := logger.WithField("worker", worker)

	header := http.Header{}
	if auth != "" {
		header.Set("Authorization", auth)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		log.WithError(err).Error("loadtest: invalid proxy url")
		return
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		log.WithError(err).Warn("loadtest: dial failed")
		return
	}
	defer conn.Close()

	// Drain responses in the background; the proxy re-wraps every frame the
	// relay sends for this connection in an envelope carrying any
	// piggybacked deniable traffic, and this driver only measures round
	// trip latency, not deniable-channel correctness (that is covered by
	// the package-level tests in internal/clientproto and internal/transport).
	pending := make(chan time.Time, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := wire.DecodeEnvelope(raw); err != nil {
				continue
			}
			select {
			case sentAt := <-pending:
				select {
				case results <- result{latency: time.Since(sentAt)}:
				default:
				}
			default:
			}
		}
	}()

	interval := time.Second / time.Duration(maxInt(qps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			plaintext := make([]byte, overtSize)
			rand.Read(plaintext)
			peer := [16]byte{byte(worker)}
			payload, err := r.Encrypt(ctx, peer, plaintext)
			if err != nil {
				log.WithError(err).Warn("loadtest: ratchet encrypt failed")
				continue
			}

			env := wire.DenimEnvelope{
				Kind:    wire.EnvelopeMessage,
				Message: wire.DenimMessage{RegularPayload: payload},
			}

			now := time.Now()
			select {
			case pending <- now:
			default:
			}

			if err := conn.WriteMessage(websocket.BinaryMessage, env.Encode()); err != nil {
				failed.Add(1)
				results <- result{err: err}
				return
			}
			sent.Add(1)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func printSummary(elapsed time.Duration, sent, failed uint64, latencies []time.Duration) {
	fmt.Println("--- Results ---")
	fmt.Printf("Elapsed:      %v\n", elapsed)
	fmt.Printf("Sent:         %d\n", sent)
	fmt.Printf("Failed:       %d\n", failed)
	fmt.Printf("Responses:    %d\n", len(latencies))

	if len(latencies) == 0 {
		fmt.Println("No completed round trips recorded")
		return
	}

	var total time.Duration
	max := latencies[0]
	for _, l := range latencies {
		total += l
		if l > max {
			max = l
		}
	}
	avg := total / time.Duration(len(latencies))
	fmt.Printf("Avg latency:  %v\n", avg)
	fmt.Printf("Max latency:  %v\n", max)

	if failed > 0 {
		log.Fatal(strings.TrimSpace(fmt.Sprintf("loadtest: %d send failures", failed)))
	}
}
