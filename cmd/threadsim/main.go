// threadsim exercises the full messaging core without a real server: it
// starts an in-process hub speaking the wire protocol, connects simulated
// participants through real transport channels, and has them chat across a
// set of threads while exporting Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confchat/confchat/pkg/channel"
	"github.com/confchat/confchat/pkg/crypto"
	"github.com/confchat/confchat/pkg/ledger"
	"github.com/confchat/confchat/pkg/session"
	"github.com/confchat/confchat/pkg/state"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks simulation outcomes
type Stats struct {
	messagesSent      atomic.Int64
	messagesDelivered atomic.Int64
	messagesRead      atomic.Int64
	messagesFailed    atomic.Int64
	typingSignals     atomic.Int64
}

func randomSentence() []byte {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return []byte(strings.Join(words, " "))
}

type participant struct {
	userID  uint64
	coord   *session.Coordinator
	channel *channel.Channel
}

const (
	keyHost          = "threadsim.local"
	provisionerKeyID = uint64(1)
	sessionKeyID     = uint64(2)
)

// provisionSharedKey loads or generates the provisioning and session
// identities from disk and derives the secret every participant's keystore
// is seeded with.
func provisionSharedKey(dir string) ([]byte, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "threadsim-keys-")
		if err != nil {
			return nil, err
		}
		dir = tmp
	}

	store := crypto.NewIdentityStore(dir)
	provisioner, _, err := store.LoadOrGenerateKey(keyHost, provisionerKeyID)
	if err != nil {
		return nil, err
	}
	sess, _, err := store.LoadOrGenerateKey(keyHost, sessionKeyID)
	if err != nil {
		return nil, err
	}
	return crypto.ComputeSharedSecret(provisioner.PrivateKey[:], sess.PublicKey[:])
}

func main() {
	users := flag.Int("users", 8, "Number of simulated participants")
	threads := flag.Int("threads", 4, "Number of threads to chat across")
	duration := flag.Duration("duration", 30*time.Second, "How long to run")
	rate := flag.Duration("rate", 500*time.Millisecond, "Mean delay between a participant's actions")
	metricsAddr := flag.String("metrics", "", "Address for Prometheus metrics (e.g. :9090), empty to disable")
	keyDir := flag.String("keydir", "", "Directory for persisted identity keys (default: a fresh temp dir)")
	stateDir := flag.String("statedir", "", "Directory for per-participant state databases, empty to disable")
	verbose := flag.Bool("verbose", false, "Log coordinator events")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("metrics server: %v", err)
			}
		}()
		logger.Printf("metrics on http://%s/metrics", *metricsAddr)
	}

	hub := newHub(logger)

	// All participants share key material agreed between a provisioning
	// identity and the session identity, as conference attendees would
	// after the key exchange step. Both identities persist, so repeat runs
	// with the same -keydir reuse the same material.
	sharedSecret, err := provisionSharedKey(*keyDir)
	if err != nil {
		log.Fatalf("failed to provision key material: %v", err)
	}

	stats := &Stats{}
	cfg := session.DefaultTOMLConfig()
	transportMetrics := channel.NewMetrics(registry)
	var stores []*state.Store

	participants := make([]*participant, *users)
	for i := range participants {
		userID := uint64(i + 1)

		keys := crypto.NewKeyStore()
		if err := keys.Init(sharedSecret); err != nil {
			log.Fatalf("failed to init keystore for user %d: %v", userID, err)
		}

		ch := channel.NewWithDialer(func() (net.Conn, error) {
			return hub.connect(userID)
		}, channel.DefaultConfig())
		if *verbose {
			ch.SetLogger(logger)
		}
		ch.SetMetrics(transportMetrics)

		coord := session.NewCoordinator(cfg, ch, keys, userID)
		if *verbose {
			coord.SetLogger(logger)
		}
		if *stateDir != "" {
			st, err := state.Open(filepath.Join(*stateDir, fmt.Sprintf("user_%d.db", userID)))
			if err != nil {
				log.Fatalf("failed to open state for user %d: %v", userID, err)
			}
			stores = append(stores, st)
			coord.SetStateStore(st)
		}
		coord.Start()

		participants[i] = &participant{userID: userID, coord: coord, channel: ch}
	}

	// Every participant opens every thread
	for _, p := range participants {
		for t := 1; t <= *threads; t++ {
			if err := p.coord.OpenThread(uint64(t)); err != nil {
				log.Fatalf("user %d failed to open thread %d: %v", p.userID, t, err)
			}
		}
	}

	logger.Printf("simulating %d users across %d threads for %s", *users, *threads, *duration)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			chatter(p, *threads, *rate, stats, done)
		}(p)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(*duration):
	case sig := <-sigCh:
		logger.Printf("received %v, shutting down", sig)
	}
	close(done)
	wg.Wait()

	// Let in-flight acks and receipts drain
	time.Sleep(2 * cfg.AckTimeout())

	tallyFinalStates(participants, *threads, stats)

	for _, p := range participants {
		p.coord.Close()
	}
	for _, st := range stores {
		st.Close()
	}

	fmt.Printf("\n=== Simulation results ===\n")
	fmt.Printf("Messages sent:      %d\n", stats.messagesSent.Load())
	fmt.Printf("Messages delivered: %d\n", stats.messagesDelivered.Load())
	fmt.Printf("Messages read:      %d\n", stats.messagesRead.Load())
	fmt.Printf("Messages failed:    %d\n", stats.messagesFailed.Load())
	fmt.Printf("Typing signals:     %d\n", stats.typingSignals.Load())

	if stats.messagesFailed.Load() > 0 {
		os.Exit(1)
	}
}

// chatter drives one participant: compose (with typing signals), send, and
// occasionally mark a thread read, until done closes.
func chatter(p *participant, threads int, rate time.Duration, stats *Stats, done chan struct{}) {
	for {
		delay := time.Duration(float64(rate) * (0.5 + rand.Float64()))
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		threadID := uint64(1 + rand.Intn(threads))

		switch rand.Intn(10) {
		case 0, 1: // Catch up on a thread
			msgs := p.coord.Ledger(threadID)
			var upTo uint64
			for _, m := range msgs {
				if m.ServerID > upTo {
					upTo = m.ServerID
				}
			}
			if upTo > 0 {
				if err := p.coord.MarkRead(threadID, upTo); err == nil {
					stats.messagesRead.Add(1)
				}
			}
		default: // Compose and send
			if err := p.coord.SetTyping(threadID); err == nil {
				stats.typingSignals.Add(1)
			}
			select {
			case <-done:
				return
			case <-time.After(time.Duration(rand.Intn(300)) * time.Millisecond):
			}
			if _, err := p.coord.Send(threadID, randomSentence()); err != nil {
				stats.messagesFailed.Add(1)
				continue
			}
			stats.messagesSent.Add(1)
			p.coord.StopTyping(threadID)
		}
	}
}

// tallyFinalStates walks every participant's ledgers and counts terminal
// delivery outcomes for the summary.
func tallyFinalStates(participants []*participant, threads int, stats *Stats) {
	for _, p := range participants {
		for t := 1; t <= threads; t++ {
			for _, m := range p.coord.Ledger(uint64(t)) {
				if m.SenderID != p.userID {
					continue
				}
				switch m.State {
				case ledger.StateDelivered, ledger.StateRead:
					stats.messagesDelivered.Add(1)
				case ledger.StateFailed:
					stats.messagesFailed.Add(1)
				}
			}
		}
	}
}
