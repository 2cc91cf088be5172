package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/linechat/pkg/client"
	"github.com/aeolun/linechat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords []string

func init() {
	for _, w := range strings.Fields(loremIpsum) {
		loremWords = append(loremWords, strings.Trim(strings.ToLower(w), ".,"))
	}
}

// generateIdentity combines a word fragment with the bot id so identities
// stay unique and inside the 3-20 character rule
func generateIdentity(id int) string {
	word := loremWords[rand.Intn(len(loremWords))]
	if len(word) > 8 {
		word = word[:8]
	}
	return fmt.Sprintf("%s_%d", word, id)
}

// Stats tracks load test results
type Stats struct {
	broadcastsSent    atomic.Int64
	directedSent      atomic.Int64
	echoesReceived    atomic.Int64 // own broadcasts seen coming back
	messagesReceived  atomic.Int64 // messages from other bots
	routingErrors     atomic.Int64
	sendFailures      atomic.Int64
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds, echo round trips
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
}

func (s *Stats) recordEcho(responseTimeUs int64) {
	s.echoesReceived.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) avgResponseMs() float64 {
	echoes := s.echoesReceived.Load()
	if echoes == 0 {
		return 0
	}
	return float64(s.totalResponseTime.Load()) / float64(echoes) / 1000.0
}

// roster is the set of identities currently logged in, used to pick
// targets for directed messages
type roster struct {
	mu  sync.RWMutex
	ids []string
}

func (r *roster) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *roster) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			return
		}
	}
}

func (r *roster) pickOther(self string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ids) < 2 {
		return ""
	}
	for {
		if id := r.ids[rand.Intn(len(r.ids))]; id != self {
			return id
		}
	}
}

// BotClient is a scripted chat participant
type BotClient struct {
	id       int
	identity string
	conn     *client.Connection
	stats    *Stats
	roster   *roster
	done     chan struct{}
}

func NewBotClient(id int, serverAddr string, stats *Stats, r *roster) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:       id,
		identity: generateIdentity(id),
		conn:     conn,
		stats:    stats,
		roster:   r,
		done:     make(chan struct{}),
	}, nil
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}
	if err := bc.conn.Authenticate(bc.identity); err != nil {
		bc.conn.Disconnect()
		return err
	}
	bc.roster.add(bc.identity)
	go bc.receive()
	return nil
}

// receive drains Incoming, timing the echo of our own broadcasts
func (bc *BotClient) receive() {
	defer close(bc.done)

	for msg := range bc.conn.Incoming() {
		switch {
		case msg.Kind == protocol.KindError:
			bc.stats.routingErrors.Add(1)
		case msg.Kind == protocol.KindBroadcast && msg.Sender == bc.identity:
			if sentAt, ok := parseSentAt(msg.Content); ok {
				bc.stats.recordEcho(time.Since(sentAt).Microseconds())
			}
		case msg.Kind == protocol.KindBroadcast || msg.Kind == protocol.KindPrivate:
			if msg.Sender != bc.identity {
				bc.stats.messagesReceived.Add(1)
			}
		}
	}
}

// Broadcast content starts with the send time so the echo can be timed
func randomContent() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, "#"+strconv.FormatInt(time.Now().UnixNano(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ")
}

func parseSentAt(content string) (time.Time, bool) {
	stamp, _, _ := strings.Cut(content, " ")
	nanos, err := strconv.ParseInt(strings.TrimPrefix(stamp, "#"), 10, 64)
	if err != nil || !strings.HasPrefix(stamp, "#") {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (bc *BotClient) sendRandomMessage(directedRatio float64) {
	var err error
	if rand.Float64() < directedRatio {
		to := bc.roster.pickOther(bc.identity)
		if to == "" {
			return
		}
		err = bc.conn.SendDirected(to, randomContent())
		if err == nil {
			bc.stats.directedSent.Add(1)
		}
	} else {
		err = bc.conn.SendBroadcast(randomContent())
		if err == nil {
			bc.stats.broadcastsSent.Add(1)
		}
	}

	if err != nil {
		if !bc.conn.IsConnected() {
			bc.stats.disconnections.Add(1)
		} else {
			bc.stats.sendFailures.Add(1)
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, directedRatio float64, stop <-chan struct{}) {
	defer func() {
		bc.roster.remove(bc.identity)
		bc.conn.Disconnect()
		<-bc.done
		bc.stats.bytesSent.Add(bc.conn.GetBytesSent())
		bc.stats.bytesReceived.Add(bc.conn.GetBytesReceived())
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) && bc.conn.IsConnected() {
		bc.sendRandomMessage(directedRatio)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Let in-flight echoes arrive before disconnecting
	time.Sleep(200 * time.Millisecond)
}

func main() {
	serverAddr := flag.String("server", "localhost:8888", "Server address (host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	directedRatio := flag.Float64("directed", 0.2, "Fraction of messages sent as private messages")
	flag.Parse()

	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v, directed ratio %.2f", *minDelay, *maxDelay, *directedRatio)

	stats := &Stats{}
	r := &roster{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	var wg sync.WaitGroup

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	// Periodic stats reporter
	reporterDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent := stats.broadcastsSent.Load() + stats.directedSent.Load()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d echoes, avg echo %.2fms, %d errors",
					sent, float64(sent)/time.Since(start).Seconds(),
					stats.messagesReceived.Load(), stats.echoesReceived.Load(),
					stats.avgResponseMs(), stats.routingErrors.Load()+stats.sendFailures.Load())
			case <-reporterDone:
				return
			}
		}
	}()

spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats, r)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				if stats.connectionErrors.Load() <= 5 {
					log.Printf("[Bot %d] Connect failed: %v", id, err)
				}
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.identity)
			}
			bot.Run(*duration, *minDelay, *maxDelay, *directedRatio, stop)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(reporterDone)

	broadcasts := stats.broadcastsSent.Load()
	echoes := stats.echoesReceived.Load()

	log.Printf("=== Final Results ===")
	log.Printf("Broadcasts sent: %d", broadcasts)
	log.Printf("Private messages sent: %d", stats.directedSent.Load())
	log.Printf("Messages received from others: %d", stats.messagesReceived.Load())
	log.Printf("Broadcast echoes: %d (%d missing)", echoes, broadcasts-echoes)
	log.Printf("Average echo time: %.2fms", stats.avgResponseMs())
	log.Printf("Routing errors: %d", stats.routingErrors.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Traffic: %s sent, %s received",
		client.FormatBytes(stats.bytesSent.Load()), client.FormatBytes(stats.bytesReceived.Load()))
}
