package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"erpchat/internal/chatclient"
	"erpchat/internal/logging"
	"erpchat/internal/models"
)

type options struct {
	baseURL        string
	users          int
	messagesPerSec int
	duration       time.Duration
	batchSize      int
}

type user struct {
	id    models.UserID
	token string
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
	ConnectOperation
)

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	latencies         map[OperationType][]time.Duration
}

func newStats() *Stats {
	return &Stats{latencies: make(map[OperationType][]time.Duration)}
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
	s.latencies[opType] = append(s.latencies[opType], latency)
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

// p99 returns the 99th percentile latency recorded for opType.
func (s *Stats) p99(opType OperationType) time.Duration {
	s.Lock()
	defer s.Unlock()
	latencies := s.latencies[opType]
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	p99Index := int(float64(len(sorted)) * 0.99)
	if p99Index >= len(sorted) {
		p99Index = len(sorted) - 1
	}
	return sorted[p99Index]
}

func registerUser(ctx context.Context, client *http.Client, baseURL string, id int) (*user, error) {
	username := fmt.Sprintf("loadtest_user_%d", id)
	_, err := chatclient.Register(ctx, client, baseURL, models.RegisterRequest{
		Username:    username,
		Password:    "testpass123",
		DisplayName: fmt.Sprintf("Load Test %d", id),
		Role:        "employee",
	})
	if err != nil && !isConflict(err) {
		return nil, err
	}
	resp, err := chatclient.Login(ctx, client, baseURL, username, "testpass123")
	if err != nil {
		return nil, err
	}
	return &user{id: resp.User.ID, token: resp.Token}, nil
}

func isConflict(err error) bool {
	var apiErr *chatclient.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func createUsersInParallel(ctx context.Context, opts options, start, end int, users []*user, wg *sync.WaitGroup, errChan chan<- error) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}

	for i := start; i < end; i++ {
		u, err := registerUser(ctx, client, opts.baseURL, i)
		if err != nil {
			errChan <- fmt.Errorf("failed to register user %d: %w", i, err)
			continue
		}
		users[i] = u
	}
}

// simulateUser connects u and then, once per tick, either sends to a random
// peer or polls that conversation.
func simulateUser(ctx context.Context, opts options, u *user, peers []*user, wg *sync.WaitGroup, stats *Stats, logger zerolog.Logger) {
	defer wg.Done()

	store, err := chatclient.New(chatclient.Options{
		BaseURL:    opts.baseURL,
		Credential: chatclient.StaticToken(u.token),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Logger:     logger,
	})
	if err != nil {
		stats.recordError()
		return
	}
	defer store.Cleanup()

	start := time.Now()
	if _, err := store.Connect(ctx); err != nil {
		stats.recordError()
		logger.Debug().Err(err).Str(logging.USER, u.id.String()).Msg("Connect failed")
		return
	}
	stats.recordSuccess(time.Since(start), ConnectOperation)

	ticker := time.NewTicker(time.Second / time.Duration(opts.messagesPerSec))
	defer ticker.Stop()

	endTime := time.Now().Add(opts.duration)
	for time.Now().Before(endTime) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		peer := peers[rand.Intn(len(peers))]
		if peer == u {
			continue
		}
		if err := store.OpenChatWith(ctx, peer.id); err != nil {
			stats.recordError()
			continue
		}

		// Randomly choose between read and write operations
		if rand.Float32() < 0.5 {
			start := time.Now()
			_, err := store.SendMessage(ctx, fmt.Sprintf("Test message from %s at %s", u.id, time.Now().Format(time.RFC3339)), nil)
			if err != nil {
				stats.recordError()
				logger.Debug().Err(err).Msg("Error sending message")
				continue
			}
			stats.recordSuccess(time.Since(start), WriteOperation)
		} else {
			start := time.Now()
			if err := store.RefreshMessages(ctx, peer.id); err != nil {
				stats.recordError()
				logger.Debug().Err(err).Msg("Error reading messages")
				continue
			}
			stats.recordSuccess(time.Since(start), ReadOperation)
		}
	}
}

func main() {
	var opts options
	pflag.StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "Chat server base URL")
	pflag.IntVar(&opts.users, "users", 200, "Number of simulated users")
	pflag.IntVar(&opts.messagesPerSec, "rate", 1, "Operations per second per user")
	pflag.DurationVar(&opts.duration, "duration", 60*time.Second, "Simulation time")
	pflag.IntVar(&opts.batchSize, "batch", 50, "Number of users registered per goroutine")
	logLevel := pflag.String("log-level", "info", "Log level")
	pflag.Parse()

	logger := logging.New(os.Stdout, *logLevel, "console")
	if opts.users < 2 || opts.messagesPerSec < 1 || opts.batchSize < 1 {
		logger.Fatal().Msg("need at least 2 users, a rate of 1 and a batch of 1")
	}

	logger.Info().
		Int("users", opts.users).
		Int("rate", opts.messagesPerSec).
		Dur("duration", opts.duration).
		Msg("Starting load test")
	logger.Info().Msg("Make sure the server runs with --loadtest so it uses a separate database")

	ctx := context.Background()

	// Register users in parallel batches
	users := make([]*user, opts.users)
	var wg sync.WaitGroup
	errChan := make(chan error, opts.users)

	startTime := time.Now()
	for i := 0; i < opts.users; i += opts.batchSize {
		end := min(i+opts.batchSize, opts.users)
		wg.Add(1)
		go createUsersInParallel(ctx, opts, i, end, users, &wg, errChan)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	errorCount := 0
	for err := range errChan {
		errorCount++
		if errorCount <= 10 {
			logger.Error().Err(err).Msg("Registration error")
		}
	}

	registrationDuration := time.Since(startTime)
	logger.Info().
		Dur("elapsed", registrationDuration).
		Float64("usersPerSec", float64(opts.users)/registrationDuration.Seconds()).
		Msg("User registration completed")

	registered := make([]*user, 0, len(users))
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	logger.Info().Msgf("Successfully registered %d/%d users", len(registered), opts.users)

	if len(registered) < opts.users/2 || len(registered) < 2 {
		logger.Fatal().Msg("Too many registration failures, aborting load test")
	}

	// Start the actual load test
	var loadTestWg sync.WaitGroup
	stats := newStats()
	clientLogger := logger.Level(zerolog.WarnLevel)

	start := time.Now()
	for _, u := range registered {
		loadTestWg.Add(1)
		go simulateUser(ctx, opts, u, registered, &loadTestWg, stats, clientLogger)
	}
	loadTestWg.Wait()
	duration := time.Since(start)

	stats.calculateStats(duration)

	var average time.Duration
	if stats.successRequests > 0 {
		average = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info().
		Int64("total", stats.totalRequests).
		Int64("successful", stats.successRequests).
		Int64("failed", stats.failedRequests).
		Dur("avgLatency", average).
		Dur("minLatency", stats.minLatency).
		Dur("maxLatency", stats.maxLatency).
		Dur("p99Connect", stats.p99(ConnectOperation)).
		Dur("p99Write", stats.p99(WriteOperation)).
		Dur("p99Read", stats.p99(ReadOperation)).
		Float64("requestsPerSec", stats.requestsPerSecond).
		Dur("elapsed", duration).
		Msg("Load test results")
}
