//go:build integration

package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"example.com/finance/internal/codec"
	"example.com/finance/internal/domain"
	"example.com/finance/internal/eventstore"
)

func TestRelayPublishesInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())

	accountA := uuid.Must(uuid.NewV7())
	created := newAccountCreated(t, accountA)
	appendEvents(t, ctx, store, tenantID, accountA, 0, created)
	renamed := newAccountRenamed(accountA)
	appendEvents(t, ctx, store, tenantID, accountA, 1, renamed)

	accountB := uuid.Must(uuid.NewV7())
	createdB := newAccountCreated(t, accountB)
	appendEvents(t, ctx, store, tenantID, accountB, 0, createdB)

	stub := &stubPublisher{}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{BatchSize: 10})

	beforePublished := testutil.ToFloat64(publishedCounter)
	beforeSamples := batchDurationSampleCount(t)

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, published)

	messages := stub.published()
	require.Len(t, messages, 3)
	wantOrder := []uuid.UUID{created.EventID(), renamed.EventID(), createdB.EventID()}
	wantKeys := []string{accountA.String(), accountA.String(), accountB.String()}
	for i, msg := range messages {
		require.Equal(t, "finance.account.events", msg.topic)
		require.Equal(t, wantKeys[i], msg.key)
		require.Equal(t, wantOrder[i].String(), eventIDOf(t, msg.value), "insertion order must be preserved")
	}

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&remaining))
	require.Zero(t, remaining, "acknowledged rows must be retired")

	require.InDelta(t, beforePublished+3, testutil.ToFloat64(publishedCounter), 0.0001)
	require.Greater(t, batchDurationSampleCount(t), beforeSamples)

	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published, "an empty outbox is a no-op")
}

func TestRelayKeepsRowsWhenBusIsDown(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())
	accountID := uuid.Must(uuid.NewV7())

	// The append path never touches the bus, so it succeeds during an outage.
	created := newAccountCreated(t, accountID)
	appendEvents(t, ctx, store, tenantID, accountID, 0, created)
	renamed := newAccountRenamed(accountID)
	appendEvents(t, ctx, store, tenantID, accountID, 1, renamed)

	stub := &stubPublisher{err: errors.New("broker unreachable")}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{
		BatchSize:      10,
		MaxAttempts:    5,
		RetryBaseDelay: 50 * time.Millisecond,
	})

	beforeFailed := testutil.ToFloat64(failedCounter)

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
	require.Equal(t, 2, stub.calls(), "each row gets its own publish attempt")
	require.InDelta(t, beforeFailed+2, testutil.ToFloat64(failedCounter), 0.0001)

	var attempts int
	var lastError string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT attempts, last_error FROM outbox ORDER BY id LIMIT 1`).Scan(&attempts, &lastError))
	require.Equal(t, 1, attempts)
	require.Contains(t, lastError, "broker unreachable")

	// Rows are rescheduled with backoff; an immediate retry claims nothing.
	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
	require.Equal(t, 2, stub.calls(), "rows must not be due before their backoff elapses")

	stub.setErr(nil)
	time.Sleep(120 * time.Millisecond)

	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, published)

	messages := stub.published()
	require.Len(t, messages, 2)
	require.Equal(t, created.EventID().String(), eventIDOf(t, messages[0].value), "recovery must publish in insertion order")
	require.Equal(t, renamed.EventID().String(), eventIDOf(t, messages[1].value))

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&remaining))
	require.Zero(t, remaining)
}

func TestRelayRetriesRowWithoutBlockingBatch(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())

	accountA := uuid.Must(uuid.NewV7())
	appendEvents(t, ctx, store, tenantID, accountA, 0, newAccountCreated(t, accountA))
	accountB := uuid.Must(uuid.NewV7())
	createdB := newAccountCreated(t, accountB)
	appendEvents(t, ctx, store, tenantID, accountB, 0, createdB)

	stub := &stubPublisher{failKey: accountA.String()}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{BatchSize: 10})

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published, "one poisoned row must not block the batch")

	messages := stub.published()
	require.Len(t, messages, 1)
	require.Equal(t, createdB.EventID().String(), eventIDOf(t, messages[0].value))

	var remaining, attempts int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&remaining))
	require.Equal(t, 1, remaining)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT attempts FROM outbox WHERE aggregate_id = $1`, accountA).Scan(&attempts))
	require.Equal(t, 1, attempts)
}

func TestRelayDeadLettersAndRedrives(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())
	accountID := uuid.Must(uuid.NewV7())
	created := newAccountCreated(t, accountID)
	appendEvents(t, ctx, store, tenantID, accountID, 0, created)

	stub := &stubPublisher{err: errors.New("schema rejected")}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{
		BatchSize:      10,
		MaxAttempts:    2,
		RetryBaseDelay: time.Millisecond,
	})

	beforeDead := testutil.ToFloat64(deadLetteredCounter.WithLabelValues("finance.account.events"))
	beforeRedriven := testutil.ToFloat64(redrivenCounter)

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	time.Sleep(20 * time.Millisecond)

	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	require.InDelta(t, beforeDead+1, testutil.ToFloat64(deadLetteredCounter.WithLabelValues("finance.account.events")), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(deadLetterBacklogGauge), 0.0001)

	var attempts int
	var lastError string
	var deadLettered bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT attempts, last_error, dead_lettered_at IS NOT NULL FROM outbox WHERE aggregate_id = $1`,
		accountID).Scan(&attempts, &lastError, &deadLettered))
	require.Equal(t, 2, attempts)
	require.Contains(t, lastError, "schema rejected")
	require.True(t, deadLettered)

	// Dead-lettered rows leave the drain entirely.
	time.Sleep(20 * time.Millisecond)
	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
	require.Equal(t, 2, stub.calls(), "parked rows must not be retried")

	redriver := NewRedriver(pool, zap.NewNop())
	redriven, err := redriver.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, redriven)
	require.InDelta(t, beforeRedriven+1, testutil.ToFloat64(redrivenCounter), 0.0001)
	require.InDelta(t, 0, testutil.ToFloat64(deadLetterBacklogGauge), 0.0001)

	stub.setErr(nil)
	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)
	require.Equal(t, created.EventID().String(), eventIDOf(t, stub.published()[0].value))

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&remaining))
	require.Zero(t, remaining)
}

func TestRelayRepublishesWhenRetireIsLost(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())
	accountID := uuid.Must(uuid.NewV7())
	created := newAccountCreated(t, accountID)
	appendEvents(t, ctx, store, tenantID, accountID, 0, created)

	// Simulate a crash between bus acknowledgement and row retirement by
	// cancelling the batch context as soon as the publish lands.
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stub := &stubPublisher{after: cancel}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{BatchSize: 10})

	_, err := relay.ProcessBatch(batchCtx)
	require.Error(t, err, "losing the transaction mid-batch must surface")
	require.Equal(t, 1, stub.calls(), "the bus did acknowledge the message")

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&remaining))
	require.Equal(t, 1, remaining, "the unretired row must survive the crash")

	stub.clearAfter()
	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)

	messages := stub.published()
	require.Len(t, messages, 2, "the row is delivered again; consumers deduplicate on event id")
	require.Equal(t, eventIDOf(t, messages[0].value), eventIDOf(t, messages[1].value))
}

func TestRelaySkipsRowsClaimedByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())

	accountA := uuid.Must(uuid.NewV7())
	appendEvents(t, ctx, store, tenantID, accountA, 0, newAccountCreated(t, accountA))
	accountB := uuid.Must(uuid.NewV7())
	createdB := newAccountCreated(t, accountB)
	appendEvents(t, ctx, store, tenantID, accountB, 0, createdB)

	// Another worker holds the oldest row.
	workerTx, err := pool.Begin(ctx)
	require.NoError(t, err)
	var claimedID int64
	require.NoError(t, workerTx.QueryRow(ctx,
		`SELECT id FROM outbox ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&claimedID))

	stub := &stubPublisher{}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{BatchSize: 10, ClaimMode: ClaimExclusive})

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published, "locked rows must be skipped, not waited on")
	require.Equal(t, createdB.EventID().String(), eventIDOf(t, stub.published()[0].value))

	require.NoError(t, workerTx.Rollback(ctx))

	published, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published, "released rows become claimable again")
}

func TestRelayPlainClaimMode(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	store := eventstore.NewStore(pool, zap.NewNop(), nil)
	tenantID := uuid.Must(uuid.NewV7())
	accountID := uuid.Must(uuid.NewV7())
	appendEvents(t, ctx, store, tenantID, accountID, 0, newAccountCreated(t, accountID))

	stub := &stubPublisher{}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{BatchSize: 10, ClaimMode: ClaimPlain})

	published, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)
}

func TestRelayRunDrainsOnNotify(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	stub := &stubPublisher{}
	relay := NewRelay(pool, stub, zap.NewNop(), RelayConfig{
		PollInterval: time.Hour, // only the wake signal can drain in time
		BatchSize:    10,
	})

	runCtx, stop := context.WithCancel(ctx)
	go relay.Run(runCtx)

	store := eventstore.NewStore(pool, zap.NewNop(), relay)
	tenantID := uuid.Must(uuid.NewV7())
	accountID := uuid.Must(uuid.NewV7())
	appendEvents(t, ctx, store, tenantID, accountID, 0, newAccountCreated(t, accountID))

	require.Eventually(t, func() bool {
		return stub.calls() == 1
	}, 5*time.Second, 10*time.Millisecond, "append must wake the relay ahead of the poll tick")

	stop()
	relay.Wait()
}

func TestRedriverRunOnceEmpty(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	redriver := NewRedriver(pool, zap.NewNop())
	redriven, err := redriver.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, redriven)
}

type stubPublisher struct {
	mu      sync.Mutex
	err     error
	failKey string
	after   func()
	total   int
	records []publishedMessage
}

type publishedMessage struct {
	topic string
	key   string
	value []byte
}

func (s *stubPublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if s.err != nil {
		return s.err
	}
	if s.failKey != "" && string(key) == s.failKey {
		return errors.New("bus rejected key")
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	s.records = append(s.records, publishedMessage{topic: topic, key: string(key), value: copied})

	if s.after != nil {
		s.after()
	}
	return nil
}

func (s *stubPublisher) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubPublisher) clearAfter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = nil
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *stubPublisher) published() []publishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]publishedMessage, len(s.records))
	copy(out, s.records)
	return out
}

func appendEvents(t *testing.T, ctx context.Context, store *eventstore.Store, tenantID, aggregateID uuid.UUID, expected int64, events ...domain.Event) {
	t.Helper()

	_, err := store.AppendEvents(ctx, tenantID, aggregateID, domain.AggregateAccount, expected, events)
	require.NoError(t, err)
}

func newAccountCreated(t *testing.T, accountID uuid.UUID) *domain.AccountCreated {
	t.Helper()

	balance, err := domain.NewMoneyFromString("1000.00")
	require.NoError(t, err)

	return &domain.AccountCreated{
		Envelope:       domain.NewEnvelope(accountID),
		AccountName:    "Operating Account",
		AccountType:    domain.AccountChecking,
		Currency:       domain.CurrencyNOK,
		InitialBalance: balance,
	}
}

func newAccountRenamed(accountID uuid.UUID) *domain.AccountRenamed {
	return &domain.AccountRenamed{
		Envelope: domain.NewEnvelope(accountID),
		OldName:  "Operating Account",
		NewName:  "Main Account",
	}
}

func eventIDOf(t *testing.T, payload []byte) string {
	t.Helper()

	fields, err := codec.DecodeGeneric(payload)
	require.NoError(t, err)
	meta, ok := fields["metadata"].(map[string]any)
	require.True(t, ok)
	id, ok := meta["event_id"].(string)
	require.True(t, ok)
	return id
}

func batchDurationSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("finance"),
		postgrescontainer.WithUsername("finance"),
		postgrescontainer.WithPassword("finance"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		if _, execErr := pool.Exec(ctx, string(contents)); execErr != nil {
			require.NoErrorf(t, execErr, "execute migration %s", file)
		}
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
