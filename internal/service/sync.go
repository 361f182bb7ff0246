package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var syncTracer = otel.Tracer("service/sync")

// SyncKind is what triggered a connection sync.
type SyncKind string

const (
	SyncScheduled SyncKind = "scheduled"
	SyncBackfill  SyncKind = "backfill"
	SyncOnDemand  SyncKind = "on_demand"
)

// SyncOrchestrator pulls sources and transactions of every connection and
// publishes them. Failures are isolated per connection and per source; a
// connection only advances last_synced when all its sources succeeded.
type SyncOrchestrator struct {
	store          port.ConnectionStore
	tokens         *TokenManager
	fetcher        *SourceFetcher
	publisher      *Publisher
	backfillDays   int
	maxConcurrency int
	metrics        *observability.Metrics
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewSyncOrchestrator creates a SyncOrchestrator.
func NewSyncOrchestrator(
	store port.ConnectionStore,
	tokens *TokenManager,
	fetcher *SourceFetcher,
	publisher *Publisher,
	backfillDays, maxConcurrency int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SyncOrchestrator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &SyncOrchestrator{
		store:          store,
		tokens:         tokens,
		fetcher:        fetcher,
		publisher:      publisher,
		backfillDays:   backfillDays,
		maxConcurrency: maxConcurrency,
		metrics:        metrics,
		logger:         logger,
		now:            time.Now,
		inFlight:       make(map[string]struct{}),
	}
}

// WithClock replaces the time source.
func (o *SyncOrchestrator) WithClock(now func() time.Time) *SyncOrchestrator {
	o.now = now
	return o
}

// backfillStart is the window start of a way-back sync.
func (o *SyncOrchestrator) backfillStart() time.Time {
	return o.now().AddDate(0, 0, -o.backfillDays)
}

// SyncConnection syncs one connection over [since or last_synced, now].
// Balances are fetched when forceBalance is set or a source has transactions.
func (o *SyncOrchestrator) SyncConnection(ctx context.Context, conn *domain.Connection, since *time.Time, forceBalance bool) error {
	ctx, span := syncTracer.Start(ctx, "SyncOrchestrator.SyncConnection")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", conn.Name))

	to := o.now()
	from := conn.LastSynced
	if since != nil {
		from = *since
	}
	if from.IsZero() {
		from = o.backfillStart()
	}

	token, err := o.tokens.UsableAccessToken(ctx, conn)
	if err != nil {
		return fmt.Errorf("connection %s: %w", conn.Name, err)
	}

	snapshot, err := o.fetcher.FetchSources(ctx, token)
	if err != nil {
		o.metrics.IncrExternalError("truelayer")
		return fmt.Errorf("connection %s: %w", conn.Name, err)
	}
	if err := o.store.UpdateSources(ctx, conn.Name, snapshot.Accounts, snapshot.Cards); err != nil {
		return fmt.Errorf("connection %s: update sources: %w", conn.Name, err)
	}
	conn.Accounts, conn.Cards = snapshot.Accounts, snapshot.Cards

	sources := snapshot.Sources(conn.Name, conn.Metadata.Provider.DisplayName)
	span.SetAttributes(attribute.Int("sources.count", len(sources)))

	errs := make([]error, len(sources))
	var g errgroup.Group
	g.SetLimit(o.maxConcurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			errs[i] = o.syncSource(ctx, token, src, from, to, forceBalance)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("connection %s: %w", conn.Name, err)
	}

	if err := o.store.UpdateLastSynced(ctx, conn.Name, to); err != nil {
		return fmt.Errorf("connection %s: update last synced: %w", conn.Name, err)
	}
	conn.LastSynced = to
	return nil
}

func (o *SyncOrchestrator) syncSource(ctx context.Context, token string, src domain.TransactionSource, from, to time.Time, forceBalance bool) error {
	fail := func(op string, err error) error {
		o.metrics.IncrSourceFailure()
		o.logger.Error("source sync failed",
			zap.String("connection", src.ConnectionName),
			zap.String("source", src.Key()),
			zap.String("operation", op),
			zap.Error(err),
		)
		return fmt.Errorf("source %s: %s: %w", src.Key(), op, err)
	}

	txs, err := o.fetcher.FetchTransactions(ctx, token, src, from, to)
	if err != nil {
		return fail("fetch transactions", err)
	}

	if forceBalance || len(txs) > 0 {
		balance, err := o.fetcher.FetchBalance(ctx, token, src)
		if err != nil {
			return fail("fetch balance", err)
		}
		src.Balance = &balance
	}

	if _, err := o.publisher.Publish(ctx, src, txs); err != nil {
		return fail("publish", err)
	}
	return nil
}

// SyncScheduled syncs every connection from its own last_synced.
func (o *SyncOrchestrator) SyncScheduled(ctx context.Context) error {
	return o.SyncAll(ctx, SyncScheduled, nil, false)
}

// SyncWayBack resyncs every connection over the backfill window with
// balances forced.
func (o *SyncOrchestrator) SyncWayBack(ctx context.Context) error {
	since := o.backfillStart()
	return o.SyncAll(ctx, SyncBackfill, &since, true)
}

// SyncAll syncs every stored connection concurrently. Connections already
// being synced by this process are skipped. The result joins the
// per-connection failures.
func (o *SyncOrchestrator) SyncAll(ctx context.Context, kind SyncKind, since *time.Time, forceBalance bool) error {
	ctx, span := syncTracer.Start(ctx, "SyncOrchestrator.SyncAll")
	defer span.End()
	span.SetAttributes(attribute.String("sync.kind", string(kind)))

	conns, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	errs := make([]error, len(conns))
	var g errgroup.Group
	g.SetLimit(o.maxConcurrency)
	for i := range conns {
		i := i
		conn := &conns[i]
		release, ok := o.acquire(conn.Name)
		if !ok {
			o.logger.Info("connection sync already in flight, skipping",
				zap.String("connection", conn.Name),
				zap.String("kind", string(kind)),
			)
			o.metrics.RecordSyncRun(string(kind), "skipped", 0)
			continue
		}
		g.Go(func() error {
			defer release()
			errs[i] = o.run(ctx, kind, conn, since, forceBalance)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// StartByName validates and reserves a single-connection sync, then runs it
// in the background with balances refreshed. A connection already being
// synced yields *domain.ErrConflict.
func (o *SyncOrchestrator) StartByName(ctx context.Context, name string, since *time.Time) error {
	conn, err := o.store.Get(ctx, name)
	if err != nil {
		return err
	}
	return o.start(ctx, SyncOnDemand, conn, since, true)
}

// StartAll runs SyncAll in the background.
func (o *SyncOrchestrator) StartAll(ctx context.Context, since *time.Time) {
	ctx = context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.SyncAll(ctx, SyncOnDemand, since, true); err != nil {
			o.logger.Warn("on-demand sync finished with errors", zap.Error(err))
		}
	}()
}

// StartBackfill runs a way-back sync of a new connection in the background.
func (o *SyncOrchestrator) StartBackfill(ctx context.Context, conn *domain.Connection) error {
	since := o.backfillStart()
	return o.start(ctx, SyncBackfill, conn, &since, true)
}

func (o *SyncOrchestrator) start(ctx context.Context, kind SyncKind, conn *domain.Connection, since *time.Time, forceBalance bool) error {
	release, ok := o.acquire(conn.Name)
	if !ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("a sync of connection %s is already running", conn.Name)}
	}

	ctx = context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		_ = o.run(ctx, kind, conn, since, forceBalance)
	}()
	return nil
}

// Wait blocks until background syncs started by this orchestrator finish.
func (o *SyncOrchestrator) Wait() {
	o.wg.Wait()
}

func (o *SyncOrchestrator) run(ctx context.Context, kind SyncKind, conn *domain.Connection, since *time.Time, forceBalance bool) error {
	start := time.Now()
	err := o.SyncConnection(ctx, conn, since, forceBalance)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.RecordSyncRun(string(kind), "error", elapsed)
		o.logger.Error("connection sync failed",
			zap.String("connection", conn.Name),
			zap.String("kind", string(kind)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return err
	}

	o.metrics.RecordSyncRun(string(kind), "success", elapsed)
	o.logger.Info("connection synced",
		zap.String("connection", conn.Name),
		zap.String("kind", string(kind)),
		zap.Duration("duration", elapsed),
	)
	return nil
}

func (o *SyncOrchestrator) acquire(name string) (release func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.inFlight[name]; busy {
		return nil, false
	}
	o.inFlight[name] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.inFlight, name)
		o.mu.Unlock()
	}, true
}
