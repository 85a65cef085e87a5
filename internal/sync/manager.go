package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/calsync-api/internal/caldav"
	"github.com/noah-isme/calsync-api/internal/models"
	"github.com/noah-isme/calsync-api/internal/repository"
	"github.com/noah-isme/calsync-api/pkg/config"
	appErrors "github.com/noah-isme/calsync-api/pkg/errors"
	"github.com/noah-isme/calsync-api/pkg/jobs"
)

// Observer receives sync lifecycle notifications. The metrics service
// implements it; a nil observer disables reporting.
type Observer interface {
	SyncStarted(accountID string, trigger jobs.SyncTrigger)
	SyncCompleted(accountID string, result models.SyncResult, err error)
	ConnectionStateChanged(accountID string, state models.ConnState)
}

// runtime is the in-memory half of one account: its live connection, the
// connection state machine, the scheduled cron entry and retry bookkeeping.
// Rows never carry any of this.
type runtime struct {
	mu        sync.Mutex
	state     models.ConnState
	conn      caldav.Connection
	syncing   bool
	attempt   int
	cronEntry cron.EntryID
	retry     *time.Timer
	lastError *string
}

// Manager owns account connection lifecycles: connect with verification,
// exponential-backoff reconnection, periodic sync scheduling and sync
// dispatch through a worker queue.
type Manager struct {
	accounts   *repository.AccountRepository
	calendars  *repository.CalendarRepository
	reconciler *Reconciler
	connector  caldav.Connector
	cfg        config.SyncConfig
	logger     *zap.Logger
	observer   Observer

	cron     *cron.Cron
	queue    *jobs.Queue
	schedule func(spec string, cmd func()) (cron.EntryID, error)

	mu       sync.RWMutex
	runtimes map[string]*runtime

	// onSynced runs after every successful pass; the sync service hooks
	// cache invalidation here.
	onSynced func(accountID string, result models.SyncResult)

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager constructs a manager. The queue and scheduler are created but
// not started; call Start.
func NewManager(accounts *repository.AccountRepository, calendars *repository.CalendarRepository, reconciler *Reconciler, connector caldav.Connector, cfg config.SyncConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		accounts:   accounts,
		calendars:  calendars,
		reconciler: reconciler,
		connector:  connector,
		cfg:        cfg,
		logger:     logger,
		cron:       cron.New(),
		runtimes:   make(map[string]*runtime),
	}
	m.schedule = m.cron.AddFunc
	m.queue = jobs.NewQueue("sync", m.handleJob, jobs.QueueConfig{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	return m
}

// SetObserver installs the metrics observer. Must be called before Start.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// OnSynced installs the post-sync hook. Must be called before Start.
func (m *Manager) OnSynced(fn func(accountID string, result models.SyncResult)) { m.onSynced = fn }

// Start launches the queue and scheduler, then connects every enabled
// account when auto-start is on. Individual connect failures enter the
// retry loop instead of failing startup.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	m.queue.Start(m.baseCtx)
	m.cron.Start()

	if !m.cfg.AutoStart {
		return nil
	}

	accounts, err := m.accounts.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled accounts: %w", err)
	}
	for _, account := range accounts {
		if err := m.StartAccount(ctx, account.ID); err != nil {
			m.logger.Sugar().Warnw("account start deferred to retry", "account_id", account.ID, "error", err)
		}
	}
	return nil
}

// Stop halts scheduling, cancels retry timers and stops the worker queue.
// Connections are dropped; no explicit teardown is needed on the wire.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.cron.Stop().Done()

	m.mu.Lock()
	for _, rt := range m.runtimes {
		rt.mu.Lock()
		if rt.retry != nil {
			rt.retry.Stop()
			rt.retry = nil
		}
		rt.conn = nil
		rt.state = models.ConnStopped
		rt.mu.Unlock()
	}
	m.mu.Unlock()

	m.queue.Stop()
}

// StartAccount connects one account and schedules its periodic sync. A
// failed connect transitions to retrying and returns the connect error;
// the retry loop keeps working in the background.
func (m *Manager) StartAccount(ctx context.Context, accountID string) error {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "account not found")
	}
	if !account.Enabled {
		return appErrors.Clone(appErrors.ErrValidation, "account is disabled")
	}

	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	if rt.state == models.ConnConnected || rt.state == models.ConnConnecting {
		rt.mu.Unlock()
		return nil
	}
	if rt.retry != nil {
		rt.retry.Stop()
		rt.retry = nil
	}
	rt.state = models.ConnConnecting
	rt.mu.Unlock()
	m.notifyState(accountID, models.ConnConnecting)

	conn, err := m.connector.Connect(ctx, *account)
	if err != nil {
		m.scheduleRetry(accountID, err)
		return appErrors.Wrap(err, appErrors.ErrConnection.Code, appErrors.ErrConnection.Status, "connect failed")
	}

	interval := account.SyncInterval
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}
	entryID, err := m.schedule(fmt.Sprintf("@every %s", interval), func() {
		m.enqueue(accountID, jobs.TriggerScheduled)
	})
	if err != nil {
		// Connected but unschedulable is as dead as a failed connect; the
		// retry loop will redo the whole start.
		m.scheduleRetry(accountID, err)
		return fmt.Errorf("schedule account %s: %w", accountID, err)
	}

	rt.mu.Lock()
	rt.state = models.ConnConnected
	rt.conn = conn
	rt.attempt = 0
	rt.lastError = nil
	rt.cronEntry = entryID
	rt.mu.Unlock()
	m.notifyState(accountID, models.ConnConnected)

	m.logger.Sugar().Infow("account connected", "account_id", accountID, "interval", interval.String())
	m.enqueue(accountID, jobs.TriggerStartup)
	return nil
}

// StopAccount drops the connection and unschedules the account. Idempotent.
func (m *Manager) StopAccount(accountID string) {
	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	if rt.cronEntry != 0 {
		m.cron.Remove(rt.cronEntry)
		rt.cronEntry = 0
	}
	if rt.retry != nil {
		rt.retry.Stop()
		rt.retry = nil
	}
	rt.conn = nil
	rt.state = models.ConnStopped
	rt.mu.Unlock()
	m.notifyState(accountID, models.ConnStopped)
	m.logger.Sugar().Infow("account stopped", "account_id", accountID)
}

// TriggerSync enqueues a manual sync pass for a connected account. A pass
// already in flight is reported rather than silently coalesced, so a
// caller asking for a fresh pass knows it did not get one.
func (m *Manager) TriggerSync(accountID string) error {
	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	connected := rt.state == models.ConnConnected
	syncing := rt.syncing
	rt.mu.Unlock()
	if !connected {
		return appErrors.ErrNotConnected
	}
	if syncing {
		return appErrors.ErrSyncInProgress
	}
	m.enqueue(accountID, jobs.TriggerManual)
	return nil
}

// ConnectionFor returns the live connection of a connected account.
func (m *Manager) ConnectionFor(accountID string) (caldav.Connection, error) {
	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state != models.ConnConnected || rt.conn == nil {
		return nil, appErrors.ErrNotConnected
	}
	return rt.conn, nil
}

// Status reports one account's connection view.
func (m *Manager) Status(ctx context.Context, accountID string) (*models.AccountStatus, error) {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	count, err := m.calendars.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	status := &models.AccountStatus{
		AccountID:     account.ID,
		Name:          account.Name,
		State:         rt.state,
		Connected:     rt.state == models.ConnConnected,
		Syncing:       rt.syncing,
		CalendarCount: count,
		LastSyncedAt:  account.LastSyncedAt,
		LastError:     account.LastError,
	}
	if rt.lastError != nil {
		status.LastError = rt.lastError
	}
	return status, nil
}

// StatusAll reports every account.
func (m *Manager) StatusAll(ctx context.Context) ([]models.AccountStatus, error) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]models.AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		status, err := m.Status(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

func (m *Manager) runtimeFor(accountID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[accountID]
	if !ok {
		rt = &runtime{state: models.ConnStopped}
		m.runtimes[accountID] = rt
	}
	return rt
}

func (m *Manager) enqueue(accountID string, trigger jobs.SyncTrigger) {
	if err := m.queue.Enqueue(jobs.Job{AccountID: accountID, Trigger: trigger}); err != nil {
		m.logger.Sugar().Warnw("enqueue failed", "account_id", accountID, "trigger", trigger, "error", err)
	}
}

// handleJob runs one sync pass. The per-account syncing flag is the only
// overlap guard: a second pass arriving while one runs becomes a no-op
// rather than queueing behind it.
func (m *Manager) handleJob(ctx context.Context, job jobs.Job) error {
	rt := m.runtimeFor(job.AccountID)

	rt.mu.Lock()
	if rt.syncing {
		rt.mu.Unlock()
		m.logger.Sugar().Debugw("sync pass skipped, already running", "account_id", job.AccountID)
		return nil
	}
	if rt.state != models.ConnConnected || rt.conn == nil {
		rt.mu.Unlock()
		return nil
	}
	rt.syncing = true
	conn := rt.conn
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.syncing = false
		rt.mu.Unlock()
	}()

	account, err := m.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	if m.observer != nil {
		m.observer.SyncStarted(job.AccountID, job.Trigger)
	}

	result, err := m.reconciler.SyncAccount(ctx, *account, conn)
	if m.observer != nil {
		m.observer.SyncCompleted(job.AccountID, result, err)
	}

	if err != nil {
		// Account-level listing failure means the connection is no good
		// anymore; fall back to the reconnect loop.
		msg := err.Error()
		if uerr := m.accounts.UpdateSyncState(ctx, job.AccountID, nil, &msg); uerr != nil {
			m.logger.Sugar().Warnw("record sync failure", "account_id", job.AccountID, "error", uerr)
		}
		m.dropConnection(job.AccountID)
		m.scheduleRetry(job.AccountID, err)
		return err
	}

	now := time.Now().UTC()
	if uerr := m.accounts.UpdateSyncState(ctx, job.AccountID, &now, nil); uerr != nil {
		m.logger.Sugar().Warnw("record sync success", "account_id", job.AccountID, "error", uerr)
	}

	m.logger.Sugar().Infow("sync pass complete",
		"account_id", job.AccountID,
		"trigger", job.Trigger,
		"calendars", result.Calendars,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"errors", len(result.Errors),
		"duration", result.Duration.String(),
	)

	if m.onSynced != nil {
		m.onSynced(job.AccountID, result)
	}
	return nil
}

func (m *Manager) dropConnection(accountID string) {
	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	if rt.cronEntry != 0 {
		m.cron.Remove(rt.cronEntry)
		rt.cronEntry = 0
	}
	rt.conn = nil
	rt.mu.Unlock()
}

// scheduleRetry arms the reconnect timer with exponential backoff: delay
// doubles per consecutive failure from the base up to the cap, and resets
// only on a successful connect.
func (m *Manager) scheduleRetry(accountID string, cause error) {
	rt := m.runtimeFor(accountID)

	rt.mu.Lock()
	rt.attempt++
	msg := cause.Error()
	rt.lastError = &msg
	rt.state = models.ConnRetrying

	delay := m.backoffDelay(rt.attempt)

	if rt.retry != nil {
		rt.retry.Stop()
	}
	attempt := rt.attempt
	rt.retry = time.AfterFunc(delay, func() { m.reconnect(accountID) })
	rt.mu.Unlock()

	m.notifyState(accountID, models.ConnRetrying)
	m.logger.Sugar().Warnw("connection retry scheduled",
		"account_id", accountID, "attempt", attempt, "delay", delay.String(), "error", msg)
}

// backoffDelay doubles the base delay per consecutive failed attempt,
// clamped at the configured cap.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.RetryBaseDelay
	for i := 1; i < attempt && delay < m.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > m.cfg.RetryMaxDelay {
		delay = m.cfg.RetryMaxDelay
	}
	return delay
}

func (m *Manager) reconnect(accountID string) {
	ctx := m.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	rt := m.runtimeFor(accountID)
	rt.mu.Lock()
	if rt.state != models.ConnRetrying {
		// Stopped or reconnected by hand while the timer was pending.
		rt.mu.Unlock()
		return
	}
	rt.state = models.ConnStopped
	rt.mu.Unlock()

	if err := m.StartAccount(ctx, accountID); err != nil {
		return
	}
}

func (m *Manager) notifyState(accountID string, state models.ConnState) {
	if m.observer != nil {
		m.observer.ConnectionStateChanged(accountID, state)
	}
}
