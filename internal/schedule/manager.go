// Package schedule keeps one daily digest job per subscriber inside a cron
// scheduler, synchronized with the subscriber store.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/notifier"
	"github.com/suspectuso/crypto-reminder/internal/storage"
)

const jobPrefix = "digest:"

// errJobRemoved is returned from a digest dispatch whose job was replaced
// or removed while the digest was being prepared.
var errJobRemoved = errors.New("digest job removed")

// JobName is the scheduler identity of a subscriber's digest job.
func JobName(subscriberID string) string {
	return jobPrefix + subscriberID
}

// DigestFirer renders and dispatches one digest.
type DigestFirer interface {
	Fire(ctx context.Context, jc notifier.JobContext) error
}

// Options tunes a Manager.
type Options struct {
	// DefaultTimezone is used for subscribers whose zone does not load.
	DefaultTimezone string
	// JobTimeout bounds a single firing.
	JobTimeout time.Duration
}

type digestJob struct {
	subscriberID string
	entryID      cron.EntryID
	gen          uint64
	trigger      Daily
}

// JobInfo describes a live job.
type JobInfo struct {
	Name         string    `json:"name"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	Next         time.Time `json:"next"`
}

// Manager owns the digest job table. Register, Unregister and Reconcile
// are the only paths that add or remove digest entries in the scheduler.
type Manager struct {
	cron       *cron.Cron
	store      notifier.SubscriberReader
	digest     DigestFirer
	sender     notifier.Sender
	defaultLoc *time.Location
	jobTimeout time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	jobs    map[string]digestJob
	pollers map[string]cron.EntryID
	gen     uint64

	// held across the send of a scheduled digest, keyed by subscriber
	dispatch map[string]*sync.Mutex
}

// New creates a stopped Manager.
func New(store notifier.SubscriberReader, digest DigestFirer, sender notifier.Sender, opts Options, log *zap.Logger) (*Manager, error) {
	loc, err := time.LoadLocation(opts.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("default timezone: %w", err)
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	cl := cronLogger{log: log.Named("cron")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Manager{
		cron:       c,
		store:      store,
		digest:     digest,
		sender:     sender,
		defaultLoc: loc,
		jobTimeout: timeout,
		log:        log,
		jobs:       make(map[string]digestJob),
		pollers:    make(map[string]cron.EntryID),
		dispatch:   make(map[string]*sync.Mutex),
	}, nil
}

// Start runs the scheduler in its own goroutine.
func (m *Manager) Start() {
	m.cron.Start()
	m.log.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (m *Manager) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		m.log.Info("scheduler stopped")
	case <-ctx.Done():
		m.log.Warn("scheduler stop timed out, jobs still running")
	}
}

// Reconcile makes the digest job set match the store exactly: one job per
// stored subscriber, none for anyone else. Jobs whose time or zone changed
// are replaced.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	removed, err := m.reconcileLocked(ctx)
	m.mu.Unlock()

	for _, id := range removed {
		m.waitDispatch(id)
	}
	return err
}

func (m *Manager) reconcileLocked(ctx context.Context) ([]string, error) {
	subs, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	want := make(map[string]bool, len(subs))
	for _, s := range subs {
		want[JobName(s.ID)] = true
	}

	var removed []string
	for name, j := range m.jobs {
		if !want[name] {
			m.removeLocked(j.subscriberID)
			removed = append(removed, j.subscriberID)
		}
	}

	for i := range subs {
		sub := &subs[i]
		trigger := m.trigger(sub)
		if j, ok := m.jobs[JobName(sub.ID)]; ok && j.trigger.equal(trigger) {
			continue
		}
		m.removeLocked(sub.ID)
		m.addLocked(sub.ID, trigger)
	}

	m.log.Info("digest jobs reconciled",
		zap.Int("jobs", len(m.jobs)),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

// Register replaces the subscriber's digest job with one built from the
// current stored record. If the subscriber is not stored any more, its job
// is removed instead.
func (m *Manager) Register(ctx context.Context, subscriberID string) error {
	m.mu.Lock()

	// read under the lock so a concurrent Unregister cannot be undone by a
	// record loaded before the delete
	sub, err := m.store.Get(ctx, subscriberID)
	if errors.Is(err, storage.ErrNotFound) {
		m.removeLocked(subscriberID)
		m.mu.Unlock()
		m.waitDispatch(subscriberID)
		return nil
	}
	defer m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", subscriberID, err)
	}

	m.removeLocked(subscriberID)
	m.addLocked(sub.ID, m.trigger(sub))
	return nil
}

// Unregister removes the subscriber's digest job if present. If the job is
// sending right now, Unregister waits for the send to finish; a firing that
// has not reached its send yet is dropped. Either way nothing is sent for
// the removed job after Unregister returns.
func (m *Manager) Unregister(subscriberID string) {
	m.mu.Lock()
	removed := m.removeLocked(subscriberID)
	m.mu.Unlock()

	m.waitDispatch(subscriberID)
	if removed {
		m.log.Info("digest job removed", zap.String("subscriber_id", subscriberID))
	}
}

// Fire runs the subscriber's digest now, outside its trigger.
func (m *Manager) Fire(ctx context.Context, subscriberID string) error {
	return m.digest.Fire(ctx, notifier.SenderContext(m.sender, subscriberID))
}

// AddPoller schedules a named recurring task that is not tied to a subscriber.
func (m *Manager) AddPoller(name string, every, first time.Duration, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pollers[name]; ok {
		return fmt.Errorf("poller %q already registered", name)
	}

	id := m.cron.Schedule(&Interval{First: first, Every: every}, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Error("poller failed", zap.String("poller", name), zap.Error(err))
		}
	}))
	m.pollers[name] = id

	m.log.Info("poller scheduled",
		zap.String("poller", name),
		zap.Duration("every", every),
		zap.Duration("first", first),
	)
	return nil
}

// JobNames returns the sorted names of the live digest jobs.
func (m *Manager) JobNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Jobs describes every live job, digests and pollers, sorted by name.
func (m *Manager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]JobInfo, 0, len(m.jobs)+len(m.pollers))
	for name, j := range m.jobs {
		out = append(out, JobInfo{
			Name:         name,
			SubscriberID: j.subscriberID,
			Next:         m.cron.Entry(j.entryID).Next,
		})
	}
	for name, id := range m.pollers {
		out = append(out, JobInfo{Name: name, Next: m.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// SyncLoop periodically reconciles the job table with the store to pick up
// edits made outside this process.
func (m *Manager) SyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("digest sync loop started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.log.Error("reconcile digest jobs", zap.Error(err))
			}
		}
	}
}

func (m *Manager) trigger(sub *storage.Subscriber) Daily {
	return Daily{
		Hour:     sub.DeliveryTime.Hour,
		Minute:   sub.DeliveryTime.Minute,
		Location: m.location(sub),
	}
}

func (m *Manager) addLocked(subscriberID string, trigger Daily) {
	m.gen++
	gen := m.gen

	entryID := m.cron.Schedule(trigger, cron.FuncJob(func() { m.run(subscriberID, gen) }))
	m.jobs[JobName(subscriberID)] = digestJob{
		subscriberID: subscriberID,
		entryID:      entryID,
		gen:          gen,
		trigger:      trigger,
	}

	m.log.Debug("digest job scheduled",
		zap.String("subscriber_id", subscriberID),
		zap.String("time", fmt.Sprintf("%02d:%02d", trigger.Hour, trigger.Minute)),
		zap.String("timezone", trigger.Location.String()),
	)
}

func (m *Manager) removeLocked(subscriberID string) bool {
	name := JobName(subscriberID)
	j, ok := m.jobs[name]
	if !ok {
		return false
	}
	m.cron.Remove(j.entryID)
	delete(m.jobs, name)
	return true
}

// current reports whether gen is still the live job for the subscriber.
func (m *Manager) current(subscriberID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[JobName(subscriberID)]
	return ok && j.gen == gen
}

// dispatchLock returns the subscriber's send lock.
func (m *Manager) dispatchLock(subscriberID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.dispatch[subscriberID]
	if !ok {
		l = &sync.Mutex{}
		m.dispatch[subscriberID] = l
	}
	return l
}

// waitDispatch blocks until a send in progress for the subscriber is done.
// The job must already be out of the table.
func (m *Manager) waitDispatch(subscriberID string) {
	m.mu.Lock()
	l := m.dispatch[subscriberID]
	m.mu.Unlock()
	if l == nil {
		return
	}

	l.Lock()
	l.Unlock()

	m.mu.Lock()
	if _, ok := m.jobs[JobName(subscriberID)]; !ok && m.dispatch[subscriberID] == l {
		delete(m.dispatch, subscriberID)
	}
	m.mu.Unlock()
}

func (m *Manager) run(subscriberID string, gen uint64) {
	if !m.current(subscriberID, gen) {
		m.log.Info("skipping replaced digest job", zap.String("subscriber_id", subscriberID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	defer cancel()

	// the generation is checked again under the send lock: removal takes
	// the same lock, so a removed job cannot send afterwards
	jc := notifier.SenderContext(m.sender, subscriberID)
	send := jc.Dispatch
	lock := m.dispatchLock(subscriberID)
	jc.Dispatch = func(ctx context.Context, text string) error {
		lock.Lock()
		defer lock.Unlock()
		if !m.current(subscriberID, gen) {
			return errJobRemoved
		}
		return send(ctx, text)
	}

	err := m.digest.Fire(ctx, jc)
	switch {
	case errors.Is(err, errJobRemoved):
		m.log.Info("digest dropped, job removed while running", zap.String("subscriber_id", subscriberID))
	case errors.Is(err, notifier.ErrNoPriceData):
		m.log.Warn("digest skipped, no price data", zap.String("subscriber_id", subscriberID))
	case err != nil:
		m.log.Error("digest failed", zap.String("subscriber_id", subscriberID), zap.Error(err))
	}
}

func (m *Manager) location(sub *storage.Subscriber) *time.Location {
	if sub.Timezone != "" {
		if loc, err := time.LoadLocation(sub.Timezone); err == nil {
			return loc
		}
	}
	m.log.Warn("invalid timezone, using default",
		zap.String("subscriber_id", sub.ID),
		zap.String("timezone", sub.Timezone),
		zap.String("default", m.defaultLoc.String()),
	)
	return m.defaultLoc
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
