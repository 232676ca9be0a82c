// Package manager owns the session lifecycle: it spawns one workflow
// goroutine per research request, serves read-only views to the HTTP layer,
// and persists finished documents to the plan store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"colloquy/internal/activity"
	"colloquy/internal/config"
	"colloquy/internal/plans"
	"colloquy/internal/provider"
	"colloquy/internal/session"
	"colloquy/internal/workflow"
)

// ErrNotFound indicates the session id is unknown.
var ErrNotFound = errors.New("manager: session not found")

// Manager coordinates running sessions. Safe for concurrent use.
type Manager struct {
	cfg      config.Config
	analyst  provider.Collaborator
	critic   provider.Collaborator
	searcher workflow.Searcher
	sink     *plans.Store
	logger   *zap.Logger

	store *session.Store

	mu    sync.RWMutex
	feeds map[string]*activity.Log
	saved map[string][]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a manager. Sessions started later inherit the manager's
// lifetime: Shutdown cancels their contexts.
func New(cfg config.Config, analyst, critic provider.Collaborator, searcher workflow.Searcher, sink *plans.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		analyst:  analyst,
		critic:   critic,
		searcher: searcher,
		sink:     sink,
		logger:   logger.Named("manager"),
		store:    session.NewStore(),
		feeds:    make(map[string]*activity.Log),
		saved:    make(map[string][]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers a new session for prompt and launches its workflow
// goroutine. Returns the session id immediately; progress is observed
// through Status and Activity.
func (m *Manager) Start(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("manager: empty prompt")
	}
	sess := session.New(prompt)
	if err := m.store.Put(sess); err != nil {
		return "", err
	}
	feed := activity.NewLog()
	m.mu.Lock()
	m.feeds[sess.ID()] = feed
	m.mu.Unlock()

	feed.Append(sess.Stage(), activity.KindStatus, "System", "Session started: "+prompt)
	m.logger.Info("session started", zap.String("session", sess.ID()))

	m.wg.Add(1)
	go m.run(sess, feed)
	return sess.ID(), nil
}

// run is the per-session workflow loop. The abandon flag is checked between
// indivisible units; the unit in flight always finishes.
func (m *Manager) run(sess *session.Session, feed *activity.Log) {
	defer m.wg.Done()
	eng := workflow.New(sess, feed, m.analyst, m.critic, m.searcher, m.cfg.Workflow, m.logger)
	for !sess.Done() {
		if m.ctx.Err() != nil {
			sess.Abandon()
			break
		}
		if err := eng.Advance(m.ctx); err != nil {
			sess.Fail(err.Error())
			feed.Append(sess.Stage(), activity.KindError, "System", "Session failed: "+err.Error())
			m.logger.Error("session failed", zap.String("session", sess.ID()), zap.Error(err))
			return
		}
	}
	if sess.Abandoned() {
		feed.Append(sess.Stage(), activity.KindStatus, "System", "Session abandoned")
		m.logger.Info("session abandoned", zap.String("session", sess.ID()))
		return
	}
	m.persist(sess, feed)
}

// persist writes the completed session's documents to the plan store.
func (m *Manager) persist(sess *session.Session, feed *activity.Log) {
	if m.sink == nil {
		return
	}
	names, err := m.sink.SaveAll(sess.ID(), sess.Documents())
	if err != nil {
		feed.Append(sess.Stage(), activity.KindError, "System", "Saving plans failed: "+err.Error())
		m.logger.Error("plan save failed", zap.String("session", sess.ID()), zap.Error(err))
	}
	if len(names) > 0 {
		m.mu.Lock()
		m.saved[sess.ID()] = names
		m.mu.Unlock()
		feed.Append(sess.Stage(), activity.KindStatus, "System",
			fmt.Sprintf("Saved %d plans: %s", len(names), strings.Join(names, ", ")))
	}
	m.logger.Info("session completed",
		zap.String("session", sess.ID()),
		zap.Int("plans", len(names)),
		zap.Float64("maturity", sess.Maturity()))
}

// Status is the client-facing session view: the snapshot plus the activity
// cursor a poller resumes from.
type Status struct {
	session.Snapshot
	ActivityCursor int64    `json:"activity_cursor"`
	SavedPlans     []string `json:"saved_plans,omitempty"`
}

// Status returns the view for one session.
func (m *Manager) Status(id string) (Status, error) {
	sess, ok := m.store.Get(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	m.mu.RLock()
	feed := m.feeds[id]
	names := append([]string(nil), m.saved[id]...)
	m.mu.RUnlock()
	view := Status{Snapshot: sess.Snapshot(), SavedPlans: names}
	if feed != nil {
		view.ActivityCursor = feed.Cursor()
	}
	return view, nil
}

// Activity returns feed events after the cursor for one session.
func (m *Manager) Activity(id string, after int64) ([]activity.Event, error) {
	m.mu.RLock()
	feed := m.feeds[id]
	m.mu.RUnlock()
	if feed == nil {
		return nil, ErrNotFound
	}
	return feed.Since(after), nil
}

// Abandon requests cooperative teardown of a session. The workflow finishes
// its current unit and stops; session state stays readable.
func (m *Manager) Abandon(id string) error {
	sess, ok := m.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	sess.Abandon()
	m.logger.Info("abandon requested", zap.String("session", id))
	return nil
}

// List returns the status of every known session, ordered by id.
func (m *Manager) List() []Status {
	ids := m.store.IDs()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if view, err := m.Status(id); err == nil {
			out = append(out, view)
		}
	}
	return out
}

// Purge drops finished sessions older than maxAge and their feeds. Returns
// how many were removed.
func (m *Manager) Purge(maxAge time.Duration) int {
	removed := m.store.Purge(maxAge)
	m.mu.Lock()
	for id := range m.feeds {
		if _, ok := m.store.Get(id); !ok {
			delete(m.feeds, id)
			delete(m.saved, id)
		}
	}
	m.mu.Unlock()
	return removed
}

// Shutdown abandons every running session and waits for their goroutines,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("manager: shutdown: %w", ctx.Err())
	}
}
