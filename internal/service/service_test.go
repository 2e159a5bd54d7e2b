package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/poller"
	"github.com/kjstillabower/status-poller/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	targets     []models.Target
	latest      map[string]models.Check
	history     map[string][]models.Check
	uptime      map[string][2]int
	failures    map[string]int
	err         error
	latestCalls int
	lastLimit   int
}

func (m *mockStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	return m.targets, m.err
}

func (m *mockStore) GetTarget(ctx context.Context, name string) (models.Target, error) {
	if m.err != nil {
		return models.Target{}, m.err
	}
	for _, t := range m.targets {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Target{}, fmt.Errorf("target %s: %w", name, store.ErrNotFound)
}

func (m *mockStore) LatestCheck(ctx context.Context, name string) (models.Check, error) {
	m.latestCalls++
	c, ok := m.latest[name]
	if !ok {
		return models.Check{}, store.ErrNotFound
	}
	return c, nil
}

func (m *mockStore) History(ctx context.Context, name string, limit int) ([]models.Check, error) {
	m.lastLimit = limit
	return m.history[name], nil
}

func (m *mockStore) Uptime(ctx context.Context, name string, since time.Time) (int, int, error) {
	u := m.uptime[name]
	return u[0], u[1], nil
}

func (m *mockStore) ConsecutiveFailures(ctx context.Context, name string) (int, error) {
	return m.failures[name], nil
}

type mockCache struct {
	data map[string]models.Check
	err  error
	sets int
}

func (m *mockCache) Get(ctx context.Context, name string) (models.Check, bool, error) {
	if m.err != nil {
		return models.Check{}, false, m.err
	}
	c, ok := m.data[name]
	return c, ok, nil
}

func (m *mockCache) Set(ctx context.Context, name string, c models.Check, ttl time.Duration) error {
	m.sets++
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = map[string]models.Check{}
	}
	m.data[name] = c
	return nil
}

type mockChecker struct {
	check models.Check
	err   error
	calls int
}

func (m *mockChecker) CheckNow(ctx context.Context, name string) (models.Check, error) {
	m.calls++
	return m.check, m.err
}

func tgt(name string) models.Target {
	return models.Target{Name: name, URL: "https://" + name + ".example.com", Method: "GET", Interval: time.Minute, Timeout: time.Second}
}

func chk(name string, status models.CheckStatus, age time.Duration) models.Check {
	return models.Check{ID: name + "-1", Target: name, Status: status, CheckedAt: now.Add(-age)}
}

func newTestService(st Store, c *mockCache, ch Checker) *StatusService {
	var svc *StatusService
	if c == nil {
		svc = NewStatusService(st, nil, ch, Options{Window: time.Hour, StaleFactor: 3}, nil)
	} else {
		svc = NewStatusService(st, c, ch, Options{Window: time.Hour, StaleFactor: 3}, nil)
	}
	svc.now = func() time.Time { return now }
	return svc
}

func TestStatusService_Overview(t *testing.T) {
	st := &mockStore{
		targets: []models.Target{tgt("api"), tgt("db"), tgt("web")},
		latest: map[string]models.Check{
			"api": chk("api", models.StatusUp, 30*time.Second),
			"db":  chk("db", models.StatusDown, 10*time.Minute),
		},
		uptime:   map[string][2]int{"api": {3, 4}, "db": {0, 2}},
		failures: map[string]int{"db": 2},
	}
	svc := newTestService(st, &mockCache{}, nil)

	got, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if got.Up != 1 || got.Down != 1 || got.Unknown != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", got.Up, got.Down, got.Unknown)
	}
	if got.Window != "1h0m0s" {
		t.Errorf("Window = %q", got.Window)
	}
	if !got.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", got.GeneratedAt, now)
	}

	api, db, web := got.Targets[0], got.Targets[1], got.Targets[2]
	if api.UptimePct == nil || *api.UptimePct != 75 {
		t.Errorf("api uptime = %v, want 75", api.UptimePct)
	}
	if api.Stale {
		t.Error("api should not be stale")
	}
	if !db.Stale {
		t.Error("db last check 10m ago with 1m interval should be stale")
	}
	if db.ConsecutiveFailures != 2 {
		t.Errorf("db failures = %d, want 2", db.ConsecutiveFailures)
	}
	if db.UptimePct == nil || *db.UptimePct != 0 {
		t.Errorf("db uptime = %v, want 0", db.UptimePct)
	}
	if web.Status != models.StatusUnknown || web.LastCheck != nil || web.UptimePct != nil {
		t.Errorf("web = %+v, want unknown without check or uptime", web)
	}
}

func TestStatusService_Overview_CacheHitSkipsStore(t *testing.T) {
	st := &mockStore{targets: []models.Target{tgt("api")}}
	c := &mockCache{data: map[string]models.Check{"api": chk("api", models.StatusUp, time.Second)}}
	svc := newTestService(st, c, nil)

	got, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if got.Targets[0].Status != models.StatusUp {
		t.Errorf("status = %s, want up", got.Targets[0].Status)
	}
	if st.latestCalls != 0 {
		t.Errorf("store LatestCheck calls = %d, want 0 on cache hit", st.latestCalls)
	}
}

func TestStatusService_Overview_CacheMissRefills(t *testing.T) {
	st := &mockStore{
		targets: []models.Target{tgt("api")},
		latest:  map[string]models.Check{"api": chk("api", models.StatusDown, time.Second)},
	}
	c := &mockCache{}
	svc := newTestService(st, c, nil)

	if _, err := svc.Overview(context.Background()); err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if _, ok := c.data["api"]; !ok {
		t.Error("cache not refilled from store")
	}
}

func TestStatusService_Overview_CacheErrorFallsBack(t *testing.T) {
	st := &mockStore{
		targets: []models.Target{tgt("api")},
		latest:  map[string]models.Check{"api": chk("api", models.StatusUp, time.Second)},
	}
	svc := newTestService(st, &mockCache{err: errors.New("connection refused")}, nil)

	got, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview() error = %v, cache errors must not fail the request", err)
	}
	if got.Targets[0].Status != models.StatusUp {
		t.Errorf("status = %s, want up from store", got.Targets[0].Status)
	}
}

func TestStatusService_Overview_StoreError(t *testing.T) {
	svc := newTestService(&mockStore{err: errors.New("database is locked")}, nil, nil)
	if _, err := svc.Overview(context.Background()); err == nil {
		t.Fatal("Overview() error = nil, want store error")
	}
}

func TestStatusService_TargetDetail(t *testing.T) {
	hist := []models.Check{chk("api", models.StatusUp, 0), chk("api", models.StatusDown, time.Minute)}
	st := &mockStore{
		targets: []models.Target{tgt("api")},
		latest:  map[string]models.Check{"api": hist[0]},
		history: map[string][]models.Check{"api": hist},
	}
	svc := newTestService(st, nil, nil)

	ts, got, err := svc.TargetDetail(context.Background(), "api", 10)
	if err != nil {
		t.Fatalf("TargetDetail() error = %v", err)
	}
	if ts.Target.Name != "api" || ts.Status != models.StatusUp {
		t.Errorf("status = %+v", ts)
	}
	if len(got) != 2 || st.lastLimit != 10 {
		t.Errorf("history len = %d limit = %d", len(got), st.lastLimit)
	}

	_, _, err = svc.TargetDetail(context.Background(), "missing", 10)
	if !errors.Is(err, ErrTargetNotFound) || !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TargetDetail(missing) = %v, want ErrTargetNotFound wrapping store.ErrNotFound", err)
	}
}

func TestStatusService_CheckNow(t *testing.T) {
	st := &mockStore{targets: []models.Target{tgt("api")}}
	checker := &mockChecker{check: chk("api", models.StatusDown, 0)}
	svc := newTestService(st, nil, checker)

	got, err := svc.CheckNow(context.Background(), "api")
	if err != nil {
		t.Fatalf("CheckNow() error = %v", err)
	}
	if got.Status != models.StatusDown {
		t.Errorf("Status = %s, want down", got.Status)
	}

	if _, err := svc.CheckNow(context.Background(), "missing"); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("CheckNow(missing) = %v, want ErrTargetNotFound", err)
	}
	if checker.calls != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls)
	}
}

func TestStatusService_CheckNow_SchedulerErrors(t *testing.T) {
	st := &mockStore{targets: []models.Target{tgt("api")}}

	svc := newTestService(st, nil, &mockChecker{err: fmt.Errorf("api: %w", poller.ErrUnknownTarget)})
	if _, err := svc.CheckNow(context.Background(), "api"); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("err = %v, want ErrTargetNotFound", err)
	}

	svc = newTestService(st, nil, &mockChecker{err: poller.ErrNotRunning})
	if _, err := svc.CheckNow(context.Background(), "api"); !errors.Is(err, poller.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}
