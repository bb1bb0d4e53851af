package pipeline

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/internal/store"
	"github.com/ajitpratap0/quasar/pkg/broker"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/retry"
	"github.com/ajitpratap0/quasar/pkg/testutil"
)

type performFunc func(ctx context.Context, job *models.Export, attempt int, previous error) error

// fakeTasks records every attempt and delegates to a per-transaction script
type fakeTasks struct {
	mu       sync.Mutex
	scripts  map[string]performFunc
	attempts []string
	running  atomic.Int32
	overlap  atomic.Bool
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{scripts: make(map[string]performFunc)}
}

func (f *fakeTasks) script(transaction string, fn performFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[transaction] = fn
}

func (f *fakeTasks) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func (f *fakeTasks) Task(job *models.Export) retry.Task {
	return &fakeTask{tasks: f, job: job}
}

type fakeTask struct {
	tasks *fakeTasks
	job   *models.Export
}

func (t *fakeTask) Name() string  { return "fake " + t.job.Transaction }
func (t *fakeTask) Attempts() int { return t.job.Settings.Attempts }

func (t *fakeTask) Perform(ctx context.Context, attempt int, previous error) error {
	f := t.tasks
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)

	f.mu.Lock()
	f.attempts = append(f.attempts, t.job.Transaction)
	fn := f.scripts[t.job.Transaction]
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, t.job, attempt, previous)
}

type fixture struct {
	repo       *store.Memory
	store      *store.Store
	log        *broker.Memory
	tasks      *fakeTasks
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := store.NewMemory()
	repo.PutSource(models.SourceProfile{Name: "s1"})
	repo.PutTarget(models.TargetProfile{Name: "t1"})

	s := store.New(repo, repo, store.Defaults{
		Attempts: 1,
		Stamps:   models.Stamps{ID: "_id", Insert: "createdAt", Update: "updatedAt", Limit: 10},
	})

	log := broker.NewMemory()
	tasks := newFakeTasks()
	d := NewDispatcher(s, log, tasks, retry.NewEngine(), Config{
		DiscoveryInterval: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, testutil.TestLogger(t))

	return &fixture{repo: repo, store: s, log: log, tasks: tasks, dispatcher: d}
}

func (f *fixture) register(t *testing.T, transaction, collection string, attempts int) *models.Export {
	t.Helper()

	ctx := logger.WithTransaction(context.Background(), transaction)
	job, err := f.store.Register(ctx, &models.ExportInput{
		Source:   models.ExportSource{Name: "s1", Database: "db", Collection: collection},
		Target:   models.ExportTarget{Name: "t1"},
		Settings: &models.SettingsInput{Attempts: &attempts},
	})
	require.NoError(t, err)
	return job
}

type running struct {
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// Stop cancels the dispatcher and waits for Run to return
func (r *running) Stop() error {
	r.once.Do(func() {
		r.cancel()
		r.err = <-r.done
	})
	return r.err
}

// start runs the dispatcher until stopped or until the test ends
func (f *fixture) start(t *testing.T) *running {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- f.dispatcher.Run(ctx) }()
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func (f *fixture) status(t *testing.T, transaction string) models.Status {
	job, err := f.repo.Get(context.Background(), transaction)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) waitStatus(t *testing.T, transaction string, status models.Status) {
	t.Helper()
	testutil.AssertEventually(t, func() bool {
		return f.status(t, transaction) == status
	}, 5*time.Second, transaction+" did not become "+string(status))
}

func TestDispatcherRunsPipelineInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tx := range []string{"t1", "t2", "t3", "t4"} {
		job := f.register(t, tx, "orders", 1)
		f.tasks.script(tx, func(context.Context, *models.Export, int, error) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
		require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	}

	f.start(t)
	f.waitStatus(t, "t4", models.StatusSuccess)

	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, f.tasks.calls())
	assert.False(t, f.tasks.overlap.Load(), "jobs of one pipeline must not overlap")
	assert.Empty(t, f.log.Pending(models.Pipeline{
		Source: models.ExportSource{Name: "s1", Database: "db", Collection: "orders"},
		Target: models.ExportTarget{Name: "t1"},
	}.Key()))
}

func TestDispatcherRunsPipelinesConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders := f.register(t, "orders-job", "orders", 1)
	users := f.register(t, "users-job", "users", 1)

	// each job waits for the other to start
	ordersStarted := make(chan struct{})
	usersStarted := make(chan struct{})
	f.tasks.script("orders-job", func(context.Context, *models.Export, int, error) error {
		close(ordersStarted)
		select {
		case <-usersStarted:
			return nil
		case <-time.After(2 * time.Second):
			return stderrors.New("users pipeline never started")
		}
	})
	f.tasks.script("users-job", func(context.Context, *models.Export, int, error) error {
		close(usersStarted)
		select {
		case <-ordersStarted:
			return nil
		case <-time.After(2 * time.Second):
			return stderrors.New("orders pipeline never started")
		}
	})

	require.NoError(t, f.dispatcher.Enqueue(ctx, orders))
	require.NoError(t, f.dispatcher.Enqueue(ctx, users))
	f.start(t)

	f.waitStatus(t, "orders-job", models.StatusSuccess)
	f.waitStatus(t, "users-job", models.StatusSuccess)
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "tx", "orders", 3)
	var previous []error
	f.tasks.script("tx", func(_ context.Context, _ *models.Export, attempt int, prev error) error {
		previous = append(previous, prev)
		if attempt < 3 {
			return stderrors.New("transient")
		}
		return nil
	})

	f.start(t)
	require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	f.waitStatus(t, "tx", models.StatusSuccess)

	assert.Len(t, f.tasks.calls(), 3)
	require.Len(t, previous, 3)
	assert.Nil(t, previous[0])
	assert.EqualError(t, previous[2], "transient")

	stored, err := f.repo.Get(ctx, "tx")
	require.NoError(t, err)
	assert.Nil(t, stored.Error)
}

func TestDispatcherRecordsExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failing := f.register(t, "failing", "orders", 2)
	next := f.register(t, "next", "orders", 1)
	f.tasks.script("failing", func(_ context.Context, _ *models.Export, attempt int, _ error) error {
		return stderrors.New("warehouse unavailable")
	})

	require.NoError(t, f.dispatcher.Enqueue(ctx, failing))
	require.NoError(t, f.dispatcher.Enqueue(ctx, next))
	f.start(t)

	f.waitStatus(t, "next", models.StatusSuccess)
	assert.Equal(t, models.StatusError, f.status(t, "failing"))

	stored, err := f.repo.Get(ctx, "failing")
	require.NoError(t, err)
	require.NotNil(t, stored.Error)
	assert.Contains(t, stored.Error.Message, "after 2 attempt(s)")
	assert.Equal(t, "warehouse unavailable", stored.Error.Cause)
	assert.Equal(t, []string{"failing", "failing", "next"}, f.tasks.calls())
}

func TestDispatcherZeroAttemptsMarksError(t *testing.T) {
	f := newFixture(t)

	job := f.register(t, "never", "orders", 0)
	require.NoError(t, f.dispatcher.Enqueue(context.Background(), job))
	f.start(t)

	f.waitStatus(t, "never", models.StatusError)
	assert.Empty(t, f.tasks.calls())
}

func TestDispatcherSkipsLostTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "real", "orders", 1)
	key := job.PipelineKey()

	_, err := f.log.Append(ctx, key, "ghost")
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	f.start(t)

	f.waitStatus(t, "real", models.StatusSuccess)
	assert.Equal(t, []string{"real"}, f.tasks.calls())
	testutil.AssertEventually(t, func() bool {
		return len(f.log.Pending(key)) == 0
	}, time.Second, "entries not acknowledged")
}

func TestDispatcherSkipsFinishedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "done", "orders", 1)
	require.NoError(t, f.store.MarkSuccess(ctx, job))
	after := f.register(t, "after", "orders", 1)

	// the same entry delivered again after a crash
	_, err := f.log.Append(ctx, job.PipelineKey(), "done")
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Enqueue(ctx, after))
	f.start(t)

	f.waitStatus(t, "after", models.StatusSuccess)
	assert.Equal(t, []string{"after"}, f.tasks.calls())
}

func TestDispatcherContainsTaskPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.register(t, "bad", "orders", 1)
	good := f.register(t, "good", "orders", 1)
	f.tasks.script("bad", func(context.Context, *models.Export, int, error) error {
		panic("nil map")
	})

	require.NoError(t, f.dispatcher.Enqueue(ctx, bad))
	require.NoError(t, f.dispatcher.Enqueue(ctx, good))
	f.start(t)

	f.waitStatus(t, "good", models.StatusSuccess)
	assert.Equal(t, models.StatusError, f.status(t, "bad"))
}

func TestDispatcherRetriesStatusUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "tx", "orders", 1)

	var failures atomic.Int32
	f.repo.SaveErr = func(j *models.Export) error {
		if j.Status == models.StatusSuccess && failures.Add(1) <= 2 {
			return stderrors.New("primary stepped down")
		}
		return nil
	}

	require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	f.start(t)

	f.waitStatus(t, "tx", models.StatusSuccess)
	testutil.AssertEventually(t, func() bool {
		return len(f.log.Pending(job.PipelineKey())) == 0
	}, time.Second, "entry not acknowledged")
	assert.Equal(t, []string{"tx"}, f.tasks.calls(), "only the status write is retried")
}

func TestDispatcherRetriesFailureStatusWithoutRerunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "tx", "orders", 2)
	f.tasks.script("tx", func(context.Context, *models.Export, int, error) error {
		return stderrors.New("warehouse unavailable")
	})

	var failures atomic.Int32
	f.repo.SaveErr = func(j *models.Export) error {
		if j.Status == models.StatusError && failures.Add(1) == 1 {
			return stderrors.New("primary stepped down")
		}
		return nil
	}

	require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	f.start(t)

	f.waitStatus(t, "tx", models.StatusError)
	testutil.AssertEventually(t, func() bool {
		return len(f.log.Pending(job.PipelineKey())) == 0
	}, time.Second, "entry not acknowledged")

	assert.Len(t, f.tasks.calls(), 2, "attempts budget spent exactly once")
	stored, err := f.repo.Get(ctx, "tx")
	require.NoError(t, err)
	require.NotNil(t, stored.Error)
	assert.Contains(t, stored.Error.Message, "after 2 attempt(s)")
	assert.Equal(t, int32(2), failures.Load())
}

func TestDispatcherLeavesInterruptedJobForRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.register(t, "slow", "orders", 3)
	key := job.PipelineKey()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	f.tasks.script("slow", func(context.Context, *models.Export, int, error) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return stderrors.New("first attempt failed")
		}
		return nil
	})

	require.NoError(t, f.dispatcher.Enqueue(ctx, job))
	r := f.start(t)

	<-started
	r.cancel()
	close(release)
	require.NoError(t, r.Stop())

	// the attempt in flight finished, no further attempt was made
	assert.Equal(t, []string{"slow"}, f.tasks.calls())
	assert.Equal(t, models.StatusPending, f.status(t, "slow"))
	assert.Len(t, f.log.Pending(key), 1)

	// a restarted consumer gets the same entry and completes the job
	f.log.Requeue(key)
	restarted := NewDispatcher(f.store, f.log, f.tasks, retry.NewEngine(), Config{
		DiscoveryInterval: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, testutil.TestLogger(t))

	runCtx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- restarted.Run(runCtx) }()
	defer func() {
		cancel()
		<-finished
	}()

	f.waitStatus(t, "slow", models.StatusSuccess)
}

func TestDispatcherDiscoversPendingPipelines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// registered and appended by another process
	job := f.register(t, "elsewhere", "orders", 1)
	_, err := f.log.Append(ctx, job.PipelineKey(), job.Transaction)
	require.NoError(t, err)

	f.start(t)
	f.waitStatus(t, "elsewhere", models.StatusSuccess)
}

func TestDispatcherRunTwice(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	testutil.AssertEventually(t, func() bool {
		f.dispatcher.mu.Lock()
		defer f.dispatcher.mu.Unlock()
		return f.dispatcher.running
	}, time.Second, "dispatcher did not start")

	assert.Error(t, f.dispatcher.Run(context.Background()))
}
