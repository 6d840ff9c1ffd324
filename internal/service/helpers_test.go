package service

import (
	"sync"
	"testing"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/testutil"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type recordedEvent struct {
	Room    string
	Event   string
	Payload interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *fakeNotifier) EmitToRoom(room, event string, payload interface{}) {
	n.mu.Lock()
	n.events = append(n.events, recordedEvent{Room: room, Event: event, Payload: payload})
	n.mu.Unlock()
}

func (n *fakeNotifier) Events() []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedEvent(nil), n.events...)
}

func newLocalStorage(t *testing.T) *StorageService {
	return &StorageService{Provider: &LocalStorageProvider{Root: t.TempDir(), PublicURL: "http://localhost:5000"}}
}

type serviceEnv struct {
	*testutil.Fixture
	Clock    *fakeClock
	Notifier *fakeNotifier
	Storage  *StorageService

	TestRepo    *repository.TestRepository
	AttemptRepo *repository.AttemptRepository
	GradeRepo   *repository.GradeRepository
	UserRepo    *repository.UserRepository
	ResultRepo  *repository.ResultRepository

	Taking  *TestTakingService
	Tests   *TestService
	Results *ResultService
}

func newServiceEnv(t *testing.T) *serviceEnv {
	db := testutil.NewDB(t)
	env := &serviceEnv{
		Fixture:     testutil.Seed(t, db),
		Clock:       &fakeClock{now: baseTime},
		Notifier:    &fakeNotifier{},
		Storage:     newLocalStorage(t),
		TestRepo:    repository.NewTestRepository(db),
		AttemptRepo: repository.NewAttemptRepository(db),
		GradeRepo:   repository.NewGradeRepository(db),
		UserRepo:    repository.NewUserRepository(db),
		ResultRepo:  repository.NewResultRepository(db),
	}

	env.Taking = NewTestTakingService(db, env.TestRepo, env.AttemptRepo, env.Storage, env.Notifier)
	env.Taking.Clock = env.Clock
	env.Tests = NewTestService(db, env.TestRepo, env.GradeRepo, env.Storage)
	env.Tests.Clock = env.Clock
	env.Results = NewResultService(env.TestRepo, env.GradeRepo, env.UserRepo, env.ResultRepo)
	return env
}

// openTest 一小时前开始、一小时后结束的两题测试：第一题正确答案为 A，第二题为 B
func (e *serviceEnv) openTest(t *testing.T) *model.Test {
	test := testutil.CreateTest(t, e.DB, e.Teacher.ID, e.Subject.ID,
		testutil.TimePtr(baseTime.Add(-time.Hour)),
		testutil.TimePtr(baseTime.Add(time.Hour)),
		testutil.Question("2+2", 0, "4", "5"),
		testutil.Question("3+3", 1, "5", "6"),
	)
	return test
}

// pick 第 qi 题的第 oi 个选项
func pick(test *model.Test, qi, oi int) AnswerInput {
	q := test.Questions[qi]
	return AnswerInput{QuestionID: q.ID, OptionID: q.Options[oi].ID}
}
