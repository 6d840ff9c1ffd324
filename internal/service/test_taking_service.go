package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/util"
	"school_test_backend/pkg/logger"
	"school_test_backend/pkg/monitoring"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// TestTakingService 学生作答状态机：开放时间校验、固定随机顺序、交卷与自动收卷
type TestTakingService struct {
	DB          *gorm.DB
	TestRepo    *repository.TestRepository
	AttemptRepo *repository.AttemptRepository
	Storage     *StorageService
	Notifier    Notifier
	Clock       Clock
}

func NewTestTakingService(
	db *gorm.DB,
	testRepo *repository.TestRepository,
	attemptRepo *repository.AttemptRepository,
	storage *StorageService,
	notifier Notifier,
) *TestTakingService {
	return &TestTakingService{
		DB:          db,
		TestRepo:    testRepo,
		AttemptRepo: attemptRepo,
		Storage:     storage,
		Notifier:    notifier,
		Clock:       SystemClock{},
	}
}

func (s *TestTakingService) images() imageResolver {
	if s.Storage == nil {
		return nil
	}
	return s.Storage.URL
}

func (s *TestTakingService) loadTest(ctx context.Context, testID uint) (*model.Test, error) {
	test, err := s.TestRepo.FindWithContent(ctx, testID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load test %d: %w", testID, err)
	}
	return test, nil
}

// ViewTest 按角色与作答状态返回不同视图
func (s *TestTakingService) ViewTest(ctx context.Context, userID uint, role model.UserRole, testID uint) (*TestView, error) {
	test, err := s.loadTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if role != model.Student {
		return AuthorView(test, s.images()), nil
	}

	now := s.Clock.Now()
	if !test.HasStarted(now) {
		return nil, util.ErrTestNotStarted
	}

	attempt, err := s.AttemptRepo.Find(ctx, userID, testID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if attempt != nil && attempt.Finished {
		return s.finishedView(ctx, test, attempt)
	}

	if test.HasEnded(now) {
		attempt, err = s.finalize(ctx, test, userID)
		if err != nil {
			return nil, err
		}
		return s.finishedView(ctx, test, attempt)
	}

	attempt, err = s.fixOrder(ctx, test, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Finished {
		return s.finishedView(ctx, test, attempt)
	}
	return ActiveView(test, attempt.QuestionOrder, s.images()), nil
}

// fixOrder 首次查看或题目集合变化时生成新的随机顺序，之后保持不变
func (s *TestTakingService) fixOrder(ctx context.Context, test *model.Test, userID uint) (*model.UserTest, error) {
	var attempt *model.UserTest
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.AttemptRepo.WithTx(tx)
		if _, err := repo.Ensure(ctx, userID, test.ID); err != nil {
			return err
		}
		locked, err := repo.FindForUpdate(ctx, userID, test.ID)
		if err != nil {
			return err
		}
		attempt = locked
		if attempt.Finished {
			return nil
		}

		questionIDs := test.QuestionIDs()
		if SameIDSet(attempt.QuestionOrder, questionIDs) {
			return nil
		}
		order := ShuffledOrder(questionIDs)
		if err := repo.SetOrder(ctx, attempt.ID, order); err != nil {
			return err
		}
		attempt.QuestionOrder = order
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fix question order: %w", err)
	}
	return attempt, nil
}

func (s *TestTakingService) finishedView(ctx context.Context, test *model.Test, attempt *model.UserTest) (*TestView, error) {
	answers, err := s.AttemptRepo.FindAnswers(ctx, attempt.UserID, test.QuestionIDs())
	if err != nil {
		return nil, err
	}
	return FinishedView(test, attempt, answersToSelection(test.Questions, answers), s.images()), nil
}

// AnswerQuestion 作答期间逐题保存，同题覆盖
func (s *TestTakingService) AnswerQuestion(ctx context.Context, userID uint, input AnswerInput) error {
	question, err := s.TestRepo.FindQuestion(ctx, input.QuestionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.NotFoundf("question not found")
	}
	if err != nil {
		return err
	}
	if question.FindOption(input.OptionID) == nil {
		return util.Validationf("option does not belong to the question")
	}

	test, err := s.TestRepo.FindByID(ctx, question.TestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.ErrTestNotFound
	}
	if err != nil {
		return err
	}

	now := s.Clock.Now()
	if !test.HasStarted(now) {
		return util.ErrTestNotStarted
	}
	if test.HasEnded(now) {
		return util.ErrTestClosed
	}

	attempt, err := s.AttemptRepo.Ensure(ctx, userID, test.ID)
	if err != nil {
		return err
	}
	if attempt.Finished {
		return util.ErrAttemptAlreadyFinished
	}

	return s.AttemptRepo.UpsertAnswer(ctx, &model.Answer{
		StudentID:  userID,
		QuestionID: question.ID,
		OptionID:   input.OptionID,
	})
}

// SubmitTest 一次性交卷；同一作答只能完成一次，并发提交只有一个成功
func (s *TestTakingService) SubmitTest(ctx context.Context, userID, testID uint, answers []AnswerInput) (*TestView, error) {
	test, err := s.loadTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	if !test.HasStarted(now) {
		return nil, util.ErrTestNotStarted
	}
	if len(test.Questions) == 0 {
		return nil, util.ErrTestHasNoQuestions
	}
	if test.HasEnded(now) {
		return nil, util.ErrTestClosed
	}

	questionIDs := test.QuestionIDs()
	selected := SanitizeAnswers(test.Questions, answers)
	score := Score(CountCorrect(test.Questions, selected), len(test.Questions))

	var attempt *model.UserTest
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.AttemptRepo.WithTx(tx)

		if _, err := repo.Ensure(ctx, userID, testID); err != nil {
			return err
		}
		locked, err := repo.FindForUpdate(ctx, userID, testID)
		if err != nil {
			return err
		}
		if locked.Finished {
			return util.ErrAttemptAlreadyFinished
		}

		if err := repo.DeleteAnswers(ctx, userID, questionIDs); err != nil {
			return err
		}
		rows := make([]model.Answer, 0, len(selected))
		for _, qid := range questionIDs {
			if optionID, ok := selected[qid]; ok {
				rows = append(rows, model.Answer{StudentID: userID, QuestionID: qid, OptionID: optionID})
			}
		}
		if err := repo.CreateAnswers(ctx, rows); err != nil {
			return err
		}

		order := []uint(locked.QuestionOrder)
		if !SameIDSet(order, questionIDs) {
			order = questionIDs
		}
		finishedAt := s.Clock.Now()
		won, err := repo.Finish(ctx, locked.ID, score, order, finishedAt)
		if err != nil {
			return err
		}
		if !won {
			return util.ErrAttemptAlreadyFinished
		}

		locked.Finished = true
		locked.Score = &score
		locked.QuestionOrder = order
		locked.FinishedAt = &finishedAt
		attempt = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	monitoring.TestsSubmitted.Inc()
	s.notifyResult(test, attempt)

	return FinishedView(test, attempt, selected, s.images()), nil
}

// completeFromSaved 按已保存的逐题答案计分并完成作答，没有作答得 0 分；
// 返回当前作答以及是否由本次调用完成
func (s *TestTakingService) completeFromSaved(ctx context.Context, test *model.Test, userID uint) (*model.UserTest, bool, error) {
	var attempt *model.UserTest
	completed := false

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.AttemptRepo.WithTx(tx)

		if _, err := repo.Ensure(ctx, userID, test.ID); err != nil {
			return err
		}
		locked, err := repo.FindForUpdate(ctx, userID, test.ID)
		if err != nil {
			return err
		}
		attempt = locked
		if locked.Finished {
			return nil
		}

		questionIDs := test.QuestionIDs()
		answers, err := repo.FindAnswers(ctx, userID, questionIDs)
		if err != nil {
			return err
		}
		selected := answersToSelection(test.Questions, answers)
		score := Score(CountCorrect(test.Questions, selected), len(test.Questions))

		order := []uint(locked.QuestionOrder)
		if !SameIDSet(order, questionIDs) {
			order = questionIDs
		}
		finishedAt := s.Clock.Now()
		won, err := repo.Finish(ctx, locked.ID, score, order, finishedAt)
		if err != nil {
			return err
		}
		if !won {
			// 并发交卷已完成，读取最终结果
			current, err := repo.Find(ctx, userID, test.ID)
			if err != nil {
				return err
			}
			attempt = current
			return nil
		}

		locked.Finished = true
		locked.Score = &score
		locked.QuestionOrder = order
		locked.FinishedAt = &finishedAt
		completed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return attempt, completed, nil
}

// finalize 结束后自动收卷
func (s *TestTakingService) finalize(ctx context.Context, test *model.Test, userID uint) (*model.UserTest, error) {
	attempt, completed, err := s.completeFromSaved(ctx, test, userID)
	if err != nil {
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}
	if completed {
		monitoring.AttemptsAutoFinalized.Inc()
		s.notifyResult(test, attempt)
	}
	return attempt, nil
}

// FinishTest 逐题作答后主动交卷，按已保存的答案计分
func (s *TestTakingService) FinishTest(ctx context.Context, userID, testID uint) (*TestView, error) {
	test, err := s.loadTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	if !test.HasStarted(now) {
		return nil, util.ErrTestNotStarted
	}
	if len(test.Questions) == 0 {
		return nil, util.ErrTestHasNoQuestions
	}
	if test.HasEnded(now) {
		return nil, util.ErrTestClosed
	}

	attempt, completed, err := s.completeFromSaved(ctx, test, userID)
	if err != nil {
		return nil, fmt.Errorf("finish attempt: %w", err)
	}
	if !completed {
		return nil, util.ErrAttemptAlreadyFinished
	}

	monitoring.TestsSubmitted.Inc()
	s.notifyResult(test, attempt)
	return s.finishedView(ctx, test, attempt)
}

// FinalizeClosedAttempts 收掉所有已结束测试中未完成的作答，返回处理数量
func (s *TestTakingService) FinalizeClosedAttempts(ctx context.Context) (int, error) {
	open, err := s.AttemptRepo.FindOpenForEndedTests(ctx, s.Clock.Now())
	if err != nil {
		return 0, err
	}

	tests := make(map[uint]*model.Test)
	done := 0
	for _, attempt := range open {
		test, ok := tests[attempt.TestID]
		if !ok {
			test, err = s.loadTest(ctx, attempt.TestID)
			if err != nil {
				logger.Log.Error("Close-out: failed to load test", zap.Uint("testId", attempt.TestID), zap.Error(err))
				continue
			}
			tests[attempt.TestID] = test
		}

		if _, err := s.finalize(ctx, test, attempt.UserID); err != nil {
			logger.Log.Error("Close-out: failed to finalize attempt",
				zap.Uint("testId", attempt.TestID),
				zap.Uint("userId", attempt.UserID),
				zap.Error(err),
			)
			continue
		}
		done++
	}
	return done, nil
}

func (s *TestTakingService) notifyResult(test *model.Test, attempt *model.UserTest) {
	if s.Notifier == nil || attempt == nil {
		return
	}
	s.Notifier.EmitToRoom(TeacherRoom(test.TeacherID), EventResultUpdated, attempt)
}
