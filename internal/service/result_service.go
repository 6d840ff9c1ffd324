package service

import (
	"context"
	"errors"
	"math"

	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/util"

	"gorm.io/gorm"
)

type AnswerResult struct {
	QuestionID uint    `json:"questionId"`
	Question   string  `json:"question"`
	Selected   *string `json:"selected"`
	Correct    *string `json:"correct"`
	IsCorrect  bool    `json:"isCorrect"`
}

type StudentTestResult struct {
	StudentID uint           `json:"studentId"`
	Student   string         `json:"student"`
	Score     int            `json:"score"`
	Answers   []AnswerResult `json:"answers"`
}

type TestAverage struct {
	TestID       uint   `json:"testId"`
	TestName     string `json:"testName"`
	AverageScore int    `json:"averageScore"`
	Participants int    `json:"participants"`
}

type StudentScore struct {
	StudentID uint   `json:"studentId"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	Score     int    `json:"score"`
}

type TestScores struct {
	TestID   uint           `json:"testId"`
	TestName string         `json:"testName"`
	Students []StudentScore `json:"students"`
}

type TestScore struct {
	TestID   uint   `json:"testId"`
	TestName string `json:"testName"`
	Score    *int   `json:"score"`
}

type StudentHistory struct {
	StudentID    uint        `json:"studentId"`
	SubjectID    uint        `json:"subjectId"`
	AverageScore int         `json:"averageScore"`
	Results      []TestScore `json:"results"`
}

// ResultService 成绩查询与统计，只统计学生角色的已完成作答
type ResultService struct {
	TestRepo   *repository.TestRepository
	GradeRepo  *repository.GradeRepository
	UserRepo   *repository.UserRepository
	ResultRepo *repository.ResultRepository
}

func NewResultService(
	testRepo *repository.TestRepository,
	gradeRepo *repository.GradeRepository,
	userRepo *repository.UserRepository,
	resultRepo *repository.ResultRepository,
) *ResultService {
	return &ResultService{
		TestRepo:   testRepo,
		GradeRepo:  gradeRepo,
		UserRepo:   userRepo,
		ResultRepo: resultRepo,
	}
}

func scoreOf(a *model.UserTest) int {
	if a.Score == nil {
		return 0
	}
	return *a.Score
}

func roundedMean(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	total := 0
	for _, s := range scores {
		total += s
	}
	return int(math.Round(float64(total) / float64(len(scores))))
}

func (s *ResultService) ensureSubject(ctx context.Context, subjectID uint) error {
	if _, err := s.GradeRepo.FindSubjectByID(ctx, subjectID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrSubjectNotFound
		}
		return err
	}
	return nil
}

// TestResults 仅测试作者可查看，逐题按作者顺序列出
func (s *ResultService) TestResults(ctx context.Context, teacherID, testID uint) ([]StudentTestResult, error) {
	test, err := s.TestRepo.FindWithContent(ctx, testID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrTestNotFound
	}
	if err != nil {
		return nil, err
	}
	if test.TeacherID != teacherID {
		return nil, util.ErrNotTestOwner
	}

	attempts, err := s.ResultRepo.FinishedStudentAttempts(ctx, []uint{testID})
	if err != nil {
		return nil, err
	}
	answers, err := s.ResultRepo.AnswersForTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	byStudent := make(map[uint][]model.Answer)
	for _, a := range answers {
		byStudent[a.StudentID] = append(byStudent[a.StudentID], a)
	}

	results := make([]StudentTestResult, 0, len(attempts))
	for i := range attempts {
		attempt := &attempts[i]
		selected := answersToSelection(test.Questions, byStudent[attempt.UserID])

		res := StudentTestResult{
			StudentID: attempt.UserID,
			Score:     scoreOf(attempt),
			Answers:   make([]AnswerResult, 0, len(test.Questions)),
		}
		if attempt.User != nil {
			res.Student = attempt.User.FullName()
		}

		for _, q := range test.Questions {
			ar := AnswerResult{QuestionID: q.ID, Question: q.Text}
			if optionID, ok := selected[q.ID]; ok {
				if opt := q.FindOption(optionID); opt != nil {
					text := opt.Text
					ar.Selected = &text
					ar.IsCorrect = opt.IsCorrect
				}
			}
			if opt := q.CorrectOption(); opt != nil {
				text := opt.Text
				ar.Correct = &text
			}
			res.Answers = append(res.Answers, ar)
		}
		results = append(results, res)
	}
	return results, nil
}

// subjectTests 教师只看到自己出的测试
func (s *ResultService) subjectTests(ctx context.Context, subjectID, userID uint, role model.UserRole) ([]model.Test, error) {
	if err := s.ensureSubject(ctx, subjectID); err != nil {
		return nil, err
	}
	var teacherID uint
	if role == model.Teacher {
		teacherID = userID
	}
	return s.TestRepo.ListBySubject(ctx, subjectID, teacherID)
}

func testIDs(tests []model.Test) []uint {
	ids := make([]uint, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
	}
	return ids
}

func (s *ResultService) SubjectAverages(ctx context.Context, subjectID, userID uint, role model.UserRole) ([]TestAverage, error) {
	tests, err := s.subjectTests(ctx, subjectID, userID, role)
	if err != nil {
		return nil, err
	}
	attempts, err := s.ResultRepo.FinishedStudentAttempts(ctx, testIDs(tests))
	if err != nil {
		return nil, err
	}

	scores := make(map[uint][]int)
	for i := range attempts {
		scores[attempts[i].TestID] = append(scores[attempts[i].TestID], scoreOf(&attempts[i]))
	}

	out := make([]TestAverage, 0, len(tests))
	for _, t := range tests {
		out = append(out, TestAverage{
			TestID:       t.ID,
			TestName:     t.Title,
			AverageScore: roundedMean(scores[t.ID]),
			Participants: len(scores[t.ID]),
		})
	}
	return out, nil
}

func (s *ResultService) SubjectScores(ctx context.Context, subjectID, userID uint, role model.UserRole) ([]TestScores, error) {
	tests, err := s.subjectTests(ctx, subjectID, userID, role)
	if err != nil {
		return nil, err
	}
	attempts, err := s.ResultRepo.FinishedStudentAttempts(ctx, testIDs(tests))
	if err != nil {
		return nil, err
	}

	students := make(map[uint][]StudentScore)
	for i := range attempts {
		a := &attempts[i]
		ss := StudentScore{StudentID: a.UserID, Score: scoreOf(a)}
		if a.User != nil {
			ss.Name = a.User.Name
			ss.Surname = a.User.Surname
		}
		students[a.TestID] = append(students[a.TestID], ss)
	}

	out := make([]TestScores, 0, len(tests))
	for _, t := range tests {
		list := students[t.ID]
		if list == nil {
			list = []StudentScore{}
		}
		out = append(out, TestScores{TestID: t.ID, TestName: t.Title, Students: list})
	}
	return out, nil
}

// MySubjectResults 学生本人在该科目下已完成的测试
func (s *ResultService) MySubjectResults(ctx context.Context, studentID, subjectID uint) ([]TestScore, error) {
	if err := s.ensureSubject(ctx, subjectID); err != nil {
		return nil, err
	}
	tests, err := s.TestRepo.ListBySubject(ctx, subjectID, 0)
	if err != nil {
		return nil, err
	}
	attempts, err := s.ResultRepo.FinishedAttemptsOfStudent(ctx, studentID, testIDs(tests))
	if err != nil {
		return nil, err
	}

	byTest := make(map[uint]*model.UserTest, len(attempts))
	for i := range attempts {
		byTest[attempts[i].TestID] = &attempts[i]
	}

	out := make([]TestScore, 0, len(attempts))
	for _, t := range tests {
		if a, ok := byTest[t.ID]; ok {
			score := scoreOf(a)
			out = append(out, TestScore{TestID: t.ID, TestName: t.Title, Score: &score})
		}
	}
	return out, nil
}

// StudentHistory 未完成的测试 score 为 null，不计入平均分
func (s *ResultService) StudentHistory(ctx context.Context, studentID, subjectID uint) (*StudentHistory, error) {
	if _, err := s.UserRepo.FindStudent(ctx, studentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}
	if err := s.ensureSubject(ctx, subjectID); err != nil {
		return nil, err
	}

	tests, err := s.TestRepo.ListBySubject(ctx, subjectID, 0)
	if err != nil {
		return nil, err
	}
	attempts, err := s.ResultRepo.FinishedAttemptsOfStudent(ctx, studentID, testIDs(tests))
	if err != nil {
		return nil, err
	}
	byTest := make(map[uint]*model.UserTest, len(attempts))
	for i := range attempts {
		byTest[attempts[i].TestID] = &attempts[i]
	}

	history := &StudentHistory{
		StudentID: studentID,
		SubjectID: subjectID,
		Results:   make([]TestScore, 0, len(tests)),
	}
	var scored []int
	for _, t := range tests {
		ts := TestScore{TestID: t.ID, TestName: t.Title}
		if a, ok := byTest[t.ID]; ok && a.Score != nil {
			score := *a.Score
			ts.Score = &score
			scored = append(scored, score)
		}
		history.Results = append(history.Results, ts)
	}
	history.AverageScore = roundedMean(scored)
	return history, nil
}
