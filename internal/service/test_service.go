package service

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/util"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

type OptionInput struct {
	Text      string `json:"text" validate:"required"`
	IsCorrect bool   `json:"isCorrect"`
}

// QuestionInput ImgKey 对应 multipart 中的文件字段名；Img 用于更新时保留已有图片
type QuestionInput struct {
	Text    string        `json:"text" validate:"required"`
	ImgKey  string        `json:"imgKey"`
	Img     *string       `json:"img"`
	Options []OptionInput `json:"options" validate:"required,min=1,dive"`
}

type TestInput struct {
	Title     string          `json:"title" validate:"required,max=255"`
	SubjectID uint            `json:"subjectId" validate:"required,gt=0"`
	StartTime *time.Time      `json:"startTime"`
	EndTime   *time.Time      `json:"endTime"`
	Questions []QuestionInput `json:"questions" validate:"required,min=1,dive"`
}

type TestTimeInput struct {
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime" binding:"required"`
}

type TestSummary struct {
	ID            uint       `json:"id"`
	Title         string     `json:"title"`
	SubjectID     uint       `json:"subjectId"`
	Subject       string     `json:"subject"`
	Grade         string     `json:"grade"`
	TeacherID     uint       `json:"teacherId"`
	QuestionCount int64      `json:"questionCount"`
	StartTime     *time.Time `json:"startTime"`
	EndTime       *time.Time `json:"endTime"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// TestService 教师出题与管理员调整考试时间
type TestService struct {
	DB        *gorm.DB
	TestRepo  *repository.TestRepository
	GradeRepo *repository.GradeRepository
	Storage   *StorageService
	Clock     Clock
}

func NewTestService(db *gorm.DB, testRepo *repository.TestRepository, gradeRepo *repository.GradeRepository, storage *StorageService) *TestService {
	return &TestService{
		DB:        db,
		TestRepo:  testRepo,
		GradeRepo: gradeRepo,
		Storage:   storage,
		Clock:     SystemClock{},
	}
}

// validationError 取第一个字段错误生成可读信息
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return util.Validationf("%s failed on '%s'", fe.Namespace(), fe.Tag())
	}
	return util.Validationf("%v", err)
}

func validateWindow(start, end *time.Time) error {
	if start != nil && end != nil && !start.Before(*end) {
		return util.Validationf("startTime must be before endTime")
	}
	return nil
}

func (s *TestService) validateInput(ctx context.Context, input *TestInput) error {
	if err := validate.Struct(input); err != nil {
		return validationError(err)
	}
	if err := validateWindow(input.StartTime, input.EndTime); err != nil {
		return err
	}
	if _, err := s.GradeRepo.FindSubjectByID(ctx, input.SubjectID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrSubjectNotFound
		}
		return err
	}
	return nil
}

// imagePlan 每道题的图片来源：新上传文件或保留的已有 key
type imagePlan struct {
	uploads map[int]*multipart.FileHeader
	kept    map[int]string
}

// planImages 每个文件字段必须且只能被一道题的 imgKey 引用
func planImages(questions []QuestionInput, files map[string]*multipart.FileHeader, existing map[string]string) (*imagePlan, error) {
	plan := &imagePlan{
		uploads: make(map[int]*multipart.FileHeader),
		kept:    make(map[int]string),
	}
	referenced := make(map[string]bool, len(files))

	for i, q := range questions {
		switch {
		case q.ImgKey != "":
			if referenced[q.ImgKey] {
				return nil, util.Validationf("imgKey %q is used by more than one question", q.ImgKey)
			}
			fh, ok := files[q.ImgKey]
			if !ok {
				return nil, util.Validationf("no file uploaded for imgKey %q", q.ImgKey)
			}
			referenced[q.ImgKey] = true
			plan.uploads[i] = fh
		case q.Img != nil && *q.Img != "":
			key, ok := existing[*q.Img]
			if !ok {
				return nil, util.Validationf("image %q does not belong to this test", *q.Img)
			}
			plan.kept[i] = key
		}
	}

	for field := range files {
		if !referenced[field] {
			return nil, util.Validationf("file %q is not referenced by any question", field)
		}
	}
	return plan, nil
}

// storeImages 上传失败时删除本次已上传的文件
func (s *TestService) storeImages(ctx context.Context, plan *imagePlan) (map[int]string, error) {
	stored := make(map[int]string, len(plan.uploads))
	for i, fh := range plan.uploads {
		key, err := s.Storage.SaveImage(ctx, fh)
		if err != nil {
			s.Storage.Remove(context.WithoutCancel(ctx), values(stored)...)
			return nil, err
		}
		stored[i] = key
	}
	return stored, nil
}

func values(m map[int]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func buildQuestions(inputs []QuestionInput, images map[int]string) []model.Question {
	questions := make([]model.Question, len(inputs))
	for i, in := range inputs {
		q := model.Question{
			Text:     in.Text,
			Position: i,
			Options:  make([]model.Option, len(in.Options)),
		}
		if key, ok := images[i]; ok {
			k := key
			q.Img = &k
		}
		for j, o := range in.Options {
			q.Options[j] = model.Option{Text: o.Text, IsCorrect: o.IsCorrect}
		}
		questions[i] = q
	}
	return questions
}

func (s *TestService) CreateTest(ctx context.Context, teacherID uint, input *TestInput, files map[string]*multipart.FileHeader) (*model.Test, error) {
	if err := s.validateInput(ctx, input); err != nil {
		return nil, err
	}

	plan, err := planImages(input.Questions, files, nil)
	if err != nil {
		return nil, err
	}
	stored, err := s.storeImages(ctx, plan)
	if err != nil {
		return nil, err
	}

	test := &model.Test{
		Title:     input.Title,
		SubjectID: input.SubjectID,
		TeacherID: teacherID,
		StartTime: input.StartTime,
		EndTime:   input.EndTime,
		Questions: buildQuestions(input.Questions, stored),
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.TestRepo.WithTx(tx).Create(ctx, test)
	})
	if err != nil {
		s.Storage.Remove(context.WithoutCancel(ctx), values(stored)...)
		return nil, fmt.Errorf("create test: %w", err)
	}
	return test, nil
}

// isLocked 已到开始时间或已有学生作答即不可再编辑
func (s *TestService) isLocked(ctx context.Context, test *model.Test) (bool, error) {
	if test.StartTime != nil && !s.Clock.Now().Before(*test.StartTime) {
		return true, nil
	}
	return s.TestRepo.HasAttempts(ctx, test.ID)
}

func (s *TestService) findTest(ctx context.Context, testID uint) (*model.Test, error) {
	test, err := s.TestRepo.FindWithContent(ctx, testID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrTestNotFound
	}
	return test, err
}

func (s *TestService) UpdateTest(ctx context.Context, teacherID, testID uint, input *TestInput, files map[string]*multipart.FileHeader) (*model.Test, error) {
	test, err := s.findTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.TeacherID != teacherID {
		return nil, util.ErrNotTestOwner
	}
	locked, err := s.isLocked(ctx, test)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, util.ErrTestLocked
	}

	if err := s.validateInput(ctx, input); err != nil {
		return nil, err
	}

	// 客户端可能回传 key 或完整 URL
	existing := make(map[string]string)
	var oldKeys []string
	for _, q := range test.Questions {
		if q.Img != nil {
			existing[*q.Img] = *q.Img
			existing[s.Storage.URL(*q.Img)] = *q.Img
			oldKeys = append(oldKeys, *q.Img)
		}
	}

	plan, err := planImages(input.Questions, files, existing)
	if err != nil {
		return nil, err
	}
	stored, err := s.storeImages(ctx, plan)
	if err != nil {
		return nil, err
	}
	images := make(map[int]string, len(stored)+len(plan.kept))
	for i, key := range plan.kept {
		images[i] = key
	}
	for i, key := range stored {
		images[i] = key
	}

	test.Title = input.Title
	test.SubjectID = input.SubjectID
	test.StartTime = input.StartTime
	test.EndTime = input.EndTime
	questions := buildQuestions(input.Questions, images)

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.TestRepo.WithTx(tx).ReplaceContent(ctx, test, questions)
	})
	if err != nil {
		s.Storage.Remove(context.WithoutCancel(ctx), values(stored)...)
		return nil, fmt.Errorf("update test: %w", err)
	}

	// 不再被引用的旧图片
	retained := make(map[string]bool, len(plan.kept))
	for _, key := range plan.kept {
		retained[key] = true
	}
	var orphaned []string
	for _, key := range oldKeys {
		if !retained[key] {
			orphaned = append(orphaned, key)
		}
	}
	s.Storage.Remove(context.WithoutCancel(ctx), orphaned...)

	test.Subject = nil
	return test, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// UpdateTestTime 省略 startTime 表示保持不变
func (s *TestService) UpdateTestTime(ctx context.Context, testID uint, input *TestTimeInput) (*model.Test, error) {
	if input.EndTime == nil {
		return nil, util.Validationf("endTime is required")
	}

	test, err := s.TestRepo.FindByID(ctx, testID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrTestNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	if test.HasEnded(now) {
		return nil, util.Conflictf("test has already ended")
	}

	start := test.StartTime
	if input.StartTime != nil && !sameTime(input.StartTime, test.StartTime) {
		if test.HasStarted(now) {
			return nil, util.Conflictf("test has already started, start time can no longer change")
		}
		start = input.StartTime
	}
	if err := validateWindow(start, input.EndTime); err != nil {
		return nil, err
	}

	if err := s.TestRepo.UpdateWindow(ctx, test, start, input.EndTime); err != nil {
		return nil, err
	}
	test.StartTime = start
	test.EndTime = input.EndTime
	return test, nil
}

func summarize(tests []model.Test, counts map[uint]int64) []TestSummary {
	out := make([]TestSummary, 0, len(tests))
	for _, t := range tests {
		sum := TestSummary{
			ID:            t.ID,
			Title:         t.Title,
			SubjectID:     t.SubjectID,
			TeacherID:     t.TeacherID,
			QuestionCount: counts[t.ID],
			StartTime:     t.StartTime,
			EndTime:       t.EndTime,
			CreatedAt:     t.CreatedAt,
		}
		if t.Subject != nil {
			sum.Subject = t.Subject.Name
			if t.Subject.Grade != nil {
				sum.Grade = t.Subject.Grade.Name
			}
		}
		out = append(out, sum)
	}
	return out
}

func (s *TestService) listWithCounts(ctx context.Context, tests []model.Test) ([]TestSummary, error) {
	ids := make([]uint, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
	}
	counts, err := s.TestRepo.CountQuestions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return summarize(tests, counts), nil
}

func (s *TestService) ListTests(ctx context.Context) ([]TestSummary, error) {
	tests, err := s.TestRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return s.listWithCounts(ctx, tests)
}

func (s *TestService) ListSubjectTests(ctx context.Context, subjectID uint) ([]TestSummary, error) {
	if _, err := s.GradeRepo.FindSubjectByID(ctx, subjectID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrSubjectNotFound
		}
		return nil, err
	}
	tests, err := s.TestRepo.ListBySubject(ctx, subjectID, 0)
	if err != nil {
		return nil, err
	}
	return s.listWithCounts(ctx, tests)
}

func (s *TestService) DeleteTest(ctx context.Context, testID uint) error {
	test, err := s.findTest(ctx, testID)
	if err != nil {
		return err
	}

	if err := s.TestRepo.Delete(ctx, testID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrTestNotFound
		}
		return err
	}

	var keys []string
	for _, q := range test.Questions {
		if q.Img != nil {
			keys = append(keys, *q.Img)
		}
	}
	s.Storage.Remove(context.WithoutCancel(ctx), keys...)
	return nil
}
