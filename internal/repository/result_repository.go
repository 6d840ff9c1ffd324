package repository

import (
	"context"

	"school_test_backend/internal/model"

	"gorm.io/gorm"
)

// ResultRepository 成绩统计相关的只读查询
type ResultRepository struct {
	DB *gorm.DB
}

func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{DB: db}
}

// FinishedStudentAttempts 指定测试中学生已完成的作答，附带学生信息
func (r *ResultRepository) FinishedStudentAttempts(ctx context.Context, testIDs []uint) ([]model.UserTest, error) {
	var attempts []model.UserTest
	if len(testIDs) == 0 {
		return attempts, nil
	}
	err := r.DB.WithContext(ctx).
		Preload("User").
		Joins("JOIN users ON users.id = user_tests.user_id").
		Where("user_tests.test_id IN ? AND user_tests.finished = ? AND users.role = ?", testIDs, true, model.Student).
		Order("user_tests.test_id ASC, users.surname ASC, users.name ASC, user_tests.id ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *ResultRepository) FinishedAttemptsOfStudent(ctx context.Context, studentID uint, testIDs []uint) ([]model.UserTest, error) {
	var attempts []model.UserTest
	if len(testIDs) == 0 {
		return attempts, nil
	}
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND test_id IN ? AND finished = ?", studentID, testIDs, true).
		Find(&attempts).Error
	return attempts, err
}

// AnswersForTest 测试下所有学生的作答
func (r *ResultRepository) AnswersForTest(ctx context.Context, testID uint) ([]model.Answer, error) {
	var answers []model.Answer
	questionIDs := r.DB.Model(&model.Question{}).Select("id").Where("test_id = ?", testID)
	err := r.DB.WithContext(ctx).
		Where("question_id IN (?)", questionIDs).
		Find(&answers).Error
	return answers, err
}
