package repository

import (
	"context"
	"time"

	"school_test_backend/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository 作答记录 user_tests 与逐题作答 answers
type AttemptRepository struct {
	DB *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: db}
}

func (r *AttemptRepository) WithTx(tx *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: tx}
}

// Ensure 不存在则插入，已存在时不做任何修改；返回当前行
func (r *AttemptRepository) Ensure(ctx context.Context, userID, testID uint) (*model.UserTest, error) {
	db := r.DB.WithContext(ctx)

	attempt := model.UserTest{UserID: userID, TestID: testID}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "test_id"}},
		DoNothing: true,
	}).Create(&attempt).Error
	if err != nil {
		return nil, err
	}

	return r.Find(ctx, userID, testID)
}

func (r *AttemptRepository) Find(ctx context.Context, userID, testID uint) (*model.UserTest, error) {
	var attempt model.UserTest
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND test_id = ?", userID, testID).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindForUpdate 行锁，需在事务中调用
func (r *AttemptRepository) FindForUpdate(ctx context.Context, userID, testID uint) (*model.UserTest, error) {
	var attempt model.UserTest
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND test_id = ?", userID, testID).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// SetOrder 仅在未完成时写入题目顺序
func (r *AttemptRepository) SetOrder(ctx context.Context, attemptID uint, order []uint) error {
	return r.DB.WithContext(ctx).Model(&model.UserTest{}).
		Where("id = ? AND finished = ?", attemptID, false).
		Update("question_order", datatypes.NewJSONSlice(order)).Error
}

// Finish 条件更新 finished=false -> true；返回是否由本次调用完成
func (r *AttemptRepository) Finish(ctx context.Context, attemptID uint, score int, order []uint, at time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.UserTest{}).
		Where("id = ? AND finished = ?", attemptID, false).
		Updates(map[string]interface{}{
			"finished":       true,
			"score":          score,
			"question_order": datatypes.NewJSONSlice(order),
			"finished_at":    at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindOpenForEndedTests 已结束测试中仍未完成的作答
func (r *AttemptRepository) FindOpenForEndedTests(ctx context.Context, now time.Time) ([]model.UserTest, error) {
	db := r.DB.WithContext(ctx)

	var tests []model.Test
	if err := db.Select("id", "end_time").Where("end_time IS NOT NULL").Find(&tests).Error; err != nil {
		return nil, err
	}

	// end_time 在 Go 中比较，不依赖各驱动的时间格式
	ended := make([]uint, 0, len(tests))
	for i := range tests {
		if tests[i].HasEnded(now) {
			ended = append(ended, tests[i].ID)
		}
	}

	var attempts []model.UserTest
	if len(ended) == 0 {
		return attempts, nil
	}
	err := db.Where("finished = ? AND test_id IN ?", false, ended).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *AttemptRepository) FindAnswers(ctx context.Context, studentID uint, questionIDs []uint) ([]model.Answer, error) {
	var answers []model.Answer
	if len(questionIDs) == 0 {
		return answers, nil
	}
	err := r.DB.WithContext(ctx).
		Where("student_id = ? AND question_id IN ?", studentID, questionIDs).
		Find(&answers).Error
	return answers, err
}

func (r *AttemptRepository) DeleteAnswers(ctx context.Context, studentID uint, questionIDs []uint) error {
	if len(questionIDs) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).
		Where("student_id = ? AND question_id IN ?", studentID, questionIDs).
		Delete(&model.Answer{}).Error
}

func (r *AttemptRepository) CreateAnswers(ctx context.Context, answers []model.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Create(&answers).Error
}

// UpsertAnswer (student_id, question_id) 冲突时覆盖 option_id
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, answer *model.Answer) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "student_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"option_id", "updated_at"}),
	}).Create(answer).Error
}
