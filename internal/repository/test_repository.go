package repository

import (
	"context"
	"time"

	"school_test_backend/internal/model"

	"gorm.io/gorm"
)

type TestRepository struct {
	DB *gorm.DB
}

func NewTestRepository(db *gorm.DB) *TestRepository {
	return &TestRepository{DB: db}
}

func (r *TestRepository) WithTx(tx *gorm.DB) *TestRepository {
	return &TestRepository{DB: tx}
}

func preloadContent(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Preload("Questions.Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		})
}

// Create 连同题目、选项一起写入
func (r *TestRepository) Create(ctx context.Context, test *model.Test) error {
	return r.DB.WithContext(ctx).Omit("Subject").Create(test).Error
}

func (r *TestRepository) FindByID(ctx context.Context, id uint) (*model.Test, error) {
	var test model.Test
	if err := r.DB.WithContext(ctx).First(&test, id).Error; err != nil {
		return nil, err
	}
	return &test, nil
}

// FindWithContent 题目按作者顺序，选项按创建顺序
func (r *TestRepository) FindWithContent(ctx context.Context, id uint) (*model.Test, error) {
	var test model.Test
	err := preloadContent(r.DB.WithContext(ctx)).
		Preload("Subject").
		First(&test, id).Error
	if err != nil {
		return nil, err
	}
	return &test, nil
}

func (r *TestRepository) HasAttempts(ctx context.Context, testID uint) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.UserTest{}).
		Where("test_id = ?", testID).
		Count(&count).Error
	return count > 0, err
}

// ReplaceContent 删除旧题目和选项后按新顺序重建，需在事务中调用
func (r *TestRepository) ReplaceContent(ctx context.Context, test *model.Test, questions []model.Question) error {
	db := r.DB.WithContext(ctx)

	questionIDs := db.Model(&model.Question{}).Select("id").Where("test_id = ?", test.ID)
	if err := db.Where("question_id IN (?)", questionIDs).Delete(&model.Option{}).Error; err != nil {
		return err
	}
	if err := db.Where("test_id = ?", test.ID).Delete(&model.Question{}).Error; err != nil {
		return err
	}

	err := db.Model(test).
		Select("title", "subject_id", "start_time", "end_time").
		Updates(map[string]interface{}{
			"title":      test.Title,
			"subject_id": test.SubjectID,
			"start_time": test.StartTime,
			"end_time":   test.EndTime,
		}).Error
	if err != nil {
		return err
	}

	for i := range questions {
		questions[i].TestID = test.ID
	}
	if len(questions) > 0 {
		if err := db.Create(&questions).Error; err != nil {
			return err
		}
	}
	test.Questions = questions
	return nil
}

func (r *TestRepository) UpdateWindow(ctx context.Context, test *model.Test, start, end *time.Time) error {
	return r.DB.WithContext(ctx).Model(test).
		Select("start_time", "end_time").
		Updates(map[string]interface{}{
			"start_time": start,
			"end_time":   end,
		}).Error
}

// Delete 依次删除作答、选项、题目、作答记录和测试本身
func (r *TestRepository) Delete(ctx context.Context, testID uint) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		questionIDs := tx.Model(&model.Question{}).Select("id").Where("test_id = ?", testID)

		if err := tx.Where("question_id IN (?)", questionIDs).Delete(&model.Answer{}).Error; err != nil {
			return err
		}
		if err := tx.Where("question_id IN (?)", questionIDs).Delete(&model.Option{}).Error; err != nil {
			return err
		}
		if err := tx.Where("test_id = ?", testID).Delete(&model.Question{}).Error; err != nil {
			return err
		}
		if err := tx.Where("test_id = ?", testID).Delete(&model.UserTest{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Test{}, testID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *TestRepository) ListAll(ctx context.Context) ([]model.Test, error) {
	var tests []model.Test
	err := r.DB.WithContext(ctx).
		Preload("Subject.Grade").
		Order("created_at DESC, id DESC").
		Find(&tests).Error
	return tests, err
}

// ListBySubject teacherID 为 0 时不过滤作者
func (r *TestRepository) ListBySubject(ctx context.Context, subjectID, teacherID uint) ([]model.Test, error) {
	var tests []model.Test
	q := r.DB.WithContext(ctx).
		Preload("Subject.Grade").
		Where("subject_id = ?", subjectID)
	if teacherID != 0 {
		q = q.Where("teacher_id = ?", teacherID)
	}
	err := q.Order("created_at DESC, id DESC").Find(&tests).Error
	return tests, err
}

// CountQuestions 返回 testID -> 题目数
func (r *TestRepository) CountQuestions(ctx context.Context, testIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(testIDs))
	if len(testIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		TestID uint
		Total  int64
	}
	err := r.DB.WithContext(ctx).Model(&model.Question{}).
		Select("test_id, COUNT(*) AS total").
		Where("test_id IN ?", testIDs).
		Group("test_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.TestID] = row.Total
	}
	return counts, nil
}

// FindQuestion 附带选项
func (r *TestRepository) FindQuestion(ctx context.Context, id uint) (*model.Question, error) {
	var question model.Question
	err := r.DB.WithContext(ctx).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&question, id).Error
	if err != nil {
		return nil, err
	}
	return &question, nil
}
