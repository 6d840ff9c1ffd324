package repository

import (
	"context"

	"school_test_backend/internal/model"

	"gorm.io/gorm"
)

// GradeRepository 年级与科目只读访问，数据由启动时的 seed 写入
type GradeRepository struct {
	DB *gorm.DB
}

func NewGradeRepository(db *gorm.DB) *GradeRepository {
	return &GradeRepository{DB: db}
}

func (r *GradeRepository) FindGradeByID(ctx context.Context, id uint) (*model.Grade, error) {
	var grade model.Grade
	if err := r.DB.WithContext(ctx).First(&grade, id).Error; err != nil {
		return nil, err
	}
	return &grade, nil
}

func (r *GradeRepository) FindGradesByIDs(ctx context.Context, ids []uint) ([]model.Grade, error) {
	var grades []model.Grade
	if len(ids) == 0 {
		return grades, nil
	}
	err := r.DB.WithContext(ctx).Where("id IN ?", ids).Find(&grades).Error
	return grades, err
}

func (r *GradeRepository) FindSubjectByID(ctx context.Context, id uint) (*model.Subject, error) {
	var subject model.Subject
	if err := r.DB.WithContext(ctx).Preload("Grade").First(&subject, id).Error; err != nil {
		return nil, err
	}
	return &subject, nil
}

func (r *GradeRepository) FindSubjectsByIDs(ctx context.Context, ids []uint) ([]model.Subject, error) {
	var subjects []model.Subject
	if len(ids) == 0 {
		return subjects, nil
	}
	err := r.DB.WithContext(ctx).Where("id IN ?", ids).Find(&subjects).Error
	return subjects, err
}
