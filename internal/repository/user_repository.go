package repository

import (
	"context"

	"school_test_backend/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

// WithTx 返回绑定到事务的副本
func (r *UserRepository) WithTx(tx *gorm.DB) *UserRepository {
	return &UserRepository{DB: tx}
}

// Create 关联的年级/科目只写中间表，不回写关联记录本身
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	return r.DB.WithContext(ctx).
		Omit("TeacherGrades.*", "TeacherSubjects.*", "Grade").
		Create(user).Error
}

func (r *UserRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := r.DB.WithContext(ctx).
		Preload("Grade").
		Preload("TeacherGrades").
		Preload("TeacherSubjects").
		First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := r.DB.WithContext(ctx).
		Preload("Grade").
		Where("username = ?", username).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) UsernameTaken(ctx context.Context, username string, excludeID uint) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.User{}).
		Where("username = ? AND id <> ?", username, excludeID).
		Count(&count).Error
	return count > 0, err
}

func (r *UserRepository) CountByRole(ctx context.Context, role model.UserRole) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.User{}).
		Where("role = ?", role).
		Count(&count).Error
	return count, err
}

// UpdateProfile grade_id 为 nil 时同样写入，用于清空学生年级
func (r *UserRepository) UpdateProfile(ctx context.Context, user *model.User) error {
	return r.DB.WithContext(ctx).Model(user).
		Select("name", "surname", "username", "role", "grade_id").
		Updates(map[string]interface{}{
			"name":     user.Name,
			"surname":  user.Surname,
			"username": user.Username,
			"role":     user.Role,
			"grade_id": user.GradeID,
		}).Error
}

// teacherAssociation 每次新建链，避免多个关联操作共享同一 Statement
func (r *UserRepository) teacherAssociation(ctx context.Context, user *model.User, name string) *gorm.Association {
	return r.DB.WithContext(ctx).Model(user).Omit(name + ".*").Association(name)
}

// ReplaceTeacherScope 替换教师的年级和科目，空切片即清空
func (r *UserRepository) ReplaceTeacherScope(ctx context.Context, user *model.User, grades []model.Grade, subjects []model.Subject) error {
	if len(grades) == 0 {
		if err := r.teacherAssociation(ctx, user, "TeacherGrades").Clear(); err != nil {
			return err
		}
	} else if err := r.teacherAssociation(ctx, user, "TeacherGrades").Replace(grades); err != nil {
		return err
	}

	if len(subjects) == 0 {
		return r.teacherAssociation(ctx, user, "TeacherSubjects").Clear()
	}
	return r.teacherAssociation(ctx, user, "TeacherSubjects").Replace(subjects)
}

// FindStudent 仅返回学生角色的用户
func (r *UserRepository) FindStudent(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := r.DB.WithContext(ctx).
		Where("id = ? AND role = ?", id, model.Student).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}
