package service

import (
	"context"
	"errors"

	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/util"

	"gorm.io/gorm"
)

// UpdateUserInput 省略的资料字段保持不变；角色必填
type UpdateUserInput struct {
	Name              *string        `json:"name" binding:"omitempty,max=100"`
	Surname           *string        `json:"surname" binding:"omitempty,max=100"`
	Username          *string        `json:"username" binding:"omitempty,min=3,max=100"`
	Role              model.UserRole `json:"role" binding:"required"`
	GradeID           *uint          `json:"gradeId"`
	TeacherGradeIDs   []uint         `json:"teacherGradeIds"`
	TeacherSubjectIDs []uint         `json:"teacherSubjectIds"`
}

type UserService struct {
	DB        *gorm.DB
	UserRepo  *repository.UserRepository
	GradeRepo *repository.GradeRepository
}

func NewUserService(db *gorm.DB, userRepo *repository.UserRepository, gradeRepo *repository.GradeRepository) *UserService {
	return &UserService{
		DB:        db,
		UserRepo:  userRepo,
		GradeRepo: gradeRepo,
	}
}

// UpdateUser 切换角色时清除不再适用的关联，在同一事务中完成
func (s *UserService) UpdateUser(ctx context.Context, userID uint, input *UpdateUserInput) (*model.User, error) {
	if !input.Role.Valid() {
		return nil, util.Validationf("role must be one of ADMIN, TEACHER, STUDENT")
	}

	user, err := s.UserRepo.FindByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		user.Name = *input.Name
	}
	if input.Surname != nil {
		user.Surname = *input.Surname
	}
	if input.Username != nil {
		user.Username = *input.Username
	}
	user.Role = input.Role

	scope, err := resolveScope(ctx, s.GradeRepo, input.Role, input.GradeID, input.TeacherGradeIDs, input.TeacherSubjectIDs)
	if err != nil {
		return nil, err
	}
	user.GradeID = scope.gradeID

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.UserRepo.WithTx(tx)

		taken, err := repo.UsernameTaken(ctx, user.Username, user.ID)
		if err != nil {
			return err
		}
		if taken {
			return util.ErrUsernameTaken
		}

		if err := repo.UpdateProfile(ctx, user); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return util.ErrUsernameTaken
			}
			return err
		}
		return repo.ReplaceTeacherScope(ctx, user, scope.grades, scope.subjects)
	})
	if err != nil {
		return nil, err
	}

	return s.UserRepo.FindByID(ctx, userID)
}
