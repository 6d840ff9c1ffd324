package service

import (
	"context"
	"errors"
	"fmt"

	"school_test_backend/internal/config"
	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/util"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type RegisterInput struct {
	Name              string         `json:"name" binding:"required,max=100"`
	Surname           string         `json:"surname" binding:"required,max=100"`
	Username          string         `json:"username" binding:"required,min=3,max=100"`
	Password          string         `json:"password" binding:"required,min=6,max=72"`
	Role              model.UserRole `json:"role" binding:"required"`
	GradeID           *uint          `json:"gradeId"`
	TeacherGradeIDs   []uint         `json:"teacherGradeIds"`
	TeacherSubjectIDs []uint         `json:"teacherSubjectIds"`
}

type LoginInput struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// roleScope 按角色保留的关联：学生只有年级，教师只有任教年级和科目
type roleScope struct {
	gradeID  *uint
	grades   []model.Grade
	subjects []model.Subject
}

type AuthService struct {
	DB        *gorm.DB
	UserRepo  *repository.UserRepository
	GradeRepo *repository.GradeRepository
	Cfg       *config.Config
}

func NewAuthService(db *gorm.DB, userRepo *repository.UserRepository, gradeRepo *repository.GradeRepository, cfg *config.Config) *AuthService {
	return &AuthService{
		DB:        db,
		UserRepo:  userRepo,
		GradeRepo: gradeRepo,
		Cfg:       cfg,
	}
}

func resolveScope(ctx context.Context, gradeRepo *repository.GradeRepository, role model.UserRole, gradeID *uint, gradeIDs, subjectIDs []uint) (*roleScope, error) {
	scope := &roleScope{}
	switch role {
	case model.Student:
		if gradeID != nil {
			if _, err := gradeRepo.FindGradeByID(ctx, *gradeID); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, util.ErrGradeNotFound
				}
				return nil, err
			}
			id := *gradeID
			scope.gradeID = &id
		}
	case model.Teacher:
		grades, err := gradeRepo.FindGradesByIDs(ctx, uniqueIDs(gradeIDs))
		if err != nil {
			return nil, err
		}
		if len(grades) != len(uniqueIDs(gradeIDs)) {
			return nil, util.ErrGradeNotFound
		}
		subjects, err := gradeRepo.FindSubjectsByIDs(ctx, uniqueIDs(subjectIDs))
		if err != nil {
			return nil, err
		}
		if len(subjects) != len(uniqueIDs(subjectIDs)) {
			return nil, util.ErrSubjectNotFound
		}
		scope.grades = grades
		scope.subjects = subjects
	}
	return scope, nil
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Register 管理员可创建任意角色；系统中还没有管理员时，匿名请求可创建第一个管理员
func (s *AuthService) Register(ctx context.Context, caller *util.Claims, input *RegisterInput) (*model.User, error) {
	if !input.Role.Valid() {
		return nil, util.Validationf("role must be one of ADMIN, TEACHER, STUDENT")
	}

	isAdmin := caller != nil && caller.Role == model.Admin
	bootstrap := !isAdmin && input.Role == model.Admin
	if !isAdmin && !bootstrap {
		if caller == nil {
			return nil, util.ErrUnauthenticated
		}
		return nil, util.ErrRegistrationClosed
	}

	scope, err := resolveScope(ctx, s.GradeRepo, input.Role, input.GradeID, input.TeacherGradeIDs, input.TeacherSubjectIDs)
	if err != nil {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Name:            input.Name,
		Surname:         input.Surname,
		Username:        input.Username,
		Password:        string(hashedPassword),
		Role:            input.Role,
		GradeID:         scope.gradeID,
		TeacherGrades:   scope.grades,
		TeacherSubjects: scope.subjects,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if bootstrap {
			if err := s.claimBootstrap(ctx, tx); err != nil {
				return err
			}
		}
		return s.createUser(ctx, tx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// claimBootstrap 写入哨兵行并复查管理员数量，并发时只有一个事务能通过
func (s *AuthService) claimBootstrap(ctx context.Context, tx *gorm.DB) error {
	err := tx.WithContext(ctx).Create(&model.BootstrapLock{Key: model.FirstAdminLockKey}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return util.ErrRegistrationClosed
	}
	if err != nil {
		return fmt.Errorf("claim bootstrap lock: %w", err)
	}

	admins, err := s.UserRepo.WithTx(tx).CountByRole(ctx, model.Admin)
	if err != nil {
		return err
	}
	if admins > 0 {
		return util.ErrRegistrationClosed
	}
	return nil
}

func (s *AuthService) createUser(ctx context.Context, tx *gorm.DB, user *model.User) error {
	repo := s.UserRepo.WithTx(tx)
	taken, err := repo.UsernameTaken(ctx, user.Username, 0)
	if err != nil {
		return err
	}
	if taken {
		return util.ErrUsernameTaken
	}
	if err := repo.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return util.ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (s *AuthService) Login(ctx context.Context, input *LoginInput) (*LoginResult, error) {
	user, err := s.UserRepo.FindByUsername(ctx, input.Username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		return nil, util.ErrInvalidCredentials
	}

	token, err := util.GenerateJWT(user, s.Cfg.JWT.Secret, s.Cfg.JWT.ExpireTime)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: user}, nil
}

func (s *AuthService) Me(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.UserRepo.FindByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrUserNotFound
	}
	return user, err
}
