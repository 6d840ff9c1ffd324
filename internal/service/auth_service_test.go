package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"school_test_backend/internal/config"
	"school_test_backend/internal/model"
	"school_test_backend/internal/repository"
	"school_test_backend/internal/testutil"
	"school_test_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

func newAuthService(db *gorm.DB) *AuthService {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: testSecret, ExpireTime: time.Hour}}
	return NewAuthService(db, repository.NewUserRepository(db), repository.NewGradeRepository(db), cfg)
}

func registerInput(username string, role model.UserRole) *RegisterInput {
	return &RegisterInput{
		Name:     "Ann",
		Surname:  "Lee",
		Username: username,
		Password: "password1",
		Role:     role,
	}
}

func TestRegister_FirstAdminBootstrap(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newAuthService(db)
	ctx := context.Background()

	_, err := svc.Register(ctx, nil, registerInput("teacher", model.Teacher))
	assert.ErrorIs(t, err, util.ErrUnauthenticated)

	admin, err := svc.Register(ctx, nil, registerInput("root", model.Admin))
	require.NoError(t, err)
	assert.Equal(t, model.Admin, admin.Role)
	assert.NotEqual(t, "password1", admin.Password)

	_, err = svc.Register(ctx, nil, registerInput("root2", model.Admin))
	assert.ErrorIs(t, err, util.ErrRegistrationClosed)

	student := &util.Claims{UserID: 99, Role: model.Student}
	_, err = svc.Register(ctx, student, registerInput("root3", model.Admin))
	assert.ErrorIs(t, err, util.ErrRegistrationClosed)

	caller := &util.Claims{UserID: admin.ID, Role: model.Admin}
	second, err := svc.Register(ctx, caller, registerInput("root4", model.Admin))
	require.NoError(t, err)
	assert.Equal(t, model.Admin, second.Role)
}

func TestRegister_ConcurrentBootstrapCreatesOneAdmin(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newAuthService(db)
	ctx := context.Background()

	const workers = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(ctx, nil, registerInput("admin"+string(rune('a'+i)), model.Admin))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, util.ErrRegistrationClosed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	admins, err := repository.NewUserRepository(db).CountByRole(ctx, model.Admin)
	require.NoError(t, err)
	assert.EqualValues(t, 1, admins)
}

func TestRegister_RoleScope(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	svc := newAuthService(db)
	ctx := context.Background()
	caller := &util.Claims{UserID: f.Admin.ID, Role: model.Admin}

	in := registerInput("pupil", model.Student)
	in.GradeID = &f.Grade.ID
	in.TeacherGradeIDs = []uint{f.Grade.ID}
	pupil, err := svc.Register(ctx, caller, in)
	require.NoError(t, err)
	require.NotNil(t, pupil.GradeID)
	assert.Equal(t, f.Grade.ID, *pupil.GradeID)
	assert.Empty(t, pupil.TeacherGrades)

	in = registerInput("mentor", model.Teacher)
	in.GradeID = &f.Grade.ID
	in.TeacherGradeIDs = []uint{f.Grade.ID, f.Grade.ID}
	in.TeacherSubjectIDs = []uint{f.Subject.ID}
	mentor, err := svc.Register(ctx, caller, in)
	require.NoError(t, err)

	loaded, err := svc.Me(ctx, mentor.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.GradeID)
	require.Len(t, loaded.TeacherGrades, 1)
	require.Len(t, loaded.TeacherSubjects, 1)
	assert.Equal(t, f.Subject.ID, loaded.TeacherSubjects[0].ID)

	in = registerInput("ghost", model.Student)
	in.GradeID = util.UintPtr(9999)
	_, err = svc.Register(ctx, caller, in)
	assert.ErrorIs(t, err, util.ErrGradeNotFound)

	in = registerInput("ghost", model.Teacher)
	in.TeacherSubjectIDs = []uint{9999}
	_, err = svc.Register(ctx, caller, in)
	assert.ErrorIs(t, err, util.ErrSubjectNotFound)

	_, err = svc.Register(ctx, caller, registerInput("pupil", model.Student))
	assert.ErrorIs(t, err, util.ErrUsernameTaken)

	_, err = svc.Register(ctx, caller, registerInput("weird", model.UserRole("JANITOR")))
	assert.Equal(t, util.KindValidation, util.KindOf(err))
}

func TestLogin(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	svc := newAuthService(db)
	ctx := context.Background()

	res, err := svc.Login(ctx, &LoginInput{Username: "student", Password: testutil.Password})
	require.NoError(t, err)
	assert.Equal(t, f.Student.ID, res.User.ID)

	claims, err := util.ParseJWT(res.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, f.Student.ID, claims.UserID)
	assert.Equal(t, model.Student, claims.Role)
	require.NotNil(t, claims.GradeID)
	assert.Equal(t, f.Grade.ID, *claims.GradeID)

	_, err = svc.Login(ctx, &LoginInput{Username: "student", Password: "wrong"})
	assert.ErrorIs(t, err, util.ErrInvalidCredentials)
	_, err = svc.Login(ctx, &LoginInput{Username: "nobody", Password: testutil.Password})
	assert.ErrorIs(t, err, util.ErrInvalidCredentials)

	_, err = svc.Me(ctx, 9999)
	assert.ErrorIs(t, err, util.ErrUserNotFound)
}

func TestUpdateUser_RoleSwitchClearsScope(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	ctx := context.Background()
	users := NewUserService(db, repository.NewUserRepository(db), repository.NewGradeRepository(db))

	// 学生 -> 教师：清空年级，写入任教范围
	updated, err := users.UpdateUser(ctx, f.Student.ID, &UpdateUserInput{
		Role:              model.Teacher,
		GradeID:           &f.Grade.ID,
		TeacherGradeIDs:   []uint{f.Grade.ID},
		TeacherSubjectIDs: []uint{f.Subject.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, model.Teacher, updated.Role)
	assert.Nil(t, updated.GradeID)
	assert.Len(t, updated.TeacherGrades, 1)
	assert.Len(t, updated.TeacherSubjects, 1)
	assert.Equal(t, "Student", updated.Name)

	// 教师 -> 学生：清空任教范围
	name := "Renamed"
	updated, err = users.UpdateUser(ctx, f.Student.ID, &UpdateUserInput{
		Name:    &name,
		Role:    model.Student,
		GradeID: &f.Grade.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	require.NotNil(t, updated.GradeID)
	assert.Empty(t, updated.TeacherGrades)
	assert.Empty(t, updated.TeacherSubjects)

	var links int64
	require.NoError(t, db.Table("teacher_subjects").Where("user_id = ?", f.Student.ID).Count(&links).Error)
	assert.Zero(t, links)

	taken := "teacher"
	_, err = users.UpdateUser(ctx, f.Student.ID, &UpdateUserInput{Username: &taken, Role: model.Student})
	assert.ErrorIs(t, err, util.ErrUsernameTaken)

	_, err = users.UpdateUser(ctx, 9999, &UpdateUserInput{Role: model.Student})
	assert.ErrorIs(t, err, util.ErrUserNotFound)
}
