package repository

import (
	"context"
	"testing"

	"school_test_backend/internal/model"
	"school_test_backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func loadScope(t *testing.T, db *gorm.DB, id uint) model.User {
	t.Helper()
	var user model.User
	require.NoError(t, db.Preload("TeacherGrades").Preload("TeacherSubjects").First(&user, id).Error)
	return user
}

func TestUserRepository_ReplaceTeacherScope(t *testing.T) {
	db := testutil.NewDB(t)
	fx := testutil.Seed(t, db)
	ctx := context.Background()
	repo := NewUserRepository(db)

	other := model.Grade{Name: "10-B"}
	require.NoError(t, db.Create(&other).Error)
	physics := model.Subject{Name: "Physics", GradeID: other.ID}
	require.NoError(t, db.Create(&physics).Error)

	teacher := fx.Teacher
	require.NoError(t, repo.ReplaceTeacherScope(ctx, &teacher, []model.Grade{fx.Grade}, []model.Subject{fx.Subject}))
	got := loadScope(t, db, teacher.ID)
	require.Len(t, got.TeacherGrades, 1)
	require.Len(t, got.TeacherSubjects, 1)
	assert.Equal(t, fx.Grade.ID, got.TeacherGrades[0].ID)

	// 同一次调用内先后替换两个关联
	require.NoError(t, repo.ReplaceTeacherScope(ctx, &teacher, []model.Grade{other}, []model.Subject{physics}))
	got = loadScope(t, db, teacher.ID)
	require.Len(t, got.TeacherGrades, 1)
	require.Len(t, got.TeacherSubjects, 1)
	assert.Equal(t, other.ID, got.TeacherGrades[0].ID)
	assert.Equal(t, physics.ID, got.TeacherSubjects[0].ID)

	require.NoError(t, repo.ReplaceTeacherScope(ctx, &teacher, nil, nil))
	got = loadScope(t, db, teacher.ID)
	assert.Empty(t, got.TeacherGrades)
	assert.Empty(t, got.TeacherSubjects)

	// 关联的年级与科目本身不被修改或删除
	var grades, subjects int64
	require.NoError(t, db.Model(&model.Grade{}).Count(&grades).Error)
	require.NoError(t, db.Model(&model.Subject{}).Count(&subjects).Error)
	assert.Equal(t, int64(2), grades)
	assert.Equal(t, int64(2), subjects)
}
