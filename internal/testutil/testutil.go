// Package testutil 提供基于内存 SQLite 的测试数据库与常用数据
package testutil

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/pkg/database"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const Password = "secret123"

var dbSeq atomic.Int64

// NewDB 每个测试独立的内存库；单连接使事务串行执行
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type Fixture struct {
	DB       *gorm.DB
	Grade    model.Grade
	Subject  model.Subject
	Admin    model.User
	Teacher  model.User
	Teacher2 model.User
	Student  model.User
	Student2 model.User
}

// Seed 一个年级、一个科目，以及各角色用户，密码均为 Password
func Seed(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()

	f := &Fixture{DB: db}
	f.Grade = model.Grade{Name: "9-A"}
	require.NoError(t, db.Create(&f.Grade).Error)
	f.Subject = model.Subject{Name: "Mathematics", GradeID: f.Grade.ID}
	require.NoError(t, db.Create(&f.Subject).Error)

	f.Admin = CreateUser(t, db, "admin", model.Admin, nil)
	f.Teacher = CreateUser(t, db, "teacher", model.Teacher, nil)
	f.Teacher2 = CreateUser(t, db, "teacher2", model.Teacher, nil)
	f.Student = CreateUser(t, db, "student", model.Student, &f.Grade.ID)
	f.Student2 = CreateUser(t, db, "student2", model.Student, &f.Grade.ID)
	return f
}

func CreateUser(t testing.TB, db *gorm.DB, username string, role model.UserRole, gradeID *uint) model.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	require.NoError(t, err)

	user := model.User{
		Name:     strings.ToUpper(username[:1]) + username[1:],
		Surname:  "Doe",
		Username: username,
		Password: string(hash),
		Role:     role,
		GradeID:  gradeID,
	}
	require.NoError(t, db.Omit("Grade").Create(&user).Error)
	return user
}

// Question 第 correct 个选项为正确答案，correct 为 -1 时没有正确选项
func Question(text string, correct int, options ...string) model.Question {
	q := model.Question{Text: text}
	for i, o := range options {
		q.Options = append(q.Options, model.Option{Text: o, IsCorrect: i == correct})
	}
	return q
}

func CreateTest(t testing.TB, db *gorm.DB, teacherID, subjectID uint, start, end *time.Time, questions ...model.Question) *model.Test {
	t.Helper()

	for i := range questions {
		questions[i].Position = i
	}
	test := &model.Test{
		Title:     "Quiz",
		SubjectID: subjectID,
		TeacherID: teacherID,
		StartTime: start,
		EndTime:   end,
		Questions: questions,
	}
	require.NoError(t, db.Omit("Subject").Create(test).Error)
	return test
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

// PNG 最小的 PNG 文件头，足以通过类型嗅探
var PNG = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

// MultipartBody 构造 data 字段和若干文件字段的请求体
func MultipartBody(t testing.TB, data string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if data != "" {
		require.NoError(t, w.WriteField("data", data))
	}
	for field, content := range files {
		part, err := w.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

// FileHeaders 解析 MultipartBody 得到的文件字段
func FileHeaders(t testing.TB, files map[string][]byte) map[string]*multipart.FileHeader {
	t.Helper()

	body, contentType := MultipartBody(t, "", files)
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", contentType)
	require.NoError(t, req.ParseMultipartForm(32<<20))

	out := make(map[string]*multipart.FileHeader, len(files))
	for field, headers := range req.MultipartForm.File {
		out[field] = headers[0]
	}
	return out
}
