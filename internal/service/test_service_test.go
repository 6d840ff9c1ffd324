package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/internal/testutil"
	"school_test_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput(subjectID uint) *TestInput {
	return &TestInput{
		Title:     "Algebra",
		SubjectID: subjectID,
		Questions: []QuestionInput{
			{Text: "2+2", Options: []OptionInput{{Text: "4", IsCorrect: true}, {Text: "5"}}},
			{Text: "3+3", Options: []OptionInput{{Text: "5"}, {Text: "6", IsCorrect: true}}},
		},
	}
}

func storedPath(env *serviceEnv, key string) string {
	root := env.Storage.Provider.(*LocalStorageProvider).Root
	return filepath.Join(root, filepath.FromSlash(key))
}

func TestCreateTest_Validation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(in *TestInput)
		kind   util.ErrorKind
	}{
		{name: "missing title", mutate: func(in *TestInput) { in.Title = "" }, kind: util.KindValidation},
		{name: "no questions", mutate: func(in *TestInput) { in.Questions = nil }, kind: util.KindValidation},
		{name: "question without options", mutate: func(in *TestInput) { in.Questions[0].Options = nil }, kind: util.KindValidation},
		{name: "empty option text", mutate: func(in *TestInput) { in.Questions[1].Options[0].Text = "" }, kind: util.KindValidation},
		{name: "empty question text", mutate: func(in *TestInput) { in.Questions[0].Text = "" }, kind: util.KindValidation},
		{name: "start after end", mutate: func(in *TestInput) {
			in.StartTime = testutil.TimePtr(baseTime.Add(time.Hour))
			in.EndTime = testutil.TimePtr(baseTime)
		}, kind: util.KindValidation},
		{name: "unknown subject", mutate: func(in *TestInput) { in.SubjectID = 9999 }, kind: util.KindNotFound},
		{name: "imgKey without file", mutate: func(in *TestInput) { in.Questions[0].ImgKey = "img1" }, kind: util.KindValidation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput(env.Subject.ID)
			tc.mutate(in)
			_, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, nil)
			require.Error(t, err)
			assert.Equal(t, tc.kind, util.KindOf(err))
		})
	}

	var count int64
	require.NoError(t, env.DB.Model(&model.Test{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateTest_PersistsContentInOrder(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	in := validInput(env.Subject.ID)
	in.StartTime = testutil.TimePtr(baseTime.Add(time.Hour))
	in.EndTime = testutil.TimePtr(baseTime.Add(2 * time.Hour))

	created, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, nil)
	require.NoError(t, err)
	assert.Equal(t, env.Teacher.ID, created.TeacherID)

	loaded, err := env.TestRepo.FindWithContent(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Questions, 2)
	assert.Equal(t, "2+2", loaded.Questions[0].Text)
	assert.Equal(t, "3+3", loaded.Questions[1].Text)
	assert.Equal(t, "6", loaded.Questions[1].CorrectOption().Text)
	assert.True(t, loaded.StartTime.Equal(*in.StartTime))
}

func TestCreateTest_Images(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	in := validInput(env.Subject.ID)
	in.Questions[1].ImgKey = "img1"
	files := testutil.FileHeaders(t, map[string][]byte{"img1": testutil.PNG})

	created, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, files)
	require.NoError(t, err)

	loaded, err := env.TestRepo.FindWithContent(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Questions[0].Img)
	require.NotNil(t, loaded.Questions[1].Img)

	key := *loaded.Questions[1].Img
	assert.True(t, strings.HasPrefix(key, "questions/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	_, err = os.Stat(storedPath(env, key))
	assert.NoError(t, err)

	view := AuthorView(loaded, env.Storage.URL)
	assert.Equal(t, "http://localhost:5000/uploads/"+key, *view.Questions[1].Img)
}

func TestCreateTest_ImageMappingErrors(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	t.Run("unreferenced file", func(t *testing.T) {
		files := testutil.FileHeaders(t, map[string][]byte{"stray": testutil.PNG})
		_, err := env.Tests.CreateTest(ctx, env.Teacher.ID, validInput(env.Subject.ID), files)
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})

	t.Run("key used twice", func(t *testing.T) {
		in := validInput(env.Subject.ID)
		in.Questions[0].ImgKey = "img1"
		in.Questions[1].ImgKey = "img1"
		files := testutil.FileHeaders(t, map[string][]byte{"img1": testutil.PNG})
		_, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, files)
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})

	t.Run("not an image", func(t *testing.T) {
		in := validInput(env.Subject.ID)
		in.Questions[0].ImgKey = "doc"
		files := testutil.FileHeaders(t, map[string][]byte{"doc": []byte("plain text, not a picture")})
		_, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, files)
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})

	t.Run("existing image on create", func(t *testing.T) {
		in := validInput(env.Subject.ID)
		img := "questions/foreign.png"
		in.Questions[0].Img = &img
		_, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, nil)
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})
}

func TestUpdateTest_ReplacesContentAndImages(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	in := validInput(env.Subject.ID)
	in.StartTime = testutil.TimePtr(baseTime.Add(time.Hour))
	in.Questions[0].ImgKey = "a"
	in.Questions[1].ImgKey = "b"
	files := testutil.FileHeaders(t, map[string][]byte{"a": testutil.PNG, "b": testutil.PNG})
	created, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, files)
	require.NoError(t, err)

	loaded, err := env.TestRepo.FindWithContent(ctx, created.ID)
	require.NoError(t, err)
	keepKey := *loaded.Questions[0].Img
	dropKey := *loaded.Questions[1].Img
	keepURL := env.Storage.URL(keepKey)

	update := &TestInput{
		Title:     "Algebra v2",
		SubjectID: env.Subject.ID,
		StartTime: in.StartTime,
		Questions: []QuestionInput{
			{Text: "new first", Options: []OptionInput{{Text: "x", IsCorrect: true}}},
			{Text: "kept image", Img: &keepURL, Options: []OptionInput{{Text: "y"}, {Text: "z", IsCorrect: true}}},
			{Text: "third", Options: []OptionInput{{Text: "w", IsCorrect: true}}},
		},
	}
	_, err = env.Tests.UpdateTest(ctx, env.Teacher.ID, created.ID, update, nil)
	require.NoError(t, err)

	reloaded, err := env.TestRepo.FindWithContent(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Algebra v2", reloaded.Title)
	require.Len(t, reloaded.Questions, 3)
	assert.Equal(t, "new first", reloaded.Questions[0].Text)
	assert.Nil(t, reloaded.Questions[0].Img)
	require.NotNil(t, reloaded.Questions[1].Img)
	assert.Equal(t, keepKey, *reloaded.Questions[1].Img)

	var options int64
	require.NoError(t, env.DB.Model(&model.Option{}).Count(&options).Error)
	assert.EqualValues(t, 4, options)

	_, err = os.Stat(storedPath(env, keepKey))
	assert.NoError(t, err)
	_, err = os.Stat(storedPath(env, dropKey))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateTest_Guards(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	upcoming := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID,
		testutil.TimePtr(baseTime.Add(time.Hour)), nil,
		testutil.Question("q", 0, "a", "b"),
	)

	_, err := env.Tests.UpdateTest(ctx, env.Teacher2.ID, upcoming.ID, validInput(env.Subject.ID), nil)
	assert.ErrorIs(t, err, util.ErrNotTestOwner)

	_, err = env.Tests.UpdateTest(ctx, env.Teacher.ID, 9999, validInput(env.Subject.ID), nil)
	assert.ErrorIs(t, err, util.ErrTestNotFound)

	started := env.openTest(t)
	_, err = env.Tests.UpdateTest(ctx, env.Teacher.ID, started.ID, validInput(env.Subject.ID), nil)
	assert.ErrorIs(t, err, util.ErrTestLocked)

	// 没有开始时间的测试，一旦有人作答即锁定
	open := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID, nil, nil,
		testutil.Question("q", 0, "a", "b"),
	)
	_, err = env.Tests.UpdateTest(ctx, env.Teacher.ID, open.ID, validInput(env.Subject.ID), nil)
	require.NoError(t, err)

	_, err = env.Taking.ViewTest(ctx, env.Student.ID, model.Student, open.ID)
	require.NoError(t, err)
	_, err = env.Tests.UpdateTest(ctx, env.Teacher.ID, open.ID, validInput(env.Subject.ID), nil)
	assert.ErrorIs(t, err, util.ErrTestLocked)
}

func TestUpdateTestTime(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	t.Run("end time required", func(t *testing.T) {
		test := env.openTest(t)
		_, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{})
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})

	t.Run("extend running test keeps start", func(t *testing.T) {
		test := env.openTest(t)
		newEnd := baseTime.Add(3 * time.Hour)
		updated, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{EndTime: &newEnd})
		require.NoError(t, err)
		assert.True(t, updated.EndTime.Equal(newEnd))
		assert.True(t, updated.StartTime.Equal(baseTime.Add(-time.Hour)))

		reloaded, err := env.TestRepo.FindByID(ctx, test.ID)
		require.NoError(t, err)
		assert.True(t, reloaded.EndTime.Equal(newEnd))
	})

	t.Run("start cannot move once started", func(t *testing.T) {
		test := env.openTest(t)
		start := baseTime.Add(30 * time.Minute)
		end := baseTime.Add(3 * time.Hour)
		_, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{StartTime: &start, EndTime: &end})
		assert.Equal(t, util.KindConflict, util.KindOf(err))
	})

	t.Run("reschedule upcoming test", func(t *testing.T) {
		test := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID,
			testutil.TimePtr(baseTime.Add(time.Hour)), testutil.TimePtr(baseTime.Add(2*time.Hour)),
			testutil.Question("q", 0, "a"),
		)
		start := baseTime.Add(4 * time.Hour)
		end := baseTime.Add(5 * time.Hour)
		updated, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{StartTime: &start, EndTime: &end})
		require.NoError(t, err)
		assert.True(t, updated.StartTime.Equal(start))
	})

	t.Run("end before start", func(t *testing.T) {
		test := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID,
			testutil.TimePtr(baseTime.Add(time.Hour)), nil,
			testutil.Question("q", 0, "a"),
		)
		end := baseTime.Add(30 * time.Minute)
		_, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{EndTime: &end})
		assert.Equal(t, util.KindValidation, util.KindOf(err))
	})

	t.Run("ended test", func(t *testing.T) {
		test := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID,
			testutil.TimePtr(baseTime.Add(-2*time.Hour)), testutil.TimePtr(baseTime.Add(-time.Hour)),
			testutil.Question("q", 0, "a"),
		)
		end := baseTime.Add(time.Hour)
		_, err := env.Tests.UpdateTestTime(ctx, test.ID, &TestTimeInput{EndTime: &end})
		assert.Equal(t, util.KindConflict, util.KindOf(err))
	})

	t.Run("unknown test", func(t *testing.T) {
		end := baseTime.Add(time.Hour)
		_, err := env.Tests.UpdateTestTime(ctx, 9999, &TestTimeInput{EndTime: &end})
		assert.ErrorIs(t, err, util.ErrTestNotFound)
	})
}

func TestListTests(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	first := env.openTest(t)
	otherSubject := model.Subject{Name: "Physics", GradeID: env.Grade.ID}
	require.NoError(t, env.DB.Create(&otherSubject).Error)
	second := testutil.CreateTest(t, env.DB, env.Teacher2.ID, otherSubject.ID, nil, nil,
		testutil.Question("q", 0, "a"),
	)

	all, err := env.Tests.ListTests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := make(map[uint]TestSummary)
	for _, s := range all {
		byID[s.ID] = s
	}
	assert.EqualValues(t, 2, byID[first.ID].QuestionCount)
	assert.Equal(t, "Mathematics", byID[first.ID].Subject)
	assert.Equal(t, "9-A", byID[first.ID].Grade)
	assert.EqualValues(t, 1, byID[second.ID].QuestionCount)

	math, err := env.Tests.ListSubjectTests(ctx, env.Subject.ID)
	require.NoError(t, err)
	require.Len(t, math, 1)
	assert.Equal(t, first.ID, math[0].ID)

	_, err = env.Tests.ListSubjectTests(ctx, 9999)
	assert.ErrorIs(t, err, util.ErrSubjectNotFound)
}

func TestDeleteTest(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	in := validInput(env.Subject.ID)
	in.Questions[0].ImgKey = "img"
	created, err := env.Tests.CreateTest(ctx, env.Teacher.ID, in, testutil.FileHeaders(t, map[string][]byte{"img": testutil.PNG}))
	require.NoError(t, err)
	loaded, err := env.TestRepo.FindWithContent(ctx, created.ID)
	require.NoError(t, err)
	key := *loaded.Questions[0].Img

	_, err = env.Taking.SubmitTest(ctx, env.Student.ID, created.ID, []AnswerInput{pick(loaded, 0, 0)})
	require.NoError(t, err)

	require.NoError(t, env.Tests.DeleteTest(ctx, created.ID))

	for _, m := range []interface{}{&model.Test{}, &model.Question{}, &model.Option{}, &model.UserTest{}, &model.Answer{}} {
		var count int64
		require.NoError(t, env.DB.Model(m).Count(&count).Error)
		assert.Zero(t, count, "%T rows left", m)
	}
	_, err = os.Stat(storedPath(env, key))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, env.Tests.DeleteTest(ctx, created.ID), util.ErrTestNotFound)
}
