package service

import (
	"context"
	"testing"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/internal/testutil"
	"school_test_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestResults(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	test := env.openTest(t)

	_, err := env.Taking.SubmitTest(ctx, env.Student.ID, test.ID, []AnswerInput{pick(test, 0, 0), pick(test, 1, 1)})
	require.NoError(t, err)
	_, err = env.Taking.SubmitTest(ctx, env.Student2.ID, test.ID, []AnswerInput{pick(test, 1, 0)})
	require.NoError(t, err)
	// 未完成的作答不计入
	_, err = env.Taking.ViewTest(ctx, testutil.CreateUser(t, env.DB, "student3", model.Student, nil).ID, model.Student, test.ID)
	require.NoError(t, err)

	results, err := env.Results.TestResults(ctx, env.Teacher.ID, test.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byStudent := make(map[uint]StudentTestResult)
	for _, r := range results {
		byStudent[r.StudentID] = r
	}

	first := byStudent[env.Student.ID]
	assert.Equal(t, 100, first.Score)
	assert.Equal(t, "Student Doe", first.Student)
	require.Len(t, first.Answers, 2)
	assert.Equal(t, "2+2", first.Answers[0].Question)
	assert.True(t, first.Answers[0].IsCorrect)

	second := byStudent[env.Student2.ID]
	assert.Equal(t, 0, second.Score)
	assert.Nil(t, second.Answers[0].Selected)
	assert.Equal(t, "4", *second.Answers[0].Correct)
	assert.Equal(t, "5", *second.Answers[1].Selected)
	assert.False(t, second.Answers[1].IsCorrect)

	_, err = env.Results.TestResults(ctx, env.Teacher2.ID, test.ID)
	assert.ErrorIs(t, err, util.ErrNotTestOwner)

	_, err = env.Results.TestResults(ctx, env.Teacher.ID, 9999)
	assert.ErrorIs(t, err, util.ErrTestNotFound)
}

func TestSubjectAverages(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	mine := env.openTest(t)
	theirs := testutil.CreateTest(t, env.DB, env.Teacher2.ID, env.Subject.ID, nil, nil,
		testutil.Question("q", 0, "a", "b"),
		testutil.Question("q", 0, "a", "b"),
		testutil.Question("q", 0, "a", "b"),
	)

	_, err := env.Taking.SubmitTest(ctx, env.Student.ID, mine.ID, []AnswerInput{pick(mine, 0, 0), pick(mine, 1, 1)})
	require.NoError(t, err)
	_, err = env.Taking.SubmitTest(ctx, env.Student2.ID, mine.ID, []AnswerInput{pick(mine, 0, 0)})
	require.NoError(t, err)
	_, err = env.Taking.SubmitTest(ctx, env.Student.ID, theirs.ID, []AnswerInput{pick(theirs, 0, 0)})
	require.NoError(t, err)
	// 非学生角色的作答不计入统计
	_, err = env.Taking.SubmitTest(ctx, env.Teacher.ID, theirs.ID, []AnswerInput{pick(theirs, 0, 0), pick(theirs, 1, 0), pick(theirs, 2, 0)})
	require.NoError(t, err)

	teacherView, err := env.Results.SubjectAverages(ctx, env.Subject.ID, env.Teacher.ID, model.Teacher)
	require.NoError(t, err)
	require.Len(t, teacherView, 1)
	assert.Equal(t, mine.ID, teacherView[0].TestID)
	assert.Equal(t, 75, teacherView[0].AverageScore)
	assert.Equal(t, 2, teacherView[0].Participants)

	adminView, err := env.Results.SubjectAverages(ctx, env.Subject.ID, env.Admin.ID, model.Admin)
	require.NoError(t, err)
	require.Len(t, adminView, 2)
	byTest := make(map[uint]TestAverage)
	for _, a := range adminView {
		byTest[a.TestID] = a
	}
	assert.Equal(t, 33, byTest[theirs.ID].AverageScore)
	assert.Equal(t, 1, byTest[theirs.ID].Participants)

	detailed, err := env.Results.SubjectScores(ctx, env.Subject.ID, env.Teacher.ID, model.Teacher)
	require.NoError(t, err)
	require.Len(t, detailed, 1)
	require.Len(t, detailed[0].Students, 2)
	scores := map[uint]int{}
	for _, s := range detailed[0].Students {
		scores[s.StudentID] = s.Score
	}
	assert.Equal(t, map[uint]int{env.Student.ID: 100, env.Student2.ID: 50}, scores)

	_, err = env.Results.SubjectAverages(ctx, 9999, env.Admin.ID, model.Admin)
	assert.ErrorIs(t, err, util.ErrSubjectNotFound)
}

func TestStudentHistoryAndMyResults(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	done := env.openTest(t)
	pending := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID,
		testutil.TimePtr(baseTime.Add(time.Hour)), nil,
		testutil.Question("q", 0, "a", "b"),
	)
	other := testutil.CreateTest(t, env.DB, env.Teacher.ID, env.Subject.ID, nil, nil,
		testutil.Question("q", 0, "a", "b"),
		testutil.Question("q", 0, "a", "b"),
		testutil.Question("q", 0, "a", "b"),
	)

	_, err := env.Taking.SubmitTest(ctx, env.Student.ID, done.ID, []AnswerInput{pick(done, 0, 0)})
	require.NoError(t, err)
	_, err = env.Taking.SubmitTest(ctx, env.Student.ID, other.ID, []AnswerInput{pick(other, 0, 0), pick(other, 1, 0), pick(other, 2, 0)})
	require.NoError(t, err)

	history, err := env.Results.StudentHistory(ctx, env.Student.ID, env.Subject.ID)
	require.NoError(t, err)
	require.Len(t, history.Results, 3)
	assert.Equal(t, 75, history.AverageScore)

	byTest := make(map[uint]TestScore)
	for _, r := range history.Results {
		byTest[r.TestID] = r
	}
	assert.Nil(t, byTest[pending.ID].Score)
	assert.Equal(t, 50, *byTest[done.ID].Score)
	assert.Equal(t, 100, *byTest[other.ID].Score)

	mine, err := env.Results.MySubjectResults(ctx, env.Student.ID, env.Subject.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	empty, err := env.Results.StudentHistory(ctx, env.Student2.ID, env.Subject.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.AverageScore)
	assert.Len(t, empty.Results, 3)

	_, err = env.Results.StudentHistory(ctx, env.Teacher.ID, env.Subject.ID)
	assert.ErrorIs(t, err, util.ErrUserNotFound)
	_, err = env.Results.StudentHistory(ctx, env.Student.ID, 9999)
	assert.ErrorIs(t, err, util.ErrSubjectNotFound)
}
