package service

import (
	"time"

	"school_test_backend/internal/model"
)

// OptionView 学生作答中 IsCorrect 为 nil，不会出现在 JSON 中
type OptionView struct {
	ID        uint   `json:"id"`
	Text      string `json:"text"`
	IsCorrect *bool  `json:"isCorrect,omitempty"`
}

// QuestionView 复盘字段仅在已完成视图中填充；未作答的题目没有 selected*
type QuestionView struct {
	ID      uint         `json:"id"`
	Text    string       `json:"text"`
	Img     *string      `json:"img"`
	Options []OptionView `json:"options"`

	SelectedOptionID *uint   `json:"selectedOptionId,omitempty"`
	SelectedOption   *string `json:"selectedOption,omitempty"`
	CorrectOptionID  *uint   `json:"correctOptionId,omitempty"`
	CorrectOption    *string `json:"correctOption,omitempty"`
	IsCorrect        *bool   `json:"isCorrect,omitempty"`
}

type TestView struct {
	ID          uint           `json:"id"`
	Title       string         `json:"title"`
	SubjectID   uint           `json:"subjectId"`
	SubjectName string         `json:"subjectName,omitempty"`
	TeacherID   uint           `json:"teacherId"`
	StartTime   *time.Time     `json:"startTime"`
	EndTime     *time.Time     `json:"endTime"`
	Questions   []QuestionView `json:"questions"`

	UserFinished *bool `json:"userFinished,omitempty"`
	UserScore    *int  `json:"userScore,omitempty"`
}

func boolPtr(v bool) *bool {
	return &v
}

func newTestView(test *model.Test) *TestView {
	view := &TestView{
		ID:        test.ID,
		Title:     test.Title,
		SubjectID: test.SubjectID,
		TeacherID: test.TeacherID,
		StartTime: test.StartTime,
		EndTime:   test.EndTime,
		Questions: []QuestionView{},
	}
	if test.Subject != nil {
		view.SubjectName = test.Subject.Name
	}
	return view
}

type imageResolver func(key string) string

func (r imageResolver) resolve(img *string) *string {
	if img == nil || r == nil {
		return img
	}
	url := r(*img)
	return &url
}

// AuthorView 教师/管理员：完整内容，作者顺序
func AuthorView(test *model.Test, images imageResolver) *TestView {
	view := newTestView(test)
	for _, q := range test.Questions {
		qv := QuestionView{ID: q.ID, Text: q.Text, Img: images.resolve(q.Img), Options: []OptionView{}}
		for _, o := range q.Options {
			qv.Options = append(qv.Options, OptionView{ID: o.ID, Text: o.Text, IsCorrect: boolPtr(o.IsCorrect)})
		}
		view.Questions = append(view.Questions, qv)
	}
	return view
}

// ActiveView 学生作答中：按固定顺序，选项只含 id 和文本
func ActiveView(test *model.Test, order []uint, images imageResolver) *TestView {
	view := newTestView(test)
	for _, q := range ApplyOrder(test.Questions, order) {
		qv := QuestionView{ID: q.ID, Text: q.Text, Img: images.resolve(q.Img), Options: []OptionView{}}
		for _, o := range q.Options {
			qv.Options = append(qv.Options, OptionView{ID: o.ID, Text: o.Text})
		}
		view.Questions = append(view.Questions, qv)
	}
	view.UserFinished = boolPtr(false)
	return view
}

// FinishedView 已完成：按固定顺序展示所选与正确答案
func FinishedView(test *model.Test, attempt *model.UserTest, selected map[uint]uint, images imageResolver) *TestView {
	view := newTestView(test)
	for _, q := range ApplyOrder(test.Questions, attempt.QuestionOrder) {
		qv := QuestionView{ID: q.ID, Text: q.Text, Img: images.resolve(q.Img), Options: []OptionView{}}
		for _, o := range q.Options {
			qv.Options = append(qv.Options, OptionView{ID: o.ID, Text: o.Text, IsCorrect: boolPtr(o.IsCorrect)})
		}

		correct := false
		if optionID, ok := selected[q.ID]; ok {
			if opt := q.FindOption(optionID); opt != nil {
				id, text := opt.ID, opt.Text
				qv.SelectedOptionID = &id
				qv.SelectedOption = &text
				correct = opt.IsCorrect
			}
		}
		if opt := q.CorrectOption(); opt != nil {
			id, text := opt.ID, opt.Text
			qv.CorrectOptionID = &id
			qv.CorrectOption = &text
		}
		qv.IsCorrect = boolPtr(correct)

		view.Questions = append(view.Questions, qv)
	}

	view.UserFinished = boolPtr(true)
	score := 0
	if attempt.Score != nil {
		score = *attempt.Score
	}
	view.UserScore = &score
	return view
}
