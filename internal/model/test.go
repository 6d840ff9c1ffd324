package model

import "time"

// swagger:model Test
type Test struct {
	BaseModel
	Title     string     `gorm:"size:255;not null" json:"title"`
	SubjectID uint       `gorm:"index;not null" json:"subjectId"`
	Subject   *Subject   `json:"subject,omitempty"`
	TeacherID uint       `gorm:"index;not null" json:"teacherId"`
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Questions []Question `json:"questions,omitempty"`
}

func (Test) TableName() string {
	return "tests"
}

// HasStarted 未设置开始时间视为已开始
func (t *Test) HasStarted(now time.Time) bool {
	return t.StartTime == nil || !now.Before(*t.StartTime)
}

func (t *Test) HasEnded(now time.Time) bool {
	return t.EndTime != nil && !now.Before(*t.EndTime)
}

func (t *Test) QuestionIDs() []uint {
	ids := make([]uint, len(t.Questions))
	for i, q := range t.Questions {
		ids[i] = q.ID
	}
	return ids
}

// swagger:model Question
type Question struct {
	BaseModel
	TestID   uint     `gorm:"index;not null" json:"testId"`
	Text     string   `gorm:"type:text;not null" json:"text"`
	Img      *string  `gorm:"size:512" json:"img"`
	Position int      `gorm:"default:0" json:"position"`
	Options  []Option `json:"options,omitempty"`
}

func (Question) TableName() string {
	return "questions"
}

// CorrectOption 返回第一个正确选项，没有则为 nil
func (q *Question) CorrectOption() *Option {
	for i := range q.Options {
		if q.Options[i].IsCorrect {
			return &q.Options[i]
		}
	}
	return nil
}

func (q *Question) FindOption(id uint) *Option {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i]
		}
	}
	return nil
}

// swagger:model Option
type Option struct {
	BaseModel
	QuestionID uint   `gorm:"index;not null" json:"questionId"`
	Text       string `gorm:"type:text;not null" json:"text"`
	IsCorrect  bool   `gorm:"default:false" json:"isCorrect"`
}

func (Option) TableName() string {
	return "options"
}
