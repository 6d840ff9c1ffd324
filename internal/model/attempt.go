package model

import (
	"time"

	"gorm.io/datatypes"
)

// Answer 每个学生每题一条，重复提交覆盖
type Answer struct {
	BaseModel
	StudentID  uint `gorm:"uniqueIndex:idx_answer_student_question;not null" json:"studentId"`
	QuestionID uint `gorm:"uniqueIndex:idx_answer_student_question;index;not null" json:"questionId"`
	OptionID   uint `gorm:"not null" json:"optionId"`
}

func (Answer) TableName() string {
	return "answers"
}

// UserTest 学生作答记录，(user_id, test_id) 唯一；finished 后只读
type UserTest struct {
	BaseModel
	UserID        uint                      `gorm:"uniqueIndex:idx_user_test;not null" json:"userId"`
	TestID        uint                      `gorm:"uniqueIndex:idx_user_test;index;not null" json:"testId"`
	Finished      bool                      `gorm:"default:false;not null" json:"finished"`
	Score         *int                      `json:"score"`
	QuestionOrder datatypes.JSONSlice[uint] `json:"questionOrder"`
	FinishedAt    *time.Time                `json:"finishedAt,omitempty"`
	User          *User                     `json:"user,omitempty"`
}

func (UserTest) TableName() string {
	return "user_tests"
}
