package model

// swagger:model Grade
type Grade struct {
	BaseModel
	Name     string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Subjects []Subject `json:"subjects,omitempty"`
}

func (Grade) TableName() string {
	return "grades"
}

// swagger:model Subject
type Subject struct {
	BaseModel
	Name    string `gorm:"size:100;not null" json:"name"`
	GradeID uint   `gorm:"index;not null" json:"gradeId"`
	Grade   *Grade `json:"grade,omitempty"`
}

func (Subject) TableName() string {
	return "subjects"
}
