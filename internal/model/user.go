package model

import "time"

type UserRole string

const (
	Admin   UserRole = "ADMIN"
	Teacher UserRole = "TEACHER"
	Student UserRole = "STUDENT"
)

func (r UserRole) Valid() bool {
	switch r {
	case Admin, Teacher, Student:
		return true
	}
	return false
}

// swagger:model User
type User struct {
	BaseModel
	Name     string   `gorm:"size:100;not null" json:"name"`
	Surname  string   `gorm:"size:100;not null" json:"surname"`
	Username string   `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Password string   `gorm:"size:100;not null" json:"-"`
	Role     UserRole `gorm:"size:20;index;not null" json:"role"`

	// 仅学生
	GradeID *uint  `gorm:"index" json:"gradeId"`
	Grade   *Grade `json:"grade,omitempty"`

	// 仅教师
	TeacherGrades   []Grade   `gorm:"many2many:teacher_grades;" json:"teacherGrades,omitempty"`
	TeacherSubjects []Subject `gorm:"many2many:teacher_subjects;" json:"teacherSubjects,omitempty"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) FullName() string {
	return u.Name + " " + u.Surname
}

// BootstrapLock 主键唯一的哨兵行，用于串行化首个管理员的注册
type BootstrapLock struct {
	Key       string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

func (BootstrapLock) TableName() string {
	return "bootstrap_locks"
}

const FirstAdminLockKey = "first_admin"
