package service

import (
	"math"
	"math/rand/v2"

	"school_test_backend/internal/model"
)

// AnswerInput 学生提交的单题答案
type AnswerInput struct {
	QuestionID uint `json:"questionId" binding:"required"`
	OptionID   uint `json:"optionId" binding:"required"`
}

// Score 四舍五入到整数百分比，题目为空时为 0
func Score(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}

// SanitizeAnswers 丢弃不属于本测试的题目或不属于该题的选项，同题重复时后者生效
func SanitizeAnswers(questions []model.Question, answers []AnswerInput) map[uint]uint {
	valid := make(map[uint]map[uint]struct{}, len(questions))
	for _, q := range questions {
		opts := make(map[uint]struct{}, len(q.Options))
		for _, o := range q.Options {
			opts[o.ID] = struct{}{}
		}
		valid[q.ID] = opts
	}

	selected := make(map[uint]uint, len(answers))
	for _, a := range answers {
		opts, ok := valid[a.QuestionID]
		if !ok {
			continue
		}
		if _, ok := opts[a.OptionID]; !ok {
			continue
		}
		selected[a.QuestionID] = a.OptionID
	}
	return selected
}

// CountCorrect 选中选项 is_correct 为真即判对
func CountCorrect(questions []model.Question, selected map[uint]uint) int {
	correct := 0
	for i := range questions {
		optionID, ok := selected[questions[i].ID]
		if !ok {
			continue
		}
		if opt := questions[i].FindOption(optionID); opt != nil && opt.IsCorrect {
			correct++
		}
	}
	return correct
}

func answersToSelection(questions []model.Question, answers []model.Answer) map[uint]uint {
	inputs := make([]AnswerInput, len(answers))
	for i, a := range answers {
		inputs[i] = AnswerInput{QuestionID: a.QuestionID, OptionID: a.OptionID}
	}
	return SanitizeAnswers(questions, inputs)
}

// ShuffledOrder Fisher-Yates 均匀随机排列
func ShuffledOrder(ids []uint) []uint {
	order := make([]uint, len(ids))
	copy(order, ids)
	for i := len(order) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// SameIDSet 两组 id 完全相同（忽略顺序，不允许重复）
func SameIDSet(order, ids []uint) bool {
	if len(order) != len(ids) {
		return false
	}
	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	seen := make(map[uint]struct{}, len(order))
	for _, id := range order {
		if _, ok := set[id]; !ok {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// ApplyOrder 按保存的顺序排列题目，顺序中缺失的题目按作者顺序追加
func ApplyOrder(questions []model.Question, order []uint) []model.Question {
	byID := make(map[uint]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	ordered := make([]model.Question, 0, len(questions))
	used := make(map[uint]struct{}, len(questions))
	for _, id := range order {
		if q, ok := byID[id]; ok {
			if _, dup := used[id]; dup {
				continue
			}
			ordered = append(ordered, q)
			used[id] = struct{}{}
		}
	}
	for _, q := range questions {
		if _, ok := used[q.ID]; !ok {
			ordered = append(ordered, q)
		}
	}
	return ordered
}
