package controller

import (
	"school_test_backend/internal/service"
	"school_test_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ResultController struct {
	ResultService *service.ResultService
}

func NewResultController(resultService *service.ResultService) *ResultController {
	return &ResultController{ResultService: resultService}
}

// TestResults godoc
// @Summary 测试成绩明细
// @Tags 成绩
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Success 200 {object} util.Response{data=[]service.StudentTestResult}
// @Failure 403 {object} util.Response "非测试作者"
// @Router /api/tests/{id}/results [get]
func (c *ResultController) TestResults(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	results, err := c.ResultService.TestResults(ctx.Request.Context(), claims.UserID, testID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, results)
}

// SubjectAverage godoc
// @Summary 科目各测试平均分
// @Description type=detailed 时返回每个测试的学生成绩列表
// @Tags 成绩
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "科目ID"
// @Param   type query string false "detailed"
// @Success 200 {object} util.Response{data=[]service.TestAverage}
// @Router /api/subjects/{id}/average [get]
func (c *ResultController) SubjectAverage(ctx *gin.Context) {
	subjectID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	if ctx.Query("type") == "detailed" {
		scores, err := c.ResultService.SubjectScores(ctx.Request.Context(), subjectID, claims.UserID, claims.Role)
		if err != nil {
			util.HandleError(ctx, err)
			return
		}
		util.Success(ctx, scores)
		return
	}

	averages, err := c.ResultService.SubjectAverages(ctx.Request.Context(), subjectID, claims.UserID, claims.Role)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, averages)
}

// MySubjectResults godoc
// @Summary 我的科目成绩
// @Tags 成绩
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "科目ID"
// @Success 200 {object} util.Response{data=[]service.TestScore}
// @Router /api/subjects/{id}/my-results [get]
func (c *ResultController) MySubjectResults(ctx *gin.Context) {
	subjectID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	results, err := c.ResultService.MySubjectResults(ctx.Request.Context(), claims.UserID, subjectID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, results)
}

// StudentHistory godoc
// @Summary 学生在某科目的成绩历史
// @Tags 成绩
// @Produce  json
// @Security ApiKeyAuth
// @Param   studentId path int true "学生ID"
// @Param   subjectId path int true "科目ID"
// @Success 200 {object} util.Response{data=service.StudentHistory}
// @Router /api/students/{studentId}/subjects/{subjectId}/results [get]
func (c *ResultController) StudentHistory(ctx *gin.Context) {
	studentID, err := util.ParseUintParam(ctx, "studentId")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	subjectID, err := util.ParseUintParam(ctx, "subjectId")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	history, err := c.ResultService.StudentHistory(ctx.Request.Context(), studentID, subjectID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, history)
}
