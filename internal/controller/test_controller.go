package controller

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"

	"school_test_backend/internal/service"
	"school_test_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type TestController struct {
	TestService   *service.TestService
	TakingService *service.TestTakingService
	Hub           *service.TestHub
}

func NewTestController(testService *service.TestService, takingService *service.TestTakingService, hub *service.TestHub) *TestController {
	return &TestController{
		TestService:   testService,
		TakingService: takingService,
		Hub:           hub,
	}
}

type SubmitRequest struct {
	Answers []service.AnswerInput `json:"answers" binding:"dive"`
}

// bindTestPayload multipart 中 data 字段为 JSON，其余文件字段按 imgKey 对应题目；也接受纯 JSON 请求体
func bindTestPayload(ctx *gin.Context) (*service.TestInput, map[string]*multipart.FileHeader, error) {
	var input service.TestInput
	files := make(map[string]*multipart.FileHeader)

	if strings.HasPrefix(ctx.ContentType(), "application/json") {
		if err := ctx.ShouldBindJSON(&input); err != nil {
			return nil, nil, util.Validationf("invalid body: %v", err)
		}
		return &input, files, nil
	}

	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, util.MaxMultipartBytes)
	form, err := ctx.MultipartForm()
	if err != nil {
		return nil, nil, util.Validationf("invalid multipart form: %v", err)
	}

	data := form.Value["data"]
	if len(data) != 1 {
		return nil, nil, util.Validationf("form field data is required")
	}
	if err := json.Unmarshal([]byte(data[0]), &input); err != nil {
		return nil, nil, util.Validationf("invalid data: %v", err)
	}

	for field, headers := range form.File {
		if len(headers) != 1 {
			return nil, nil, util.Validationf("file field %q must contain exactly one file", field)
		}
		files[field] = headers[0]
	}
	return &input, files, nil
}

// CreateTest godoc
// @Summary 创建测试
// @Description multipart：data 为测试 JSON，图片文件的字段名与题目的 imgKey 一一对应
// @Tags 测试
// @Accept  multipart/form-data
// @Produce  json
// @Security ApiKeyAuth
// @Param   data formData string true "测试 JSON"
// @Success 201 {object} util.Response{data=model.Test}
// @Failure 400 {object} util.Response
// @Failure 404 {object} util.Response "科目不存在"
// @Router /api/tests [post]
func (c *TestController) CreateTest(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	input, files, err := bindTestPayload(ctx)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	test, err := c.TestService.CreateTest(ctx.Request.Context(), claims.UserID, input, files)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	util.Created(ctx, service.AuthorView(test, c.TestService.Storage.URL))
}

// ListTests godoc
// @Summary 全部测试
// @Tags 测试
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]service.TestSummary}
// @Router /api/tests [get]
func (c *TestController) ListTests(ctx *gin.Context) {
	tests, err := c.TestService.ListTests(ctx.Request.Context())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, tests)
}

// ListSubjectTests godoc
// @Summary 科目下的测试
// @Tags 测试
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "科目ID"
// @Success 200 {object} util.Response{data=[]service.TestSummary}
// @Router /api/subjects/{id}/tests [get]
func (c *TestController) ListSubjectTests(ctx *gin.Context) {
	subjectID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	tests, err := c.TestService.ListSubjectTests(ctx.Request.Context(), subjectID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, tests)
}

// GetTest godoc
// @Summary 查看测试
// @Description 教师/管理员看到完整内容；学生按作答状态看到题目（无答案）或复盘
// @Tags 测试
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Success 200 {object} util.Response{data=service.TestView}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response "尚未开始"
// @Router /api/tests/{id} [get]
func (c *TestController) GetTest(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	view, err := c.TakingService.ViewTest(ctx.Request.Context(), claims.UserID, claims.Role, testID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// UpdateTest godoc
// @Summary 修改测试
// @Description 仅作者，开始前且无人作答时可修改；题目与选项整体替换
// @Tags 测试
// @Accept  multipart/form-data
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Param   data formData string true "测试 JSON"
// @Success 200 {object} util.Response{data=service.TestView}
// @Failure 403 {object} util.Response
// @Failure 409 {object} util.Response "已开始"
// @Router /api/tests/{id} [put]
func (c *TestController) UpdateTest(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	input, files, err := bindTestPayload(ctx)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	test, err := c.TestService.UpdateTest(ctx.Request.Context(), claims.UserID, testID, input, files)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, service.AuthorView(test, c.TestService.Storage.URL))
}

// UpdateTestTime godoc
// @Summary 调整测试时间
// @Tags 测试
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Param   body body service.TestTimeInput true "开始/结束时间"
// @Success 200 {object} util.Response{data=model.Test}
// @Failure 409 {object} util.Response
// @Router /api/tests/{id}/time [put]
func (c *TestController) UpdateTestTime(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	var req service.TestTimeInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	test, err := c.TestService.UpdateTestTime(ctx.Request.Context(), testID, &req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, test)
}

// DeleteTest godoc
// @Summary 删除测试
// @Tags 测试
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Success 200 {object} util.Response
// @Router /api/tests/{id} [delete]
func (c *TestController) DeleteTest(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	if err := c.TestService.DeleteTest(ctx.Request.Context(), testID); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": testID})
}

// SubmitTest godoc
// @Summary 交卷
// @Tags 作答
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Param   body body SubmitRequest true "答案"
// @Success 200 {object} util.Response{data=service.TestView}
// @Failure 409 {object} util.Response "未开始/已结束/已提交"
// @Router /api/tests/{id}/submit [post]
func (c *TestController) SubmitTest(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	var req SubmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	claims := util.GetUserFromContext(ctx)
	view, err := c.TakingService.SubmitTest(ctx.Request.Context(), claims.UserID, testID, req.Answers)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// AnswerQuestion godoc
// @Summary 保存单题答案
// @Tags 作答
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   body body service.AnswerInput true "题目与选项"
// @Success 200 {object} util.Response
// @Router /api/answers [post]
func (c *TestController) AnswerQuestion(ctx *gin.Context) {
	var req service.AnswerInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	claims := util.GetUserFromContext(ctx)
	if err := c.TakingService.AnswerQuestion(ctx.Request.Context(), claims.UserID, req); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"questionId": req.QuestionID, "optionId": req.OptionID})
}

// FinishTest godoc
// @Summary 按已保存的答案交卷
// @Description 逐题作答后交卷，按 /answers 保存的答案计分
// @Tags 作答
// @Produce  json
// @Security ApiKeyAuth
// @Param   testId path int true "测试ID"
// @Success 200 {object} util.Response{data=service.TestView}
// @Failure 409 {object} util.Response "未开始、已结束或已交卷"
// @Router /api/answers/finish/{testId} [post]
func (c *TestController) FinishTest(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "testId")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	claims := util.GetUserFromContext(ctx)
	view, err := c.TakingService.FinishTest(ctx.Request.Context(), claims.UserID, testID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// OnlineUsers godoc
// @Summary 测试在线用户
// @Tags 测试
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "测试ID"
// @Success 200 {object} util.Response
// @Router /api/tests/{id}/online [get]
func (c *TestController) OnlineUsers(ctx *gin.Context) {
	testID, err := util.ParseUintParam(ctx, "id")
	if err != nil {
		util.HandleError(ctx, err)
		return
	}

	ids, err := c.Hub.OnlineUsers(ctx.Request.Context(), testID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"testId": testID, "userIds": ids})
}
