package controller

import (
	"school_test_backend/internal/service"
	"school_test_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type WSController struct {
	Hub *service.TestHub
}

func NewWSController(hub *service.TestHub) *WSController {
	return &WSController{Hub: hub}
}

// Connect godoc
// @Summary 建立 websocket 连接
// @Description 客户端消息 joinTeacherRoom / joinTest；服务端推送 resultUpdated、userOnline、userOffline
// @Tags 实时
// @Param   token query string true "JWT"
// @Router /api/ws [get]
func (c *WSController) Connect(ctx *gin.Context) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return
	}
	c.Hub.ServeWS(ctx.Writer, ctx.Request, claims.UserID, claims.Role)
}
