package app

import (
	"school_test_backend/docs"
	"school_test_backend/internal/config"
	"school_test_backend/internal/middleware"
	"school_test_backend/internal/model"
	"school_test_backend/pkg/monitoring"
	"school_test_backend/pkg/security"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	secret := cfg.JWT.Secret

	// websocket 长连接不加请求超时
	router.GET("/api/ws", middleware.AuthMiddleware(secret), c.ws.Connect)

	api := router.Group("/api")
	api.Use(security.Timeout(cfg.Server.RequestTimeout))

	// 1. 公共路由
	a.registerPublicRoutes(api, c, secret)

	// 2. 需要登录的路由
	authGroup := api.Group("")
	authGroup.Use(middleware.AuthMiddleware(secret))
	{
		a.registerStudentRoutes(authGroup, c)
		a.registerTeacherRoutes(authGroup, c)
		a.registerAdminRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(api *gin.RouterGroup, c *controllers, secret string) {
	api.GET("/health", c.health.HealthCheck)

	auth := api.Group("/auth")
	{
		// 首个管理员可匿名注册，其余注册需要管理员身份
		auth.POST("/register", middleware.TryAuthMiddleware(secret), c.auth.Register)
		auth.POST("/login", c.auth.Login)
		auth.GET("/me", middleware.AuthMiddleware(secret), c.auth.Me)
	}
}

func (a *App) registerStudentRoutes(group *gin.RouterGroup, c *controllers) {
	anyRole := middleware.RoleMiddleware(model.Student, model.Teacher, model.Admin)
	student := middleware.RoleMiddleware(model.Student)

	group.GET("/tests/:id", anyRole, c.test.GetTest)
	group.GET("/subjects/:id/tests", anyRole, c.test.ListSubjectTests)

	group.POST("/tests/:id/submit", student, c.test.SubmitTest)
	group.POST("/answers", student, c.test.AnswerQuestion)
	group.POST("/answers/finish/:testId", student, c.test.FinishTest)
	group.GET("/subjects/:id/my-results", student, c.result.MySubjectResults)
}

func (a *App) registerTeacherRoutes(group *gin.RouterGroup, c *controllers) {
	teacher := middleware.RoleMiddleware(model.Teacher)
	staff := middleware.RoleMiddleware(model.Teacher, model.Admin)

	group.POST("/tests", teacher, c.test.CreateTest)
	group.PUT("/tests/:id", teacher, c.test.UpdateTest)
	group.GET("/tests/:id/results", teacher, c.result.TestResults)

	group.GET("/tests/:id/online", staff, c.test.OnlineUsers)
	group.GET("/subjects/:id/average", staff, c.result.SubjectAverage)
	group.GET("/students/:studentId/subjects/:subjectId/results", staff, c.result.StudentHistory)
}

func (a *App) registerAdminRoutes(group *gin.RouterGroup, c *controllers) {
	admin := group.Group("")
	admin.Use(middleware.RoleMiddleware(model.Admin))
	{
		admin.GET("/tests", c.test.ListTests)
		admin.PUT("/tests/:id/time", c.test.UpdateTestTime)
		admin.DELETE("/tests/:id", c.test.DeleteTest)
		admin.PUT("/users/:id", c.user.UpdateUser)
	}
}
