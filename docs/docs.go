// Package docs 由 swag init 生成，接口注释变更后重新生成
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["系统"],
                "summary": "健康检查",
                "responses": {"200": {"description": "OK"}, "503": {"description": "依赖不可用"}}
            }
        },
        "/auth/register": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["认证"],
                "summary": "注册用户",
                "responses": {"201": {"description": "Created"}, "400": {"description": "参数错误"}, "403": {"description": "需要管理员"}, "409": {"description": "用户名已存在"}}
            }
        },
        "/auth/login": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["认证"],
                "summary": "登录",
                "responses": {"200": {"description": "OK"}, "401": {"description": "用户名或密码错误"}}
            }
        },
        "/auth/me": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["认证"],
                "summary": "当前用户",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/users/{id}": {
            "put": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["用户"],
                "summary": "修改用户",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tests": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "全部测试",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "创建测试",
                "parameters": [{"type": "string", "name": "data", "in": "formData", "required": true}],
                "responses": {"201": {"description": "Created"}, "400": {"description": "参数错误"}}
            }
        },
        "/tests/{id}": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "查看测试",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "尚未开始"}}
            },
            "put": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "修改测试",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "data", "in": "formData", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "已开始"}}
            },
            "delete": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "删除测试",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tests/{id}/time": {
            "put": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "调整测试时间",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tests/{id}/submit": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["作答"],
                "summary": "交卷",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "未开始/已结束/已提交"}}
            }
        },
        "/tests/{id}/results": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["成绩"],
                "summary": "测试成绩明细",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "403": {"description": "非测试作者"}}
            }
        },
        "/tests/{id}/online": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "测试在线用户",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/answers": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["作答"],
                "summary": "保存单题答案",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/answers/finish/{testId}": {
            "post": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["作答"],
                "summary": "按已保存的答案交卷",
                "parameters": [{"type": "integer", "name": "testId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}
            }
        },
        "/subjects/{id}/tests": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["测试"],
                "summary": "科目下的测试",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/subjects/{id}/average": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["成绩"],
                "summary": "科目各测试平均分",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "type", "in": "query"}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/subjects/{id}/my-results": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["成绩"],
                "summary": "我的科目成绩",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/students/{studentId}/subjects/{subjectId}/results": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["成绩"],
                "summary": "学生在某科目的成绩历史",
                "parameters": [{"type": "integer", "name": "studentId", "in": "path", "required": true}, {"type": "integer", "name": "subjectId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/ws": {
            "get": {
                "tags": ["实时"],
                "summary": "建立 websocket 连接",
                "parameters": [{"type": "string", "name": "token", "in": "query", "required": true}],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:5000",
	BasePath:         "/api",
	Schemes:          []string{},
	Title:            "School Test 后端 API",
	Description:      "学校在线测试平台的后端服务器。",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
