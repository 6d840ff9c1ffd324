package util

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParseUintParam 读取路径参数，非法或为 0 时返回校验错误
func ParseUintParam(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, Validationf("invalid %s", name)
	}
	return uint(id), nil
}

func UintPtr(v uint) *uint {
	return &v
}
