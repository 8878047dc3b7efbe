package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError writes an error envelope with message.
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// JSONAppError 按错误码输出错误，data 非空时一并返回部分结果
func (c *BaseController) JSONAppError(err error, data interface{}) {
	status := apperrors.HTTPStatus(err)
	body := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		body["code"] = appErr.Code
	}
	if data != nil {
		body["data"] = data
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.Ctx.Request.URL.Path),
			zap.String("method", c.Ctx.Request.Method),
			zap.Error(err))
	}
	c.JSON(status, body)
}

// decodeJSON 解析请求体
// 开启 CopyRequestBody 时直接使用已复制的内容
func (c *BaseController) decodeJSON(v interface{}) error {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 && c.Ctx.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Ctx.Request.Body, maxBodyBytes))
		if err != nil {
			return err
		}
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	return json.Unmarshal(body, v)
}
