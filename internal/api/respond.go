package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把统一错误映射为 HTTP 状态码，未编码的错误按 500 处理且不回显细节。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		logger.L().Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    string(xerrors.CodeUnknown),
			Message: xerrors.AttributesOf(xerrors.CodeUnknown).Message,
		})
		return
	}
	status := xerrors.HTTPStatus(e.Code())
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(e.Code())),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{
		Code:    string(e.Code()),
		Message: e.Message(),
		Details: e.Metadata(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
