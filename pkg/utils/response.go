package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorBody 错误响应的 JSON 结构
type ErrorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// 客户端断开时写入失败，无需处理。
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message, Status: status})
}

// DecodeJSON 解析请求体，最大 1MB。
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}
