package auth

import "errors"

// 认证失败的原因。
var (
	ErrMissingToken = errors.New("missing api key")
	ErrInvalidToken = errors.New("invalid api key")
)

// Subject 是通过认证的调用方，Name 为 API Key 在配置中的名称。
type Subject struct {
	Name string
}
