package gateway

import (
	"fmt"
	"sync"
)

// ProtocolVersion 协议版本
const ProtocolVersion = "1"

// JSON-RPC 错误码
const (
	ErrorParseError     = -32700
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorInternalError  = -32603
)

// JSONRPCRequest WebSocket 上的请求
type JSONRPCRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// JSONRPCError 错误详情
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSONRPCResponse WebSocket 上的响应
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
}

// MethodHandler 方法处理函数
type MethodHandler func(connID string, params map[string]interface{}) (interface{}, error)

// errMethodNotFound is returned by Call for unregistered methods.
type errMethodNotFound string

func (e errMethodNotFound) Error() string { return fmt.Sprintf("method not found: %s", string(e)) }

// MethodRegistry 方法注册表
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]MethodHandler
}

// NewMethodRegistry 创建方法注册表
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodHandler)}
}

// Register 注册方法
func (r *MethodRegistry) Register(method string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = handler
}

// Call 调用方法
func (r *MethodRegistry) Call(method, connID string, params map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	handler, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, errMethodNotFound(method)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return handler(connID, params)
}

// Methods 已注册的方法名
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	return out
}
