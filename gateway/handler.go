package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/clawrun/cron"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/scheduler"
	"go.uber.org/zap"
)

// RunHistory answers queries about runs that already left the registry.
type RunHistory interface {
	List(ctx context.Context, filter runs.Filter) ([]*runs.Run, error)
}

// CronJobs is the part of the cron service the gateway exposes.
type CronJobs interface {
	ListJobs() []*cron.Job
	RunJob(ctx context.Context, id string) (*cron.Job, error)
}

// Handler WebSocket 请求处理器
type Handler struct {
	registry *MethodRegistry
	sched    *scheduler.Scheduler
	history  RunHistory
	timeout  time.Duration
}

// NewHandler 创建处理器. history may be nil.
func NewHandler(sched *scheduler.Scheduler, history RunHistory) *Handler {
	h := &Handler{
		registry: NewMethodRegistry(),
		sched:    sched,
		history:  history,
		timeout:  10 * time.Second,
	}

	// 注册系统方法
	h.registerSystemMethods()

	// 注册会话方法
	h.registerSessionMethods()

	// 注册运行方法
	h.registerRunMethods()

	return h
}

// HandleRequest 处理请求
func (h *Handler) HandleRequest(connID string, req *JSONRPCRequest) *JSONRPCResponse {
	result, err := h.registry.Call(req.Method, connID, req.Params)
	if err != nil {
		code := ErrorInternalError
		switch {
		case isMethodNotFound(err):
			code = ErrorMethodNotFound
		case errors.Is(err, errors.ErrCodeInvalidInput):
			code = ErrorInvalidParams
		default:
			logger.Error("Method execution failed",
				zap.String("method", req.Method),
				zap.String("conn_id", connID),
				zap.Error(err))
		}
		return NewErrorResponse(req.ID, code, errors.GetMessage(err))
	}

	return NewSuccessResponse(req.ID, result)
}

func isMethodNotFound(err error) bool {
	_, ok := err.(errMethodNotFound)
	return ok
}

// registerSystemMethods 注册系统方法
func (h *Handler) registerSystemMethods() {
	// health - 健康检查
	h.registry.Register("health", func(connID string, params map[string]interface{}) (interface{}, error) {
		return healthBody(), nil
	})

	// stats - 运行统计
	h.registry.Register("stats", func(connID string, params map[string]interface{}) (interface{}, error) {
		return h.sched.Stats(), nil
	})
}

// registerSessionMethods 注册会话方法
func (h *Handler) registerSessionMethods() {
	// sessions.list - 列出所有会话
	h.registry.Register("sessions.list", func(connID string, params map[string]interface{}) (interface{}, error) {
		return h.sched.Sessions(), nil
	})

	// sessions.get - 获取会话队列状态
	h.registry.Register("sessions.get", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "sessionId", true)
		if err != nil {
			return nil, err
		}
		return h.sched.SessionSnapshot(id), nil
	})

	// sessions.cancel - 取消会话中的所有运行
	h.registry.Register("sessions.cancel", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "sessionId", true)
		if err != nil {
			return nil, err
		}
		reason, _ := stringParam(params, "reason", false)

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		res, err := h.sched.CancelSession(ctx, id, reason)
		if err != nil && errors.Is(err, errors.ErrCodeInvalidInput) {
			return nil, err
		}
		// A kill failure still reports what was cancelled.
		return res, nil
	})
}

// registerRunMethods 注册运行方法
func (h *Handler) registerRunMethods() {
	// runs.enqueue - 提交一轮对话，只返回准入结果
	h.registry.Register("runs.enqueue", func(connID string, params map[string]interface{}) (interface{}, error) {
		req, err := requestFromParams(params)
		if err != nil {
			return nil, err
		}
		if req.Source == "" {
			req.Source = "websocket"
		}
		adm, err := h.sched.Enqueue(context.Background(), req)
		if err != nil {
			return nil, err
		}
		return adm, nil
	})

	// runs.get - 获取运行详情
	h.registry.Register("runs.get", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "runId", true)
		if err != nil {
			return nil, err
		}
		return h.sched.GetRun(id)
	})

	// runs.list - 列出内存中的运行
	h.registry.Register("runs.list", func(connID string, params map[string]interface{}) (interface{}, error) {
		filter, err := filterFromParams(params)
		if err != nil {
			return nil, err
		}
		return h.sched.ListRuns(filter), nil
	})

	// runs.history - 查询持久化的运行
	h.registry.Register("runs.history", func(connID string, params map[string]interface{}) (interface{}, error) {
		if h.history == nil {
			return nil, errors.New(errors.ErrCodeNotFound, "run journal is not enabled")
		}
		filter, err := filterFromParams(params)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		return h.history.List(ctx, filter)
	})
}

// registerCronMethods 注册定时任务方法
func (h *Handler) registerCronMethods(c CronJobs) {
	// cron.list - 列出定时任务
	h.registry.Register("cron.list", func(connID string, params map[string]interface{}) (interface{}, error) {
		return c.ListJobs(), nil
	})

	// cron.run - 立即触发一次
	h.registry.Register("cron.run", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "jobId", true)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		return c.RunJob(ctx, id)
	})
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return "", errors.InvalidInput(key + " parameter is required")
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.InvalidInput(key + " must be a string")
	}
	return s, nil
}

func filterFromParams(params map[string]interface{}) (runs.Filter, error) {
	var f runs.Filter
	var err error
	if f.SessionID, err = stringParam(params, "sessionId", false); err != nil {
		return f, err
	}
	status, err := stringParam(params, "status", false)
	if err != nil {
		return f, err
	}
	if status != "" {
		f.Status = runs.Status(status)
		if !f.Status.Valid() {
			return f, errors.InvalidInput(fmt.Sprintf("unknown status '%s'", status))
		}
	}
	if l, ok := params["limit"].(float64); ok {
		f.Limit = int(l)
	}
	return f, nil
}

func requestFromParams(params map[string]interface{}) (scheduler.Request, error) {
	var req scheduler.Request
	var err error
	fields := []struct {
		key string
		dst *string
	}{
		{"sessionId", &req.SessionID},
		{"message", &req.Message},
		{"imagePath", &req.ImagePath},
		{"imageUrl", &req.ImageURL},
		{"source", &req.Source},
		{"dedupeKey", &req.DedupeKey},
	}
	for _, f := range fields {
		if *f.dst, err = stringParam(params, f.key, false); err != nil {
			return req, err
		}
	}
	mode, err := stringParam(params, "mode", false)
	if err != nil {
		return req, err
	}
	req.Mode = runs.Mode(mode)
	if internal, ok := params["internal"].(bool); ok {
		req.Internal = internal
	}
	return req, nil
}

func healthBody() map[string]interface{} {
	return map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   ProtocolVersion,
	}
}
