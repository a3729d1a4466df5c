package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// General errors
	ErrCodeUnknown       ErrorCode = "UNKNOWN"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT"
	ErrCodeAuth          ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeBilling       ErrorCode = "BILLING_ERROR"

	// Run lifecycle errors
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeSchedulerClosed   ErrorCode = "SCHEDULER_CLOSED"

	// Provider errors
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrCodeMissingCredential   ErrorCode = "MISSING_CREDENTIAL"
	ErrCodeProcessFailed       ErrorCode = "PROCESS_FAILED"

	// Session errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
)

// AppError represents a structured application error
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new application error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with code and message
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code from an error if it's an AppError
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// GetMessage returns the error message
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Describe renders err for humans without the code prefix, keeping the
// wrapped cause.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			return appErr.Message + ": " + appErr.Err.Error()
		}
		return appErr.Message
	}
	return err.Error()
}

// Is checks if error is of specific type
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Common error constructors
func InvalidInput(msg string) *AppError {
	return New(ErrCodeInvalidInput, msg)
}

func InvalidConfig(msg string) *AppError {
	return New(ErrCodeInvalidConfig, msg)
}

func NotFound(what string) *AppError {
	return New(ErrCodeNotFound, what+" not found")
}

func InvalidTransition(runID, from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("run '%s' cannot move from %s to %s", runID, from, to)).
		WithContext("run_id", runID).
		WithContext("from", from).
		WithContext("to", to)
}

func Cancelled(reason string) *AppError {
	return New(ErrCodeCancelled, reason)
}

func SessionNotFound(id string) *AppError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", id))
}

func MissingCredential(provider string) *AppError {
	return New(ErrCodeMissingCredential, fmt.Sprintf("no API key configured for provider '%s'", provider))
}

func ProviderUnavailable(provider string) *AppError {
	return New(ErrCodeProviderUnavailable, fmt.Sprintf("provider '%s' is unavailable", provider))
}

func ProviderFailed(provider string, err error) *AppError {
	return Wrap(err, ErrCodeProviderError, fmt.Sprintf("provider '%s' request failed", provider))
}

// ==============================================================================
// Failure classification
// ==============================================================================

// FailureKind groups run failures for reporting on Run.ErrorKind.
type FailureKind string

const (
	FailureValidation    FailureKind = "validation"
	FailureNotFound      FailureKind = "not_found"
	FailureConfiguration FailureKind = "configuration"
	FailureExecution     FailureKind = "execution"
	FailureCancelled     FailureKind = "cancelled"
	FailureInvariant     FailureKind = "invalid_transition"
)

// Classify maps an error onto a FailureKind. Coded AppErrors win; plain errors
// fall back to the message classifier.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}

	switch GetCode(err) {
	case ErrCodeInvalidInput:
		return FailureValidation
	case ErrCodeNotFound, ErrCodeSessionNotFound:
		return FailureNotFound
	case ErrCodeInvalidConfig, ErrCodeMissingCredential, ErrCodeAuth, ErrCodeProviderUnavailable:
		return FailureConfiguration
	case ErrCodeCancelled:
		return FailureCancelled
	case ErrCodeInvalidTransition:
		return FailureInvariant
	case ErrCodeUnknown:
		if defaultClassifier.ClassifyError(err) == FailoverReasonAuth {
			return FailureConfiguration
		}
	}
	return FailureExecution
}

// ==============================================================================
// Provider error patterns
// ==============================================================================

// FailoverReason 失败原因类型
type FailoverReason string

const (
	// FailoverReasonAuth 认证错误
	FailoverReasonAuth FailoverReason = "auth"
	// FailoverReasonRateLimit 速率限制
	FailoverReasonRateLimit FailoverReason = "rate_limit"
	// FailoverReasonTimeout 超时
	FailoverReasonTimeout FailoverReason = "timeout"
	// FailoverReasonBilling 计费错误
	FailoverReasonBilling FailoverReason = "billing"
	// FailoverReasonUnknown 未知错误
	FailoverReasonUnknown FailoverReason = "unknown"
)

// ErrorClassifier 错误分类器接口
type ErrorClassifier interface {
	ClassifyError(err error) FailoverReason
}

var defaultClassifier = NewSimpleErrorClassifier()

// SimpleErrorClassifier 简单的错误分类器实现
type SimpleErrorClassifier struct {
	authPatterns      []string
	rateLimitPatterns []string
	timeoutPatterns   []string
	billingPatterns   []string
}

// NewSimpleErrorClassifier 创建简单错误分类器
func NewSimpleErrorClassifier() *SimpleErrorClassifier {
	return &SimpleErrorClassifier{
		authPatterns: []string{
			"invalid api key", "incorrect api key", "missing api key", "invalid token",
			"authentication", "unauthorized", "forbidden", "access denied", "401", "403",
		},
		rateLimitPatterns: []string{
			"rate limit", "too many requests", "429", "quota exceeded",
			"resource_exhausted", "overloaded",
		},
		timeoutPatterns: []string{
			"timeout", "timed out", "deadline exceeded",
		},
		billingPatterns: []string{
			"402", "payment required", "insufficient credits", "billing",
		},
	}
}

// ClassifyError 分类错误
func (c *SimpleErrorClassifier) ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverReasonUnknown
	}

	errMsg := strings.ToLower(err.Error())

	if c.matchesAny(errMsg, c.authPatterns) {
		return FailoverReasonAuth
	}
	if c.matchesAny(errMsg, c.rateLimitPatterns) {
		return FailoverReasonRateLimit
	}
	if c.matchesAny(errMsg, c.timeoutPatterns) {
		return FailoverReasonTimeout
	}
	if c.matchesAny(errMsg, c.billingPatterns) {
		return FailoverReasonBilling
	}

	return FailoverReasonUnknown
}

// matchesAny 检查错误消息是否匹配任何模式
func (c *SimpleErrorClassifier) matchesAny(errMsg string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
