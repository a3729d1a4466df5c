package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/smallnest/clawrun/internal/logger"
	"go.uber.org/zap"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		logger: logger.L(),
	}
}

// Handle logs err at a level chosen from its code.
func (h *ErrorHandler) Handle(err error, fields ...zap.Field) {
	if err == nil {
		return
	}

	code := GetCode(err)
	all := append([]zap.Field{
		zap.String("error_code", string(code)),
		zap.String("error_message", GetMessage(err)),
	}, fields...)

	switch code {
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeCancelled:
		h.logger.Debug("User error", all...)
	case ErrCodeTimeout, ErrCodeRateLimit:
		h.logger.Info("Temporary error", all...)
	case ErrCodeAuth, ErrCodeBilling, ErrCodeMissingCredential, ErrCodeInvalidConfig:
		h.logger.Warn("Configuration error", all...)
	case ErrCodeInvalidTransition:
		h.logWithStack("Invariant violated", err, fields...)
	default:
		h.logger.Error("Operation failed", append(all, zap.Error(err))...)
	}
}

// RecoverValue converts a recovered panic value into an AppError and logs the stack.
func (h *ErrorHandler) RecoverValue(operation string, r any) error {
	if r == nil {
		return nil
	}
	h.logger.Error("Panic recovered",
		zap.String("operation", operation),
		zap.Any("recover", r),
		zap.String("stack", string(debug.Stack())))
	return New(ErrCodeUnknown, fmt.Sprintf("panic in %s: %v", operation, r))
}

// logWithStack logs error with stack trace
func (h *ErrorHandler) logWithStack(message string, err error, fields ...zap.Field) {
	stack := debug.Stack()
	all := []zap.Field{
		zap.String("error_code", string(GetCode(err))),
		zap.String("error_message", GetMessage(err)),
		zap.String("stack", string(stack)),
	}
	var appErr *AppError
	if errors.As(err, &appErr) && len(appErr.Context) > 0 {
		all = append(all, zap.Any("context", appErr.Context))
	}
	h.logger.Error(message, append(all, fields...)...)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	retryableCodes := []ErrorCode{
		ErrCodeTimeout,
		ErrCodeRateLimit,
		ErrCodeProviderUnavailable,
	}

	if slices.Contains(retryableCodes, code) {
		return true
	}
	if code == ErrCodeCancelled {
		return false
	}

	msg := strings.ToLower(err.Error())
	networkKeywords := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
	}

	for _, keyword := range networkKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}

// GetUserMessage returns a user-facing message for err.
func GetUserMessage(err error) string {
	if err == nil {
		return ""
	}

	code := GetCode(err)
	msg := GetMessage(err)

	messages := map[ErrorCode]string{
		ErrCodeInvalidConfig:       "Configuration error. Please check your settings.",
		ErrCodeMissingCredential:   "No API key is configured for the selected provider.",
		ErrCodeTimeout:             "The operation timed out. Please try again.",
		ErrCodeRateLimit:           "Too many requests. Please wait and try again.",
		ErrCodeAuth:                "Authentication failed. Please check your credentials.",
		ErrCodeProviderUnavailable: "The AI service is currently unavailable.",
		ErrCodeSessionNotFound:     "Session not found. Please start a new conversation.",
	}

	if userMsg, ok := messages[code]; ok {
		if msg != "" {
			return userMsg + " (" + msg + ")"
		}
		return userMsg
	}

	if msg != "" {
		return msg
	}

	return "An unexpected error occurred. Please try again."
}
