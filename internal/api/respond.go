package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"OnyxLab-Core/internal/codegen"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/proposal"
	"OnyxLab-Core/internal/session"
	"OnyxLab-Core/pkg/logger"
)

// maxBodyBytes 限制请求体大小，需求描述最长 4000 字符。
const maxBodyBytes = 64 << 10

var (
	validate         = newValidator()
	errServiceClosed = xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭")
	txHashPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// newValidator 返回以 JSON 字段名报告错误的校验器，并注册 eth_tx_hash 规则。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("eth_tx_hash", func(fl validator.FieldLevel) bool {
		return txHashPattern.MatchString(fl.Field().String())
	})
	return v
}

// ErrorResponse 是所有失败请求的响应体。
type ErrorResponse struct {
	Code      string `json:"code"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 输出统一错误结构。非统一错误只返回通用信息，细节仅写入日志。
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Code:     string(xerrors.CodeUnknown),
		Category: string(xerrors.CategoryInternal),
		Message:  "内部错误",
	}
	e, ok := xerrors.From(err)
	if ok {
		resp.Code = string(e.Code())
		resp.Category = string(e.Category())
		resp.Message = logger.Redact(e.Message())
		resp.Retryable = e.Retryable()
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("error_code", resp.Code), slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

// statusFor 将错误码与分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case session.CodePaymentRequired:
		return http.StatusPaymentRequired
	case xerrors.CodeSessionBusy, xerrors.CodeInvalidTransition, xerrors.CodeConflict,
		xerrors.CodeAlreadyCompleted, session.CodeIterationLimit, session.CodeStageInterrupted,
		xerrors.CodeCancelled:
		return http.StatusConflict
	case proposal.CodeProposalGenerationFailed, codegen.CodeCodeGenIncomplete,
		codegen.CodeSchemaValidationFailed, xerrors.CodeAIProviderFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategoryMismatch:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryToolFailure:
		return http.StatusBadGateway
	case xerrors.CategoryExternalTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CategorySessionBusy, xerrors.CategoryState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeBody 解析 JSON 请求体并执行字段校验。
func decodeBody(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败")
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求参数校验失败")
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeField(fe))
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "请求参数校验失败: "+strings.Join(problems, "; "),
		xerrors.WithMetadata("field", fieldErrs[0].Field()))
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s 不能为空", fe.Field())
	case "eth_addr":
		return fmt.Sprintf("%s 不是合法的以太坊地址", fe.Field())
	case "max":
		return fmt.Sprintf("%s 长度不能超过 %s", fe.Field(), fe.Param())
	case "eth_tx_hash":
		return fmt.Sprintf("%s 不是合法的交易哈希", fe.Field())
	default:
		return fmt.Sprintf("%s 校验失败(%s)", fe.Field(), fe.Tag())
	}
}
