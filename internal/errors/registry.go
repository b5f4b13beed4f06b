package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 是对外暴露的错误分类，调用方据此决定是否重试、是否提示用户。
type Category string

const (
	CategoryValidation      Category = "ValidationError"
	CategoryExternalTimeout Category = "ExternalTimeout"
	CategoryMismatch        Category = "Mismatch"
	CategoryToolFailure     Category = "ToolFailure"
	CategorySessionBusy     Category = "SessionBusy"
	CategoryState           Category = "StateError"
	CategoryInternal        Category = "InternalError"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Category  Category
}

// 通用错误码；各业务包在 init() 中注册自己的领域错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeSessionBusy           Code = "SESSION_BUSY"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeCancelled             Code = "CANCELLED"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeAIProviderFailure     Code = "AI_PROVIDER_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"未知错误", SeverityCritical, false, true, CategoryInternal},
		CodeInvalidArgument:       {"参数不合法", SeverityInfo, false, false, CategoryValidation},
		CodeNotFound:              {"资源不存在", SeverityInfo, false, false, CategoryState},
		CodeConflict:              {"资源冲突", SeverityWarning, false, false, CategoryState},
		CodeAlreadyCompleted:      {"操作已完成", SeverityInfo, false, false, CategoryState},
		CodeForbidden:             {"无权访问该会话", SeverityWarning, false, false, CategoryState},
		CodeSessionBusy:           {"会话正在处理其他请求", SeverityInfo, false, false, CategorySessionBusy},
		CodeInvalidTransition:     {"当前状态不允许该操作", SeverityInfo, false, false, CategoryState},
		CodeCancelled:             {"操作已取消", SeverityInfo, true, false, CategoryState},
		CodeTimeout:               {"操作超时", SeverityWarning, true, true, CategoryExternalTimeout},
		CodeInitializationFailure: {"服务未初始化", SeverityWarning, true, true, CategoryInternal},
		CodeStorageFailure:        {"存储异常", SeverityCritical, true, true, CategoryInternal},
		CodeQueueFailure:          {"队列异常", SeverityCritical, true, true, CategoryInternal},
		CodeAIProviderFailure:     {"大模型服务异常", SeverityWarning, true, false, CategoryInternal},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
