// Package job persists and queues the on-chain work the relayer performs:
// mints, airdrops and meta-transactions. Jobs are stored first and then
// published by ID, so every queue backend only ever carries job IDs.
package job

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"

	xerrors "superdao-relay/internal/errors"
)

// Kind 表示任务类型。
type Kind string

const (
	KindMint    Kind = "mint"
	KindAirdrop Kind = "airdrop"
	KindMetaTx  Kind = "meta_tx"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次链上执行的结果。
type Result struct {
	TxHash      string `json:"txHash"`
	ChainID     string `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Job 描述了排队执行的链上任务。
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Chain      string          `json:"chain,omitempty"`
	DAOID      string          `json:"daoId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
	Terminal   bool            `json:"terminal,omitempty"`
	Dispatched bool            `json:"dispatched,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return &out
}

// DecodePayload unmarshals the payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return xerrors.New(CodeJobValidation, "任务缺少 payload")
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return xerrors.Wrap(CodeJobValidation, err, "解析任务 payload 失败", xerrors.WithRetryable(false))
	}
	return nil
}

// MintPayload 描述单个铸造。
type MintPayload struct {
	Recipient string `json:"recipient"`
	Tier      string `json:"tier"`
	IsAdmin   bool   `json:"isAdmin,omitempty"`
}

// AirdropItem 是空投名单中的一项。
type AirdropItem struct {
	Wallet string `json:"wallet"`
	Tier   string `json:"tier"`
}

// AirdropPayload 描述批量空投。
type AirdropPayload struct {
	Items []AirdropItem `json:"items"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽，或任务已被判定为终态失败。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrJobOutcomeUnknown 表示任务上一次执行已进入发送阶段但没有记录结果。
	ErrJobOutcomeUnknown = xerrors.New(CodeJobOutcomeUnknown, "job outcome unknown", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobCompensate xerrors.Code = "JOB_COMPENSATION_FAILED"
	// CodeJobOutcomeUnknown 表示交易可能已广播，但成功结果没有写入存储。
	CodeJobOutcomeUnknown xerrors.Code = "JOB_OUTCOME_UNKNOWN"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "job validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobOutcomeUnknown, xerrors.Attributes{
		Message:  "job outcome unknown, manual reconciliation required",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "job compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeJobNotFound:
		return stdErrors.Is(err, ErrJobNotFound)
	case CodeJobConflict:
		return stdErrors.Is(err, ErrJobConflict)
	case CodeJobCompleted:
		return stdErrors.Is(err, ErrJobCompleted)
	case CodeJobExhausted:
		return stdErrors.Is(err, ErrJobExhausted)
	case CodeJobOutcomeUnknown:
		return stdErrors.Is(err, ErrJobOutcomeUnknown)
	default:
		return xerrors.CodeOf(err) == target
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查任务类型。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindMint, KindAirdrop, KindMetaTx:
		return true
	default:
		return false
	}
}
