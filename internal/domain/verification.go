package domain

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind 验证后端类型。
type BackendKind string

const (
	BackendTempMailPlus BackendKind = "tempmailplus"
	BackendIMAP         BackendKind = "imap"
	BackendPOP3         BackendKind = "pop3"
	BackendSMTPSink     BackendKind = "smtp_sink"
)

// ParseBackendKind 解析后端类型。
func ParseBackendKind(value string) (BackendKind, error) {
	switch kind := BackendKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case BackendTempMailPlus, BackendIMAP, BackendPOP3, BackendSMTPSink:
		return kind, nil
	}
	return "", fmt.Errorf("unknown verification backend %q", value)
}

// PollState 单个验证请求的状态机状态。
type PollState string

const (
	StateIdle      PollState = "idle"
	StatePolling   PollState = "polling"
	StateCodeFound PollState = "code_found"
	StateTimedOut  PollState = "timed_out"
	StateCancelled PollState = "cancelled"
	StateFatal     PollState = "fatal_error"
)

// Terminal 是否为终止状态。
func (s PollState) Terminal() bool {
	switch s {
	case StateCodeFound, StateTimedOut, StateCancelled, StateFatal:
		return true
	}
	return false
}

// AttemptOutcome 单次拉取的结果分类。
type AttemptOutcome string

const (
	OutcomeNoMessage      AttemptOutcome = "no_message"
	OutcomeCodeFound      AttemptOutcome = "code_found"
	OutcomeTransientError AttemptOutcome = "transient_error"
	OutcomeFatalError     AttemptOutcome = "fatal_error"
)

// PollAttempt 一次拉取尝试的记录。
type PollAttempt struct {
	Timestamp time.Time      `json:"timestamp"`
	Outcome   AttemptOutcome `json:"outcome"`
	Code      string         `json:"code,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// VerificationRequest 一次轮询会话，由服务它的后端实例独占。
type VerificationRequest struct {
	Address     string        `json:"address"`
	BackendKind BackendKind   `json:"backendKind"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Deadline    time.Time     `json:"deadline"`
	State       PollState     `json:"state"`
	Attempts    []PollAttempt `json:"attempts"`
}

// NewVerificationRequest 创建处于 Idle 状态的请求。
func NewVerificationRequest(address string, kind BackendKind, now, deadline time.Time) *VerificationRequest {
	return &VerificationRequest{
		Address:     address,
		BackendKind: kind,
		SubmittedAt: now,
		Deadline:    deadline,
		State:       StateIdle,
	}
}

// Record 追加一次尝试记录。终止后的记录被忽略，同一封邮件的验证码只记录一次。
func (r *VerificationRequest) Record(attempt PollAttempt) {
	if r.State.Terminal() {
		return
	}
	if attempt.Outcome == OutcomeCodeFound && attempt.MessageID != "" && r.HasCode(attempt.MessageID) {
		return
	}
	r.Attempts = append(r.Attempts, attempt)
}

// HasCode 判断某条邮件是否已经以验证码形式记录过。
func (r *VerificationRequest) HasCode(messageID string) bool {
	for _, a := range r.Attempts {
		if a.Outcome == OutcomeCodeFound && a.MessageID == messageID {
			return true
		}
	}
	return false
}

// Snapshot 返回可安全交给调用方的副本。
func (r *VerificationRequest) Snapshot() *VerificationRequest {
	cp := *r
	cp.Attempts = append([]PollAttempt(nil), r.Attempts...)
	return &cp
}
