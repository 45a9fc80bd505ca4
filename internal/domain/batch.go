package domain

import "time"

// CompletedUnit 成功完成的批次单元。
type CompletedUnit struct {
	Index    int           `json:"index"`
	Identity EmailIdentity `json:"identity"`
	Code     string        `json:"code,omitempty"` // 启用验证时提取到的验证码
}

// FailedUnit 失败的批次单元。
type FailedUnit struct {
	Index   int    `json:"index"`
	Address string `json:"address,omitempty"` // 已生成地址（若失败发生在生成之后）
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// BatchJob 一次批量生成/验证操作。
//
// Completed 和 Failed 按完成顺序追加，而不是提交顺序；需要提交顺序时使用 Index。
type BatchJob struct {
	ID         string          `json:"id"`
	Requested  int             `json:"requested"`
	Completed  []CompletedUnit `json:"completed"`
	Failed     []FailedUnit    `json:"failed"`
	Cancelled  bool            `json:"cancelled"`
	Finished   bool            `json:"finished"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Done 已处理单元数量（成功 + 失败）。
func (j *BatchJob) Done() int {
	return len(j.Completed) + len(j.Failed)
}

// Snapshot 返回副本。
func (j *BatchJob) Snapshot() *BatchJob {
	cp := *j
	cp.Completed = append([]CompletedUnit(nil), j.Completed...)
	cp.Failed = append([]FailedUnit(nil), j.Failed...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// BatchProgress 每处理完一个单元发出一次的进度事件。
type BatchProgress struct {
	JobID     string `json:"jobId"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}
