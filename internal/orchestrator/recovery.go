package orchestrator

import (
	"context"
	"fmt"
	"strings"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/job"
)

// PartialAirdropRecovery 把部分完成的空投降级为成功，保留已上链批次的哈希。
// 已发送的批次不能重放，剩余接收者需要运营另行提交新的空投任务。
type PartialAirdropRecovery struct{}

// Recover 实现 job.RecoveryHandler。非部分空投的错误返回 nil，继续按失败处理。
func (PartialAirdropRecovery) Recover(_ context.Context, j *job.Job, cause error) (*job.Result, error) {
	e, ok := xerrors.From(cause)
	if !ok || e.Code() != CodeAirdropPartial || j.Kind != job.KindAirdrop {
		return nil, nil
	}
	raw := e.Metadata()["tx_hashes"]
	if raw == "" {
		return nil, nil
	}
	hashes := strings.Split(raw, ",")
	return &job.Result{
		TxHash: hashes[len(hashes)-1],
		Note:   fmt.Sprintf("partial: %s; %s", raw, e.Message()),
	}, nil
}

var _ job.RecoveryHandler = PartialAirdropRecovery{}
