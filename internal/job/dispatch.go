package job

import "context"

type sendGuardKey struct{}

// WithSendGuard 返回携带发送前回调的 ctx，Processor 用它在广播交易前落库发送标记。
func WithSendGuard(ctx context.Context, guard func(context.Context) error) context.Context {
	return context.WithValue(ctx, sendGuardKey{}, guard)
}

// BeforeSend 必须在 Executor 广播交易前调用，返回错误时不得发送。
// ctx 中没有回调时直接返回 nil。
func BeforeSend(ctx context.Context) error {
	guard, _ := ctx.Value(sendGuardKey{}).(func(context.Context) error)
	if guard == nil {
		return nil
	}
	return guard(ctx)
}
