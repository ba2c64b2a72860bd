package auth

import "context"

type subjectKey struct{}

// WithSubject 将经过身份验证的主体存入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中取出主体，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Actor 返回用于审计日志的操作者名称。
func Actor(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Username != "" {
		return subject.Username
	}
	return "anonymous"
}
