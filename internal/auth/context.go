package auth

import "context"

type subjectKey struct{}

// WithSubject 将已认证主体写入 context。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 读取 WithSubject 写入的主体，认证关闭时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Username 返回 context 中主体的用户名，没有主体时返回 "anonymous"。
func Username(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil {
		return s.Username
	}
	return "anonymous"
}
