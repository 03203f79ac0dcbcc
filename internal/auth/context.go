// ABOUTME: Request context helpers carrying the authenticated token subject.
// ABOUTME: Set by the HTTP middleware and read by handlers for logging.

package auth

import "context"

type subjectKey struct{}

// WithSubject returns ctx carrying subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" for anonymous requests.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
