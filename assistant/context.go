package assistant

import "context"

type ctxKey int

const threadUIDKey ctxKey = iota

func withThreadUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, threadUIDKey, uid)
}

// ThreadUIDFromContext returns the UID of the thread the current turn runs
// against. The orchestrator binds it before tool execution, so tools can act
// on the calling thread without asking the model to supply its id.
func ThreadUIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(threadUIDKey).(string)
	return uid, ok
}
