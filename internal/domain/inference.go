package domain

import "context"

// ContextToken is the opaque conversation state returned by the inference
// backend. The pipeline stores and replays it verbatim and never looks
// inside.
type ContextToken []byte

type Reply struct {
	Text    string
	Context ContextToken
}

// InferenceClient generates a reply for a prompt. Implementations fold
// transport and status failures into Reply.Text with an empty token, so a
// backend outage surfaces as a visible chat message rather than a silently
// dropped one.
type InferenceClient interface {
	Generate(ctx context.Context, prompt string, convCtx ContextToken) Reply
}
