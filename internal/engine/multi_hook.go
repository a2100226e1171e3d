package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

// Hooks fans every callback out to each hook in order.
type Hooks []Hook

func (hs Hooks) OnTaskStart(ctx context.Context, st *State) {
	for _, h := range hs {
		h.OnTaskStart(ctx, st)
	}
}
func (hs Hooks) OnRoundStart(ctx context.Context, st *State, index int) {
	for _, h := range hs {
		h.OnRoundStart(ctx, st, index)
	}
}
func (hs Hooks) OnBeforeLLM(ctx context.Context, st *State, req CallRequest) {
	for _, h := range hs {
		h.OnBeforeLLM(ctx, st, req)
	}
}
func (hs Hooks) OnAfterLLM(ctx context.Context, st *State, response string, err error) {
	for _, h := range hs {
		h.OnAfterLLM(ctx, st, response, err)
	}
}
func (hs Hooks) OnRetryAttempt(ctx context.Context, st *State, provider string, attempt int, delay time.Duration, err error) {
	for _, h := range hs {
		h.OnRetryAttempt(ctx, st, provider, attempt, delay, err)
	}
}
func (hs Hooks) OnHistoryTruncated(ctx context.Context, st *State, beforeTokens, afterTokens, rounds int) {
	for _, h := range hs {
		h.OnHistoryTruncated(ctx, st, beforeTokens, afterTokens, rounds)
	}
}
func (hs Hooks) OnExecute(ctx context.Context, st *State, code string) {
	for _, h := range hs {
		h.OnExecute(ctx, st, code)
	}
}
func (hs Hooks) OnExecuteResult(ctx context.Context, st *State, res sandbox.Result) {
	for _, h := range hs {
		h.OnExecuteResult(ctx, st, res)
	}
}
func (hs Hooks) OnRoundEnd(ctx context.Context, st *State, r Round) {
	for _, h := range hs {
		h.OnRoundEnd(ctx, st, r)
	}
}
func (hs Hooks) OnDone(ctx context.Context, st *State, res Result) {
	for _, h := range hs {
		h.OnDone(ctx, st, res)
	}
}
