// engine/hooks.go
package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/analyst/internal/sandbox"
)

type Hook interface {
	OnTaskStart(ctx context.Context, st *State)
	OnRoundStart(ctx context.Context, st *State, index int)
	OnBeforeLLM(ctx context.Context, st *State, req CallRequest)
	OnAfterLLM(ctx context.Context, st *State, response string, err error)
	OnRetryAttempt(ctx context.Context, st *State, provider string, attempt int, delay time.Duration, err error)
	OnHistoryTruncated(ctx context.Context, st *State, beforeTokens, afterTokens, rounds int)
	OnExecute(ctx context.Context, st *State, code string)
	OnExecuteResult(ctx context.Context, st *State, res sandbox.Result)
	OnRoundEnd(ctx context.Context, st *State, r Round)
	OnDone(ctx context.Context, st *State, res Result)
}

// NopHook lets you implement any hook you need.
type NopHook struct{}

func (NopHook) OnTaskStart(context.Context, *State)                                       {}
func (NopHook) OnRoundStart(context.Context, *State, int)                                 {}
func (NopHook) OnBeforeLLM(context.Context, *State, CallRequest)                          {}
func (NopHook) OnAfterLLM(context.Context, *State, string, error)                         {}
func (NopHook) OnRetryAttempt(context.Context, *State, string, int, time.Duration, error) {}
func (NopHook) OnHistoryTruncated(context.Context, *State, int, int, int)                 {}
func (NopHook) OnExecute(context.Context, *State, string)                                 {}
func (NopHook) OnExecuteResult(context.Context, *State, sandbox.Result)                   {}
func (NopHook) OnRoundEnd(context.Context, *State, Round)                                 {}
func (NopHook) OnDone(context.Context, *State, Result)                                    {}
