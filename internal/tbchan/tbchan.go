// Package tbchan has helpers for common channel send and receive patterns
// between the engine's exported methods and its kernel goroutine,
// respecting context cancellation.
package tbchan

import (
	"context"
	"log/slog"
)

// SendC selects between ctx.Done and sending val to ch.
// If ctx is canceled before the send completes,
// the cancellation is logged with the purpose string
// and SendC reports false.
func SendC[T any](ctx context.Context, log *slog.Logger, ch chan<- T, val T, purpose string) (sent bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while "+purpose,
			"cause", context.Cause(ctx),
		)
		return false
	case ch <- val:
		return true
	}
}

// RecvC selects between ctx.Done and receiving from ch.
// If ctx is canceled before a value arrives,
// the cancellation is logged with the purpose string
// and RecvC reports false.
func RecvC[T any](ctx context.Context, log *slog.Logger, ch <-chan T, purpose string) (val T, received bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while "+purpose,
			"cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	case val := <-ch:
		return val, true
	}
}

// ReqResp performs a blocking send of reqValue to reqChan,
// then a blocking receive from respChan,
// abandoning either step if ctx is canceled first.
// This is the request-response pattern
// between a caller and the kernel goroutine owning the state.
func ReqResp[TReq, TResp any](
	ctx context.Context, log *slog.Logger,
	reqChan chan<- TReq, reqValue TReq,
	respChan <-chan TResp,
	purpose string,
) (resp TResp, ok bool) {
	if !SendC(ctx, log, reqChan, reqValue, "making "+purpose+" request") {
		var zero TResp
		return zero, false
	}

	return RecvC(ctx, log, respChan, "receiving "+purpose+" response")
}
