package relay

import (
	"context"
	"unicode/utf8"

	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/provider"
)

// Frame is the error event written when generation fails mid-stream.
type Frame struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Summary is written once when the provider finishes normally.
type Summary struct {
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *provider.Usage `json:"usage,omitempty"`
}

// Writer is the transport side of a stream.
type Writer interface {
	Delta(text string) error
	Fail(f Frame) error
	Done(s Summary) error
}

// Outcome describes how a relay ended.
type Outcome struct {
	Deltas       int
	Chars        int64
	Usage        *provider.Usage
	FinishReason string
	Completed    bool
	Cancelled    bool
	Err          error
}

// Pipe forwards events to w in arrival order until the provider finishes, fails,
// the caller goes away or ctx is done. Only a character count of the output is kept.
// describe renders provider errors into the error frame.
func Pipe(ctx context.Context, events <-chan provider.Event, w Writer, describe func(error) Frame) Outcome {
	var out Outcome
	for {
		select {
		case <-ctx.Done():
			out.Cancelled = true
			return out
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					out.Cancelled = true
					return out
				}
				out.Completed = true
				_ = w.Done(Summary{FinishReason: out.FinishReason, Usage: out.Usage})
				return out
			}
			if ev.Err != nil {
				out.Err = ev.Err
				if ctx.Err() != nil {
					out.Cancelled = true
					return out
				}
				_ = w.Fail(describe(ev.Err))
				return out
			}
			if ev.Usage != nil {
				out.Usage = ev.Usage
			}
			if ev.FinishReason != "" {
				out.FinishReason = ev.FinishReason
			}
			if ev.Delta == "" {
				continue
			}
			if err := w.Delta(ev.Delta); err != nil {
				out.Cancelled = true
				return out
			}
			out.Deltas++
			out.Chars += int64(utf8.RuneCountInString(ev.Delta))
			obs.ObserveStreamDelta()
		}
	}
}
