package orchestrator

import (
	"context"
	"errors"
	"time"

	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/ids"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/provider"
	"thefolder.dev/internal/relay"
	"thefolder.dev/internal/usage"
)

const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
	DefaultTimeout     = 60 * time.Second

	commitTimeout = 5 * time.Second
)

// Quota is the usage ledger as seen by the orchestrator.
type Quota interface {
	CheckQuota(ctx context.Context, identityID string, estimate int64) bool
	Commit(ctx context.Context, identityID string, units int64) error
}

var _ Quota = (*usage.Ledger)(nil)

// Defaults are the system-wide generation parameters.
type Defaults struct {
	Model       string
	// Temperature nil keeps the built-in value; 0 is a valid setting.
	Temperature *float64
	MaxTokens   int
}

// Orchestrator runs completion and session flows.
type Orchestrator struct {
	quota    Quota
	repo     chat.Repository
	provider provider.Provider
	defaults Defaults
	timeout  time.Duration
	now      func() time.Time
}

// Option configures Orchestrator.
type Option func(*Orchestrator) error

// WithDefaults overrides the system-wide generation parameters; empty fields keep the built-in value.
func WithDefaults(d Defaults) Option {
	return func(o *Orchestrator) error {
		if d.Model != "" {
			o.defaults.Model = d.Model
		}
		if d.Temperature != nil {
			temp := *d.Temperature
			o.defaults.Temperature = &temp
		}
		if d.MaxTokens > 0 {
			o.defaults.MaxTokens = d.MaxTokens
		}
		return nil
	}
}

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return errors.New("orchestrator: timeout must be positive")
		}
		o.timeout = d
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		if now == nil {
			return errors.New("orchestrator: clock is nil")
		}
		o.now = now
		return nil
	}
}

func New(q Quota, repo chat.Repository, p provider.Provider, opts ...Option) (*Orchestrator, error) {
	if q == nil || repo == nil || p == nil {
		return nil, errors.New("orchestrator: quota, repository and provider are required")
	}
	temp := DefaultTemperature
	o := &Orchestrator{
		quota:    q,
		repo:     repo,
		provider: p,
		defaults: Defaults{Model: DefaultModel, Temperature: &temp, MaxTokens: DefaultMaxTokens},
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Defaults returns the effective system defaults.
func (o *Orchestrator) Defaults() Defaults { return o.defaults }

func (o *Orchestrator) resolve(model string, temperature *float64, maxTokens *int) (string, float64, int) {
	if model == "" {
		model = o.defaults.Model
	}
	temp := *o.defaults.Temperature
	if temperature != nil {
		temp = *temperature
	}
	tokens := o.defaults.MaxTokens
	if maxTokens != nil {
		tokens = *maxTokens
	}
	return model, temp, tokens
}

func requireIdentity(identityID string) error {
	if identityID == "" {
		return newError(KindUnauthorized, "authentication required", nil)
	}
	return nil
}

func (o *Orchestrator) preflight(ctx context.Context, identityID string, contents ...string) (int64, error) {
	est := usage.Estimate(contents...)
	if !o.quota.CheckQuota(ctx, identityID, est) {
		return est, newError(KindQuotaExceeded, "Monthly usage limit exceeded", nil)
	}
	return est, nil
}

// commit records units and reports whether it succeeded. It survives caller cancellation.
func (o *Orchestrator) commit(ctx context.Context, identityID string, units int64, fields ...any) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := o.quota.Commit(ctx, identityID, units); err != nil {
		args := append([]any{"identity_id", identityID, "units", units, "error", err}, fields...)
		obs.FromContext(ctx).Error("usage commit failed", args...)
		return false
	}
	return true
}

func billable(u provider.Usage, estimate int64) int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return estimate
}

// Complete runs a stateless blocking completion.
func (o *Orchestrator) Complete(ctx context.Context, identityID string, req CompletionRequest) (Completion, error) {
	if err := requireIdentity(identityID); err != nil {
		return Completion{}, err
	}
	if err := req.validate(); err != nil {
		return Completion{}, err
	}
	est, err := o.preflight(ctx, identityID, req.contents()...)
	if err != nil {
		obs.ObserveCompletion("blocking", string(KindQuotaExceeded))
		return Completion{}, err
	}
	model, temp, maxTokens := o.resolve(req.Model, req.Temperature, req.MaxTokens)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	res, err := o.provider.Generate(callCtx, provider.Request{
		Model:       model,
		Messages:    req.providerMessages(),
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		e := fromProvider(err)
		obs.FromContext(ctx).Warn("completion failed", "kind", e.Kind, "model", model, "error", err)
		obs.ObserveCompletion("blocking", string(e.Kind))
		return Completion{}, e
	}

	recorded := o.commit(ctx, identityID, billable(res.Usage, est), "model", model)
	obs.ObserveCompletion("blocking", "ok")
	return Completion{
		ID:      ids.Prefixed("chatcmpl-"),
		Object:  "chat.completion",
		Created: o.now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: chat.RoleAssistant, Content: res.Text},
			FinishReason: res.FinishReason,
		}},
		Usage:         res.Usage,
		UsageRecorded: recorded,
	}, nil
}

// Stream runs a stateless streaming completion into w. An error is returned only
// when nothing has been written yet; later failures are reported through w.
func (o *Orchestrator) Stream(ctx context.Context, identityID string, req CompletionRequest, w relay.Writer) (StreamResult, error) {
	start := o.now()
	if err := requireIdentity(identityID); err != nil {
		return StreamResult{}, err
	}
	if err := req.validate(); err != nil {
		return StreamResult{}, err
	}
	est, err := o.preflight(ctx, identityID, req.contents()...)
	if err != nil {
		obs.ObserveCompletion("stream", string(KindQuotaExceeded))
		return StreamResult{}, err
	}
	model, temp, maxTokens := o.resolve(req.Model, req.Temperature, req.MaxTokens)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	events, err := o.provider.Stream(callCtx, provider.Request{
		Model:       model,
		Messages:    req.providerMessages(),
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		e := fromProvider(err)
		obs.ObserveCompletion("stream", string(e.Kind))
		return StreamResult{}, e
	}

	out := relay.Pipe(callCtx, events, w, describeFrame)
	res := StreamResult{Deltas: out.Deltas, Completed: out.Completed, Cancelled: out.Cancelled}
	log := obs.FromContext(ctx).With("model", model, "deltas", out.Deltas)

	switch {
	case out.Completed:
		units := est
		if out.Usage != nil {
			units = billable(*out.Usage, est)
		}
		if o.commit(ctx, identityID, units, "model", model) {
			res.UnitsRecorded = units
		}
		obs.ObserveCompletion("stream", "ok")
	case out.Cancelled && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		_ = w.Fail(describeFrame(context.DeadlineExceeded))
		log.Warn("stream timed out, usage not committed", "chars", out.Chars)
		obs.ObserveCompletion("stream", string(KindUpstream))
	case out.Cancelled:
		var units int64
		switch {
		case out.Usage != nil && out.Usage.TotalTokens > 0:
			units = out.Usage.TotalTokens
		case out.Chars > 0:
			units = est + (out.Chars+3)/4
		}
		if units == 0 {
			log.Info("stream cancelled before output, usage not committed")
		} else if o.commit(ctx, identityID, units, "model", model, "partial", true) {
			res.UnitsRecorded = units
		}
		obs.ObserveCompletion("stream", "cancelled")
	default:
		e := fromProvider(out.Err)
		log.Warn("stream failed mid-flight", "kind", e.Kind, "error", out.Err)
		obs.ObserveCompletion("stream", string(e.Kind))
	}
	res.Duration = o.now().Sub(start)
	return res, nil
}

func describeFrame(err error) relay.Frame {
	e := fromProvider(err)
	return relay.Frame{Status: e.Kind.Status(), Code: string(e.Kind), Message: e.Message}
}
