// Package orchestrator drives the multi-turn control loop between the user,
// the language model, and the tool executor.
//
// Each user message runs as one explicit state machine pass: reserve credits,
// call the model, then either finish with its text answer or dispatch the
// requested tool batch and loop with the extended history. The loop is
// bounded three ways: a round cap, a turn wall-clock deadline, and the credit
// ledger. Whichever bound trips first, the turn still ends with a user-visible
// answer, never a bare failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/perennialhq/concierge/internal/convstore"
	"github.com/perennialhq/concierge/internal/domaindetect"
	"github.com/perennialhq/concierge/internal/executor"
	"github.com/perennialhq/concierge/internal/ledger"
	"github.com/perennialhq/concierge/internal/observe"
	"github.com/perennialhq/concierge/internal/registry"
	"github.com/perennialhq/concierge/internal/tier"
	"github.com/perennialhq/concierge/pkg/provider/llm"
	"github.com/perennialhq/concierge/pkg/tool"
)

// Typed errors for the caller boundary. Anything else that escapes
// HandleUserMessage wraps [ErrInternal].
var (
	// ErrConversationNotFound means the given conversation ID does not exist.
	ErrConversationNotFound = errors.New("orchestrator: conversation not found")

	// ErrUnauthorized means the conversation belongs to a different user.
	ErrUnauthorized = errors.New("orchestrator: conversation owned by another user")

	// ErrTurnInFlight means a prior turn for this conversation is still
	// running. A conversation is a serialization point; the client should
	// retry after the current turn completes.
	ErrTurnInFlight = errors.New("orchestrator: turn already in flight")

	// ErrInternal wraps ledger, store, and model hard failures. The wrapped
	// detail is for logs only; user-visible text stays generic.
	ErrInternal = errors.New("orchestrator: internal failure")
)

// apologyText is the terminal answer after the model fails twice.
const apologyText = "I'm sorry, I'm having trouble reaching my reasoning service right now. Please try again in a moment."

// budgetNoticeText is appended to every budget-exhausted answer.
const budgetNoticeText = "You've used up your included credits for this month, so I had to stop before finishing the research. Your credits renew at the start of next month."

// Usage summarizes what one turn consumed.
type Usage struct {
	// InputUnits is the total prompt tokens across all model calls.
	InputUnits int
	// OutputUnits is the total completion tokens across all model calls.
	OutputUnits int
	// CostMinorUnits is the total credits charged for the turn.
	CostMinorUnits int64
}

// Reply is the result of one completed turn.
type Reply struct {
	Text           string
	ConversationID string
	Usage          Usage
}

// Pricing converts token usage into credit cost, in minor units per thousand
// tokens. The reservation estimate uses the same rates against the prompt
// size plus an assumed full-length completion, so it never undercounts.
type Pricing struct {
	InputPerThousand  int64
	OutputPerThousand int64
}

// cost converts a usage report into minor units, rounding up.
func (p Pricing) cost(inputTokens, outputTokens int) int64 {
	in := (int64(inputTokens)*p.InputPerThousand + 999) / 1000
	out := (int64(outputTokens)*p.OutputPerThousand + 999) / 1000
	return in + out
}

// Config carries the orchestration knobs.
type Config struct {
	// MaxRounds is the hard cap on model↔tool round trips per turn.
	// Default 5.
	MaxRounds int

	// TurnTimeout is the wall-clock budget for a whole turn. Exceeding it
	// forces the iteration-cap path (one final model call, empty manifest).
	// Default 2m.
	TurnTimeout time.Duration

	// ModelTimeout bounds each individual model call. Non-forced rounds are
	// additionally bounded by the remaining turn budget. Default 30s.
	ModelTimeout time.Duration

	// SystemPrompt is injected before the conversation on every model call.
	SystemPrompt string

	// MaxCompletionTokens caps model output and sizes the reservation's
	// assumed completion. Default 1024.
	MaxCompletionTokens int

	// RetryBackoff is the pause before the single model-call retry.
	// Default 500ms; tests shrink it.
	RetryBackoff time.Duration

	// Pricing converts token usage into credits.
	Pricing Pricing
}

func (c *Config) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 30 * time.Second
	}
	if c.MaxCompletionTokens <= 0 {
		c.MaxCompletionTokens = 1024
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Pricing.InputPerThousand <= 0 {
		c.Pricing.InputPerThousand = 1
	}
	if c.Pricing.OutputPerThousand <= 0 {
		c.Pricing.OutputPerThousand = 4
	}
}

// Orchestrator runs turns. Construct with [New]; safe for concurrent use
// across conversations.
type Orchestrator struct {
	provider llm.Provider
	store    convstore.Store
	ledger   ledger.Ledger
	exec     *executor.Executor
	registry *registry.Registry
	metrics  *observe.Metrics
	cfg      Config

	// inflight serializes turns per conversation.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires an Orchestrator. metrics may be nil, defaulting to
// [observe.DefaultMetrics].
func New(p llm.Provider, store convstore.Store, led ledger.Ledger, exec *executor.Executor, reg *registry.Registry, cfg Config, metrics *observe.Metrics) *Orchestrator {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		provider: p,
		store:    store,
		ledger:   led,
		exec:     exec,
		registry: reg,
		metrics:  metrics,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
}

// HandleUserMessage processes one user message and returns the assistant's
// final reply.
//
// An empty convID starts a new conversation owned by userID. Turns for one
// conversation are strictly serialized: a second message while a turn is
// running fails with [ErrTurnInFlight] rather than queueing.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, convID, userID string, t tier.Tier, text string) (*Reply, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.HandleUserMessage")
	defer span.End()
	log := observe.Logger(ctx).With("user_id", userID)

	conv, err := o.resolveConversation(ctx, convID, userID, t)
	if err != nil {
		return nil, err
	}
	log = log.With("conversation_id", conv.ID)

	if !o.acquire(conv.ID) {
		return nil, fmt.Errorf("%w: conversation %s", ErrTurnInFlight, conv.ID)
	}
	defer o.release(conv.ID)

	o.metrics.ActiveTurns.Add(ctx, 1)
	turnStart := time.Now()
	defer func() {
		o.metrics.ActiveTurns.Add(ctx, -1)
		o.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}()

	if _, err := o.store.AppendTurn(ctx, conv.ID, convstore.Turn{Role: convstore.RoleUser, Content: text}); err != nil {
		return nil, fmt.Errorf("%w: append user turn: %v", ErrInternal, err)
	}

	detection := domaindetect.Detect(text)
	if d := detection.Primary(); d != "" {
		log.Debug("domain detected", "domain", d, "prioritized_tools", detection.PrioritizedTools)
	}

	turns, err := o.store.Turns(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load transcript: %v", ErrInternal, err)
	}
	history := buildMessages(turns)

	return o.runLoop(ctx, log, conv, t, detection, history)
}

// runLoop is the explicit state machine: Reserving → CallingModel →
// {FinalAnswer | DispatchingTools} → AppendingResults → repeat.
func (o *Orchestrator) runLoop(ctx context.Context, log *slog.Logger, conv *convstore.Conversation, t tier.Tier, detection domaindetect.Detection, history []llm.Message) (*Reply, error) {
	deadline := time.Now().Add(o.cfg.TurnTimeout)
	caller := tool.CallerContext{UserID: conv.UserID, Tier: t.String()}

	var usage Usage
	var gathered []executor.Result

	for round := 0; ; round++ {
		// Forced-final: round cap or turn deadline exhausted. The last model
		// call gets an empty manifest, so it cannot request more tools.
		forced := round >= o.cfg.MaxRounds || time.Now().After(deadline)

		var manifest []llm.ToolDefinition
		if !forced {
			manifest = o.registry.Manifest(t, detection.PrioritizedTools)
		}

		// Reserving.
		estimate := o.estimateCost(history, manifest)
		res, err := o.ledger.Reserve(ctx, conv.UserID, estimate)
		if errors.Is(err, ledger.ErrInsufficientBudget) {
			log.Info("budget exhausted", "round", round, "estimate", estimate)
			return o.finishBudgetExhausted(ctx, conv, usage, gathered)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reserve: %v", ErrInternal, err)
		}
		o.metrics.CreditsReserved.Add(ctx, estimate)

		// CallingModel (one retry with backoff on transient failure). The
		// call context carries its own deadline so a stalled collaborator
		// cannot hold the turn open.
		callCtx, cancelCall := o.modelCallContext(ctx, deadline, forced)
		resp, err := o.completeWithRetry(callCtx, llm.CompletionRequest{
			Messages:     history,
			Tools:        manifest,
			SystemPrompt: o.cfg.SystemPrompt,
			MaxTokens:    o.cfg.MaxCompletionTokens,
		})
		cancelCall()
		if err != nil {
			// Bookkeeping must survive client cancellation.
			bctx, cancel := bookCtx(ctx)
			rerr := o.ledger.Release(bctx, res)
			cancel()
			if rerr != nil {
				log.Error("release after model failure failed", "error", rerr)
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: turn cancelled: %v", ErrInternal, ctx.Err())
			}
			log.Warn("model unavailable after retry", "error", err)
			return o.finishWithText(ctx, conv, apologyText, 0, usage)
		}

		// Commit actual cost, capped at the reservation.
		actual := o.cfg.Pricing.cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		bctx, cancel := bookCtx(ctx)
		charged, err := o.ledger.Commit(bctx, res, actual)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: commit: %v", ErrInternal, err)
		}
		if actual > res.Amount {
			o.metrics.LedgerOverruns.Add(ctx, 1)
		}
		o.metrics.CreditsCommitted.Add(ctx, charged)
		usage.InputUnits += resp.Usage.PromptTokens
		usage.OutputUnits += resp.Usage.CompletionTokens
		usage.CostMinorUnits += charged
		bctx, cancel = bookCtx(ctx)
		if err := o.store.AddUsage(bctx, conv.ID, charged); err != nil {
			log.Error("record conversation usage failed", "error", err)
		}
		cancel()

		// Decision.
		if len(resp.ToolCalls) == 0 || forced {
			text := resp.Content
			if text == "" {
				text = apologyText
			}
			return o.finishWithText(ctx, conv, text, charged, usage)
		}

		// DispatchingTools.
		assistant := convstore.Turn{
			Role:           convstore.RoleAssistant,
			Content:        resp.Content,
			ToolCalls:      toInvocations(resp.ToolCalls),
			CreditsDebited: charged,
		}
		if _, err := o.store.AppendTurn(ctx, conv.ID, assistant); err != nil {
			return nil, fmt.Errorf("%w: append assistant turn: %v", ErrInternal, err)
		}

		results := o.exec.ExecuteBatch(ctx, toRequests(resp.ToolCalls), t, caller)
		gathered = append(gathered, results...)

		// AppendingResults.
		toolTurn := convstore.Turn{Role: convstore.RoleTool, Results: toOutcomes(results)}
		if _, err := o.store.AppendTurn(ctx, conv.ID, toolTurn); err != nil {
			return nil, fmt.Errorf("%w: append tool turn: %v", ErrInternal, err)
		}

		history = append(history, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, r := range results {
			history = append(history, llm.Message{
				Role:       "tool",
				Content:    r.Content,
				ToolCallID: r.CallID,
			})
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: turn cancelled: %v", ErrInternal, ctx.Err())
		}
	}
}

// resolveConversation loads or creates the conversation and enforces
// ownership.
func (o *Orchestrator) resolveConversation(ctx context.Context, convID, userID string, t tier.Tier) (*convstore.Conversation, error) {
	if convID == "" {
		conv, err := o.store.CreateConversation(ctx, uuid.NewString(), userID, t)
		if err != nil {
			return nil, fmt.Errorf("%w: create conversation: %v", ErrInternal, err)
		}
		return conv, nil
	}
	conv, err := o.store.GetConversation(ctx, convID)
	if errors.Is(err, convstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrInternal, err)
	}
	if conv.UserID != userID {
		return nil, fmt.Errorf("%w: conversation %s", ErrUnauthorized, convID)
	}
	return conv, nil
}

// modelCallContext bounds one model call: the per-call timeout always
// applies, and non-forced rounds are further capped by the turn deadline.
// The forced final call runs on the per-call timeout alone, so a turn whose
// deadline already expired can still produce its closing answer.
func (o *Orchestrator) modelCallContext(ctx context.Context, deadline time.Time, forced bool) (context.Context, context.CancelFunc) {
	d := time.Now().Add(o.cfg.ModelTimeout)
	if !forced && deadline.Before(d) {
		d = deadline
	}
	return context.WithDeadline(ctx, d)
}

// completeWithRetry issues the model call, retrying once after a backoff on
// any failure. Cancellation and deadline expiry are never retried.
func (o *Orchestrator) completeWithRetry(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := o.provider.Complete(ctx, req)
	o.metrics.ModelCallDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil {
		o.metrics.RecordModelCall(ctx, providerName(o.provider), "ok")
		return resp, nil
	}
	if ctx.Err() != nil {
		o.metrics.RecordModelCall(ctx, providerName(o.provider), "cancelled")
		return nil, err
	}
	o.metrics.RecordModelCall(ctx, providerName(o.provider), "retry")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(o.cfg.RetryBackoff):
	}

	start = time.Now()
	resp, err = o.provider.Complete(ctx, req)
	o.metrics.ModelCallDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.metrics.RecordModelCall(ctx, providerName(o.provider), "error")
		return nil, err
	}
	o.metrics.RecordModelCall(ctx, providerName(o.provider), "ok")
	return resp, nil
}

// estimateCost sizes the reservation: priced prompt tokens plus an assumed
// full-length completion. Counting failures fall back to a coarse character
// heuristic rather than failing the turn.
func (o *Orchestrator) estimateCost(history []llm.Message, manifest []llm.ToolDefinition) int64 {
	tokens, err := o.provider.CountTokens(history)
	if err != nil || tokens <= 0 {
		chars := 0
		for _, m := range history {
			chars += len(m.Content)
		}
		tokens = chars/4 + 1
	}
	// The system prompt and the manifest ride in the prompt too; CountTokens
	// only sees the conversation.
	tokens += (len(o.cfg.SystemPrompt) + 3) / 4
	tokens += len(manifest) * 64

	est := o.cfg.Pricing.cost(tokens, o.cfg.MaxCompletionTokens)
	if est < 1 {
		est = 1
	}
	return est
}

// finishWithText appends the final assistant turn and builds the reply.
func (o *Orchestrator) finishWithText(ctx context.Context, conv *convstore.Conversation, text string, charged int64, usage Usage) (*Reply, error) {
	bctx, cancel := bookCtx(ctx)
	defer cancel()
	turn := convstore.Turn{Role: convstore.RoleAssistant, Content: text, CreditsDebited: charged}
	if _, err := o.store.AppendTurn(bctx, conv.ID, turn); err != nil {
		return nil, fmt.Errorf("%w: append final turn: %v", ErrInternal, err)
	}
	return &Reply{Text: text, ConversationID: conv.ID, Usage: usage}, nil
}

// finishBudgetExhausted terminates the loop without a model call, answering
// with whatever the already-resolved tool calls produced plus the budget
// notice. The reply is a normal answer, not an error.
func (o *Orchestrator) finishBudgetExhausted(ctx context.Context, conv *convstore.Conversation, usage Usage, gathered []executor.Result) (*Reply, error) {
	var b strings.Builder
	b.WriteString(budgetNoticeText)

	var useful []executor.Result
	for _, r := range gathered {
		if r.Code == executor.CodeOK && strings.TrimSpace(r.Content) != "" {
			useful = append(useful, r)
		}
	}
	if len(useful) > 0 {
		b.WriteString("\n\nHere is what I found before stopping:")
		for _, r := range useful {
			b.WriteString("\n- ")
			b.WriteString(r.Name)
			b.WriteString(": ")
			b.WriteString(snippet(r.Content, 400))
		}
	}
	return o.finishWithText(ctx, conv, b.String(), 0, usage)
}

func (o *Orchestrator) acquire(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[convID]; busy {
		return false
	}
	o.inflight[convID] = struct{}{}
	return true
}

func (o *Orchestrator) release(convID string) {
	o.mu.Lock()
	delete(o.inflight, convID)
	o.mu.Unlock()
}

// bookCtx detaches bookkeeping writes from client cancellation, with a short
// deadline so an unhealthy store cannot strand the goroutine.
func bookCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// buildMessages converts a stored transcript into model messages.
func buildMessages(turns []convstore.Turn) []llm.Message {
	var msgs []llm.Message
	for _, t := range turns {
		switch t.Role {
		case convstore.RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Content})
		case convstore.RoleAssistant:
			msgs = append(msgs, llm.Message{
				Role:      "assistant",
				Content:   t.Content,
				ToolCalls: fromInvocations(t.ToolCalls),
			})
		case convstore.RoleTool:
			for _, r := range t.Results {
				msgs = append(msgs, llm.Message{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.CallID,
				})
			}
		}
	}
	return msgs
}

func toRequests(calls []llm.ToolCall) []executor.Request {
	reqs := make([]executor.Request, len(calls))
	for i, c := range calls {
		reqs[i] = executor.Request{CallID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return reqs
}

func toInvocations(calls []llm.ToolCall) []convstore.ToolInvocation {
	out := make([]convstore.ToolInvocation, len(calls))
	for i, c := range calls {
		out[i] = convstore.ToolInvocation{CallID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func fromInvocations(invs []convstore.ToolInvocation) []llm.ToolCall {
	if len(invs) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(invs))
	for i, inv := range invs {
		out[i] = llm.ToolCall{ID: inv.CallID, Name: inv.Name, Arguments: inv.Arguments}
	}
	return out
}

func toOutcomes(results []executor.Result) []convstore.ToolOutcome {
	out := make([]convstore.ToolOutcome, len(results))
	for i, r := range results {
		code := ""
		if r.Code != executor.CodeOK {
			code = string(r.Code)
		}
		out[i] = convstore.ToolOutcome{
			CallID:   r.CallID,
			Content:  r.Content,
			Code:     code,
			CacheHit: r.CacheHit,
		}
	}
	return out
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never splits a UTF-8 sequence.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// providerName labels metrics with the provider's concrete type.
func providerName(p llm.Provider) string {
	return fmt.Sprintf("%T", p)
}
