package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/perennialhq/concierge/internal/convstore"
	"github.com/perennialhq/concierge/internal/executor"
	"github.com/perennialhq/concierge/internal/ledger"
	"github.com/perennialhq/concierge/internal/registry"
	"github.com/perennialhq/concierge/internal/tier"
	"github.com/perennialhq/concierge/internal/toolcache"
	"github.com/perennialhq/concierge/pkg/provider/llm"
	llmmock "github.com/perennialhq/concierge/pkg/provider/llm/mock"
	toolmock "github.com/perennialhq/concierge/pkg/tool/mock"
)

// fixture bundles one fully wired orchestrator over in-memory backends.
type fixture struct {
	orc      *Orchestrator
	provider *llmmock.Provider
	store    *convstore.Memory
	ledger   *ledger.Memory
	tools    map[string]*toolmock.Tool
}

const testUser = "user-1"

// newFixture wires an orchestrator with three catalog tools: article_search
// (free), user_library (free, user-scoped), deep_research (pro).
func newFixture(t *testing.T, p *llmmock.Provider, balance int64) *fixture {
	t.Helper()
	return newFixtureCfg(t, p, balance, Config{
		MaxRounds:    3,
		RetryBackoff: time.Millisecond,
	})
}

// newFixtureCfg is newFixture with the orchestrator config under test control.
func newFixtureCfg(t *testing.T, p *llmmock.Provider, balance int64, cfg Config) *fixture {
	t.Helper()

	tools := map[string]*toolmock.Tool{
		"article_search": {Result: "three matching articles"},
		"user_library":   {Result: "two saved items"},
		"deep_research":  {Result: "a long report"},
	}
	reg := registry.New()
	defs := []registry.Definition{
		{Name: "article_search", MinTier: tier.Free, CacheTTL: time.Minute},
		{Name: "user_library", MinTier: tier.Free, CacheTTL: time.Minute, UserScoped: true},
		{Name: "deep_research", MinTier: tier.Pro},
	}
	for _, def := range defs {
		if err := reg.Register(def, tools[def.Name]); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()

	led := ledger.NewMemory()
	led.CreateAccount(ledger.Account{UserID: testUser, Balance: balance, MonthlyGrant: balance})

	store := convstore.NewMemory()
	exec := executor.New(reg, toolcache.NewMemory())
	orc := New(p, store, led, exec, reg, cfg, nil)

	return &fixture{orc: orc, provider: p, store: store, ledger: led, tools: tools}
}

func finalAnswer(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content: text,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func toolCalls(calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ToolCalls: calls,
		Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

// Scenario: the model answers directly on the first call. One round trip,
// exactly one reservation/commit cycle.
func TestSingleRoundTrip(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{finalAnswer("The capital of France is Paris.")}}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "capital of France?")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "The capital of France is Paris." {
		t.Fatalf("Text = %q", reply.Text)
	}
	if reply.ConversationID == "" {
		t.Fatal("no conversation ID assigned")
	}
	if p.CallCount() != 1 {
		t.Fatalf("model called %d times, want 1", p.CallCount())
	}
	if reply.Usage.InputUnits != 100 || reply.Usage.OutputUnits != 50 {
		t.Fatalf("usage = %+v", reply.Usage)
	}

	// Exactly one commit happened: spend equals the reply's cost, and the
	// balance dropped by exactly that much.
	acct, _ := f.ledger.Get(context.Background(), testUser)
	if acct.MonthlySpent != reply.Usage.CostMinorUnits {
		t.Fatalf("MonthlySpent = %d, reply cost = %d", acct.MonthlySpent, reply.Usage.CostMinorUnits)
	}
	if acct.Balance != 1000-reply.Usage.CostMinorUnits {
		t.Fatalf("balance = %d", acct.Balance)
	}

	turns, _ := f.store.Turns(context.Background(), reply.ConversationID)
	if len(turns) != 2 || turns[0].Role != convstore.RoleUser || turns[1].Role != convstore.RoleAssistant {
		t.Fatalf("transcript shape: %+v", turns)
	}
}

// Scenario: zero balance on a metered tier. No model call, no tool runs, the
// reply is a graceful budget notice and the balance is untouched.
func TestBudgetExhaustedBeforeFirstModelCall(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{finalAnswer("never sent")}}
	f := newFixture(t, p, 0)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "find me articles about climate")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "credits") {
		t.Fatalf("reply lacks budget notice: %q", reply.Text)
	}
	if p.CallCount() != 0 {
		t.Fatalf("model called %d times, want 0", p.CallCount())
	}
	for name, impl := range f.tools {
		if impl.CallCount() != 0 {
			t.Fatalf("tool %s executed", name)
		}
	}
	acct, _ := f.ledger.Get(context.Background(), testUser)
	if acct.Balance != 0 || acct.MonthlySpent != 0 {
		t.Fatalf("account touched: %+v", acct)
	}
}

// Scenario: budget runs out mid-loop. The gathered tool results surface in
// the budget-exhausted answer.
func TestBudgetExhaustedMidLoopKeepsGatheredResults(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"climate"}`}),
		finalAnswer("never reached"),
	}}
	// Fund exactly one reservation: the default pricing estimates ~6 minor
	// units per call, so the second round's reserve fails.
	f := newFixture(t, p, 7)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "find me articles about climate")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "credits") {
		t.Fatalf("reply lacks budget notice: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "three matching articles") {
		t.Fatalf("gathered tool result missing from reply: %q", reply.Text)
	}
	if p.CallCount() != 1 {
		t.Fatalf("model called %d times, want 1", p.CallCount())
	}
}

// Scenario: a free-tier user requests a pro-gated tool alongside a free one.
// The gated call resolves to an unauthorized result, the free call executes,
// and the loop continues to the next model call.
func TestTierGatedToolInBatch(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(
			llm.ToolCall{ID: "c1", Name: "deep_research", Arguments: `{"topic":"fusion"}`},
			llm.ToolCall{ID: "c2", Name: "article_search", Arguments: `{"query":"fusion"}`},
		),
		finalAnswer("Here is what the basic search found."),
	}}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "research fusion power")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Here is what the basic search found." {
		t.Fatalf("Text = %q", reply.Text)
	}
	if f.tools["deep_research"].CallCount() != 0 {
		t.Fatal("gated tool reached its collaborator")
	}
	if f.tools["article_search"].CallCount() != 1 {
		t.Fatal("free tool did not execute")
	}

	// The second model call must see both outcomes as tool messages.
	second := p.CompleteCalls[1].Req
	var toolMsgs []llm.Message
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("second call carries %d tool messages, want 2", len(toolMsgs))
	}
	var deniedSeen bool
	for _, m := range toolMsgs {
		if m.ToolCallID == "c1" && strings.Contains(m.Content, "upgrade") {
			deniedSeen = true
		}
	}
	if !deniedSeen {
		t.Fatal("unauthorized outcome not surfaced to the model")
	}
}

// Scenario: one tool fails, the batch still resolves fully and the loop
// proceeds with the mixed results.
func TestToolFailureDoesNotAbortTurn(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(
			llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"x"}`},
			llm.ToolCall{ID: "c2", Name: "user_library", Arguments: `{"q":"x"}`},
		),
		finalAnswer("Partial results follow."),
	}}
	f := newFixture(t, p, 1000)
	f.tools["article_search"].Err = errors.New("upstream 503")

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "search x")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Partial results follow." {
		t.Fatalf("Text = %q", reply.Text)
	}
	if p.CallCount() != 2 {
		t.Fatalf("model called %d times, want 2", p.CallCount())
	}

	turns, _ := f.store.Turns(context.Background(), reply.ConversationID)
	toolTurn := turns[2]
	if toolTurn.Role != convstore.RoleTool || len(toolTurn.Results) != 2 {
		t.Fatalf("tool turn: %+v", toolTurn)
	}
	codes := map[string]string{}
	for _, r := range toolTurn.Results {
		codes[r.CallID] = r.Code
	}
	if codes["c1"] != string(executor.CodeExecutionFailed) {
		t.Fatalf("failing call code = %q", codes["c1"])
	}
	if codes["c2"] != "" {
		t.Fatalf("healthy call code = %q", codes["c2"])
	}
	// Internal diagnostic detail must not leak into the transcript.
	for _, r := range toolTurn.Results {
		if strings.Contains(r.Content, "503") {
			t.Fatalf("diagnostic leaked: %q", r.Content)
		}
	}
}

// Scenario: three independent tools in one response execute concurrently and
// the loop only advances once all three resolved.
func TestThreeToolsRunConcurrently(t *testing.T) {
	const delay = 60 * time.Millisecond
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(
			llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"a"}`},
			llm.ToolCall{ID: "c2", Name: "user_library", Arguments: `{"q":"b"}`},
			llm.ToolCall{ID: "c3", Name: "article_search", Arguments: `{"query":"c"}`},
		),
		finalAnswer("done"),
	}}
	f := newFixture(t, p, 1000)
	f.tools["article_search"].Delay = delay
	f.tools["user_library"].Delay = delay

	start := time.Now()
	if _, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "triple lookup"); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed >= 3*delay {
		t.Fatalf("turn took %s, batch not concurrent", elapsed)
	}
	var starts []time.Time
	for _, c := range f.tools["article_search"].Calls() {
		starts = append(starts, c.Start)
	}
	for _, c := range f.tools["user_library"].Calls() {
		starts = append(starts, c.Start)
	}
	if len(starts) != 3 {
		t.Fatalf("%d tool executions, want 3", len(starts))
	}
	for _, s := range starts {
		if s.Sub(starts[0]) > delay || starts[0].Sub(s) > delay {
			t.Fatalf("tool starts did not overlap: %v", starts)
		}
	}
	// The follow-up model call only fires after the full batch resolved.
	if p.CallCount() != 2 {
		t.Fatalf("model called %d times, want 2", p.CallCount())
	}
	var toolMsgs int
	for _, m := range p.CompleteCalls[1].Req.Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 3 {
		t.Fatalf("second call carries %d tool messages, want 3", toolMsgs)
	}
}

// A model that keeps requesting tools hits the round cap; the final call
// carries an empty manifest and the turn still ends with a non-empty answer.
func TestIterationCapForcesFinalAnswer(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"loop"}`}),
	}}
	f := newFixture(t, p, 100_000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "never stop searching")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		t.Fatal("forced final answer is empty")
	}
	// MaxRounds tool rounds plus the forced final call.
	if p.CallCount() != 3+1 {
		t.Fatalf("model called %d times, want 4", p.CallCount())
	}
	last := p.CompleteCalls[len(p.CompleteCalls)-1].Req
	if len(last.Tools) != 0 {
		t.Fatalf("forced final call still offers %d tools", len(last.Tools))
	}

	// No pending tool-call requests: the transcript's last turn is a plain
	// assistant answer.
	turns, _ := f.store.Turns(context.Background(), reply.ConversationID)
	final := turns[len(turns)-1]
	if final.Role != convstore.RoleAssistant || len(final.ToolCalls) != 0 {
		t.Fatalf("final turn: %+v", final)
	}
}

// A turn that outlives its wall-clock budget takes the same forced path as
// the round cap: the next model call carries an empty manifest and the turn
// still ends with a non-empty answer.
func TestTurnDeadlineForcesFinalAnswer(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"slow"}`}),
		finalAnswer("wrapped up"),
	}}
	f := newFixtureCfg(t, p, 1000, Config{
		MaxRounds:    10,
		TurnTimeout:  30 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
	// The tool outlives the turn budget, so the deadline trips before the
	// round cap does.
	f.tools["article_search"].Delay = 50 * time.Millisecond

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "slow search")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "wrapped up" {
		t.Fatalf("Text = %q", reply.Text)
	}
	if p.CallCount() != 2 {
		t.Fatalf("model called %d times, want 2", p.CallCount())
	}
	if len(p.CompleteCalls[0].Req.Tools) == 0 {
		t.Fatal("first call offered no tools")
	}
	if n := len(p.CompleteCalls[1].Req.Tools); n != 0 {
		t.Fatalf("deadline-forced call still offers %d tools", n)
	}
}

// A model call that stalls forever is cut off by its call deadline instead of
// holding the turn open; the turn ends with the apology and the reservation
// is refunded.
func TestStalledModelCallIsCutOff(t *testing.T) {
	p := &llmmock.Provider{CompleteFn: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixtureCfg(t, p, 1000, Config{
		MaxRounds:    3,
		TurnTimeout:  40 * time.Millisecond,
		ModelTimeout: 40 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})

	start := time.Now()
	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("turn took %s, call deadline did not fire", elapsed)
	}
	if reply.Text != apologyText {
		t.Fatalf("Text = %q", reply.Text)
	}
	if p.CallCount() != 1 {
		t.Fatalf("model called %d times, want 1 (deadline expiry is not retried)", p.CallCount())
	}
	acct, _ := f.ledger.Get(context.Background(), testUser)
	if acct.Balance != 1000 {
		t.Fatalf("reservation leaked: balance = %d", acct.Balance)
	}
}

// The reservation estimate covers the system prompt even when the provider's
// token count succeeds, since CountTokens only sees the conversation.
func TestEstimateIncludesSystemPrompt(t *testing.T) {
	p := &llmmock.Provider{TokenCount: 1000}
	bare := newFixtureCfg(t, p, 1000, Config{RetryBackoff: time.Millisecond})
	prompted := newFixtureCfg(t, p, 1000, Config{
		RetryBackoff: time.Millisecond,
		SystemPrompt: strings.Repeat("be thorough. ", 800),
	})

	history := []llm.Message{{Role: "user", Content: "hello"}}
	without := bare.orc.estimateCost(history, nil)
	with := prompted.orc.estimateCost(history, nil)
	if with <= without {
		t.Fatalf("estimate with system prompt = %d, without = %d", with, without)
	}
}

func TestSnippetKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := snippet(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet split a rune: %q", got)
	}
	if got != strings.Repeat("é", 2)+"…" {
		t.Fatalf("snippet = %q", got)
	}
}

// Every tool call in an assistant turn is resolved exactly once in the
// following tool turn.
func TestRequestResultBijection(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		toolCalls(
			llm.ToolCall{ID: "c1", Name: "article_search", Arguments: `{"query":"a"}`},
			llm.ToolCall{ID: "c2", Name: "no_such_tool", Arguments: `{}`},
		),
		finalAnswer("done"),
	}}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "mixed batch")
	if err != nil {
		t.Fatal(err)
	}
	turns, _ := f.store.Turns(context.Background(), reply.ConversationID)
	for i, turn := range turns {
		if turn.Role != convstore.RoleAssistant || len(turn.ToolCalls) == 0 {
			continue
		}
		if i+1 >= len(turns) || turns[i+1].Role != convstore.RoleTool {
			t.Fatalf("assistant turn %d not followed by tool turn", i)
		}
		counts := map[string]int{}
		for _, c := range turn.ToolCalls {
			counts[c.CallID] = 0
		}
		for _, r := range turns[i+1].Results {
			n, ok := counts[r.CallID]
			if !ok {
				t.Fatalf("orphaned result %q", r.CallID)
			}
			counts[r.CallID] = n + 1
		}
		for id, n := range counts {
			if n != 1 {
				t.Fatalf("call %q resolved %d times", id, n)
			}
		}
	}
}

// A model failure is retried once; a second failure ends the turn with an
// apology and the reservation is released in full.
func TestModelUnavailableAfterRetry(t *testing.T) {
	boom := errors.New("rate limited")
	p := &llmmock.Provider{Errs: []error{boom, boom}}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != apologyText {
		t.Fatalf("Text = %q", reply.Text)
	}
	if p.CallCount() != 2 {
		t.Fatalf("model called %d times, want 2 (one retry)", p.CallCount())
	}
	acct, _ := f.ledger.Get(context.Background(), testUser)
	if acct.Balance != 1000 {
		t.Fatalf("reservation leaked: balance = %d", acct.Balance)
	}
}

// A transient failure followed by success completes the turn normally.
func TestModelRetrySucceeds(t *testing.T) {
	p := &llmmock.Provider{
		Errs:      []error{errors.New("blip")},
		Responses: []*llm.CompletionResponse{finalAnswer("recovered")},
	}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "recovered" {
		t.Fatalf("Text = %q", reply.Text)
	}
}

func TestConversationOwnership(t *testing.T) {
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{finalAnswer("hi")}}
	f := newFixture(t, p, 1000)

	reply, err := f.orc.HandleUserMessage(context.Background(), "", testUser, tier.Free, "hello")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.orc.HandleUserMessage(context.Background(), reply.ConversationID, "intruder", tier.Free, "mine now"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.orc.HandleUserMessage(context.Background(), "no-such-conversation", testUser, tier.Free, "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestSecondMessageWhileTurnInFlight(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var enteredOnce sync.Once
	p := &llmmock.Provider{CompleteFn: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		enteredOnce.Do(func() { close(entered) })
		select {
		case <-unblock:
		case <-ctx.Done():
		}
		return finalAnswer("slow answer"), nil
	}}
	f := newFixture(t, p, 1000)

	conv, err := f.store.CreateConversation(context.Background(), "conv-1", testUser, tier.Free)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orc.HandleUserMessage(context.Background(), conv.ID, testUser, tier.Free, "first")
		done <- err
	}()
	<-entered

	if _, err := f.orc.HandleUserMessage(context.Background(), conv.ID, testUser, tier.Free, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("err = %v, want ErrTurnInFlight", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// With the first turn finished, the conversation accepts messages again.
	if _, err := f.orc.HandleUserMessage(context.Background(), conv.ID, testUser, tier.Free, "third"); err != nil {
		t.Fatal(err)
	}
}
