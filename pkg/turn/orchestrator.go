// Package turn composes the lock coordinator, conversation store, context
// cache, tool executor, and generation provider into one serialized turn per
// conversation. A turn either runs to a checkpoint or leaves no trace; the
// checkpoint-then-release cleanup runs on every exit path including panics.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwade/parley/internal/observability"
	"github.com/mwade/parley/pkg/contextcache"
	"github.com/mwade/parley/pkg/conversation"
	"github.com/mwade/parley/pkg/generate"
	"github.com/mwade/parley/pkg/lock"
	"github.com/mwade/parley/pkg/moderation"
	"github.com/mwade/parley/pkg/tool"
)

// ErrBusy reports that another turn currently holds the conversation's
// lock. The caller saw no state mutation and can retry later.
var ErrBusy = errors.New("turn already in progress")

const (
	lockPrefix = "turn:"

	// DefaultMaxToolRounds caps the generation/tool loop. A model that
	// keeps requesting tools ends the turn with a partial answer instead
	// of looping forever.
	DefaultMaxToolRounds = 6
)

// Request describes one incoming user message.
type Request struct {
	ConversationID string
	OwnerID        string
	Flow           conversation.Flow
	Text           string
	Agreed         bool // structured flows: explicit agreement input
}

// Options tunes orchestration.
type Options struct {
	Instructions  string
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxToolRounds int
	ToolTimeout   time.Duration
	ContextTTL    time.Duration

	// ContextFor computes the aggregated owner context cached between
	// turns. Nil disables context loading.
	ContextFor func(ctx context.Context, ownerID string) ([]byte, error)

	// KnownEmail consults the owner directory during structured flows.
	// Nil treats every email as unseen.
	KnownEmail func(ctx context.Context, email string) (bool, error)
}

// Orchestrator runs turns.
type Orchestrator struct {
	locks  *lock.Coordinator
	convs  *conversation.Store
	cache  *contextcache.Cache
	tools  *tool.Executor
	gen    generate.Generator
	filter *moderation.ContentFilter
	opts   Options
}

// New creates an Orchestrator. The moderation filter may be nil.
func New(locks *lock.Coordinator, convs *conversation.Store, cache *contextcache.Cache, tools *tool.Executor, gen generate.Generator, filter *moderation.ContentFilter, opts Options) *Orchestrator {
	observability.EnsureRegistered()

	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	return &Orchestrator{
		locks:  locks,
		convs:  convs,
		cache:  cache,
		tools:  tools,
		gen:    gen,
		filter: filter,
		opts:   opts,
	}
}

// Run executes one turn. On lock contention it returns ErrBusy immediately
// with no state mutated and no checkpoint written. Otherwise the turn runs
// to exactly one checkpoint write and exactly one lock release, on success,
// failure, cancellation, and panic alike.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit EmitFunc) (res *Result, err error) {
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()

	handle, err := o.locks.Acquire(ctx, lockPrefix+req.ConversationID, 0)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			observability.RecordTurn("busy", time.Since(start), 0)
			return nil, fmt.Errorf("%w: conversation %s", ErrBusy, req.ConversationID)
		}
		return nil, fmt.Errorf("failed to acquire turn lock: %w", err)
	}

	conv, err := o.convs.Ensure(ctx, req.ConversationID, req.OwnerID, req.Flow)
	if err != nil {
		// Nothing was mutated for this turn; release without a checkpoint.
		o.release(context.WithoutCancel(ctx), handle)
		emit(Event{Kind: EventError, Error: err.Error()})
		return nil, err
	}

	userTurn := conversation.Turn{
		ID:        conversation.NewID(),
		Role:      conversation.RoleUser,
		Content:   req.Text,
		Completed: true,
	}
	agentTurn := &conversation.Turn{
		ID:   conversation.NewID(),
		Role: conversation.RoleAgent,
	}
	res = &Result{
		ConversationID: conv.ID,
		TurnID:         agentTurn.ID,
		Outcome:        OutcomeFailed,
	}

	cleanupDone := false
	cleanup := func() {
		if cleanupDone {
			return
		}
		cleanupDone = true

		cctx := context.WithoutCancel(ctx)
		cpStart := time.Now()
		version, cerr := o.convs.Checkpoint(cctx, conv.ID, userTurn, *agentTurn)
		if cerr != nil {
			log.Error().Err(cerr).Str("conversation", conv.ID).Msg("Failed to checkpoint turn")
		} else {
			res.Version = version
			observability.RecordCheckpoint(time.Since(cpStart))
		}

		o.release(cctx, handle)
		observability.RecordTurn(string(res.Outcome), time.Since(start), res.ToolRounds)
	}
	defer func() {
		if r := recover(); r != nil {
			agentTurn.Completed = false
			agentTurn.Note = fmt.Sprintf("panic: %v", r)
			cleanup()
			panic(r)
		}
		cleanup()
	}()

	if conv.Flow == conversation.FlowStructured {
		return o.runStructured(ctx, conv, req, agentTurn, res, emit)
	}
	return o.runOpenEnded(ctx, conv, req, handle, agentTurn, res, emit)
}

// runStructured advances the onboarding flow by one validated input. No
// generation happens; the reply is the prompt for the next step.
func (o *Orchestrator) runStructured(ctx context.Context, conv *conversation.Conversation, req Request, agentTurn *conversation.Turn, res *Result, emit EmitFunc) (*Result, error) {
	in := conversation.Input{
		Text:   strings.TrimSpace(req.Text),
		Agreed: req.Agreed,
	}
	if conversation.IsEmail(in.Text) {
		in.Email = in.Text
		if o.opts.KnownEmail != nil {
			known, err := o.opts.KnownEmail(ctx, in.Email)
			if err != nil {
				agentTurn.Note = err.Error()
				emit(Event{Kind: EventError, Error: err.Error()})
				return nil, fmt.Errorf("failed to look up email: %w", err)
			}
			in.EmailKnown = known
		}
	}

	trans := conversation.Next(conv.Step, in)
	if err := o.convs.SetStep(ctx, conv.ID, trans.Next); err != nil {
		agentTurn.Note = err.Error()
		emit(Event{Kind: EventError, Error: err.Error()})
		return nil, err
	}

	agentTurn.Content = stepPrompt(trans.Next)
	agentTurn.Note = trans.Note
	agentTurn.Completed = true

	res.Text = agentTurn.Content
	res.Step = string(trans.Next)
	res.Outcome = OutcomeCompleted
	emit(Event{Kind: EventComplete, Result: res})
	return res, nil
}

// runOpenEnded drives the generation and tool loop for free-form chat.
func (o *Orchestrator) runOpenEnded(ctx context.Context, conv *conversation.Conversation, req Request, handle *lock.Handle, agentTurn *conversation.Turn, res *Result, emit EmitFunc) (*Result, error) {
	instructions := o.opts.Instructions
	if o.opts.ContextFor != nil {
		ownerContext, err := o.cache.GetOrCompute(ctx, req.OwnerID, o.opts.ContextTTL, func(cctx context.Context) ([]byte, error) {
			return o.opts.ContextFor(cctx, req.OwnerID)
		})
		if err != nil {
			return o.fail(ctx, agentTurn, res, emit, fmt.Errorf("failed to load owner context: %w", err))
		}
		if len(ownerContext) > 0 {
			instructions = instructions + "\n\nContext:\n" + string(ownerContext)
		}
	}

	msgs := buildHistory(conv, req.Text)
	specs := o.toolSpecs()
	outcome := OutcomeCompleted

	var text string
	rounds := 0
	for {
		resp, err := o.gen.Generate(ctx, generate.Request{
			Model:        o.opts.Model,
			Instructions: instructions,
			Messages:     msgs,
			Tools:        specs,
			MaxTokens:    o.opts.MaxTokens,
			Temperature:  o.opts.Temperature,
		}, func(token string) {
			emit(Event{Kind: EventToken, Token: token})
		})
		if err != nil {
			return o.fail(ctx, agentTurn, res, emit, err)
		}

		if len(resp.ToolCalls) == 0 {
			text = resp.Text
			break
		}
		if rounds >= o.opts.MaxToolRounds {
			// Tool budget spent; end with an explanatory partial answer.
			text = resp.Text
			if text == "" {
				text = "I couldn't finish this request: it needed more tool calls than a single turn allows."
			}
			outcome = OutcomeExhausted
			log.Warn().
				Str("conversation", conv.ID).
				Int("rounds", rounds).
				Msg("Tool round cap reached, ending turn with partial answer")
			break
		}
		rounds++
		res.ToolRounds = rounds

		msgs = append(msgs, generate.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			emit(Event{Kind: EventToolCall, ToolName: call.Name, ToolID: call.ID})

			result := o.tools.Invoke(ctx, call.Name, call.Args, o.opts.ToolTimeout)
			agentTurn.ToolCalls = append(agentTurn.ToolCalls, conversation.ToolCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			})
			agentTurn.ToolResults = append(agentTurn.ToolResults, conversation.ToolResult{
				ToolCallID: call.ID,
				Output:     renderOutput(result.Output),
				Error:      result.Error,
			})
			msgs = append(msgs, generate.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    toolMessage(result),
			})
		}

		// Long turns outlive the lock TTL only by renewing between
		// rounds. Renewal is advisory: a lapse means another turn may
		// already be running, so this one aborts before mutating state.
		if err := o.locks.Renew(ctx, handle, 0); err != nil {
			return o.fail(ctx, agentTurn, res, emit, fmt.Errorf("turn lost its lock: %w", err))
		}
	}

	if o.filter != nil {
		if merr := o.filter.Check(text); merr != nil {
			// A moderation rejection ends the turn gracefully, like a
			// failed tool call: recorded, never shown.
			agentTurn.Note = merr.Error()
			text = "I can't share that response."
			outcome = OutcomeModerated
		}
	}

	agentTurn.Content = text
	agentTurn.Completed = true

	res.Text = text
	res.Outcome = outcome
	emit(Event{Kind: EventComplete, Result: res})
	return res, nil
}

// fail marks the turn failed or aborted. The agent turn keeps Completed
// false, so the next load discards it and the conversation stays resumable.
func (o *Orchestrator) fail(ctx context.Context, agentTurn *conversation.Turn, res *Result, emit EmitFunc, err error) (*Result, error) {
	if ctx.Err() != nil {
		res.Outcome = OutcomeAborted
	} else {
		res.Outcome = OutcomeFailed
	}
	agentTurn.Completed = false
	agentTurn.Note = err.Error()

	emit(Event{Kind: EventError, Error: err.Error()})
	return nil, err
}

func (o *Orchestrator) release(ctx context.Context, handle *lock.Handle) {
	if err := o.locks.Release(ctx, handle); err != nil {
		log.Warn().Err(err).Str("key", handle.Key).Msg("Failed to release turn lock")
	}
}

func (o *Orchestrator) toolSpecs() []generate.ToolSpec {
	defs := o.tools.List()
	specs := make([]generate.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, generate.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema(),
		})
	}
	return specs
}

// buildHistory converts the checkpointed history plus the new user message
// into provider-neutral form. Tool traffic within past turns is already
// folded into their recorded content.
func buildHistory(conv *conversation.Conversation, text string) []generate.Message {
	msgs := make([]generate.Message, 0, len(conv.Turns)+1)
	for _, t := range conv.Turns {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, generate.Message{Role: "user", Content: t.Content})
		case conversation.RoleAgent:
			msgs = append(msgs, generate.Message{Role: "assistant", Content: t.Content})
		}
	}
	return append(msgs, generate.Message{Role: "user", Content: text})
}

func renderOutput(output interface{}) string {
	if output == nil {
		return ""
	}
	if s, ok := output.(string); ok {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(data)
}

// toolMessage renders a tool result for the model. Failures and timeouts
// are reported as text so generation can degrade gracefully instead of the
// turn dying.
func toolMessage(result tool.Result) string {
	switch result.Status {
	case tool.StatusSucceeded:
		return renderOutput(result.Output)
	case tool.StatusTimedOut:
		return "tool timed out: " + result.Error
	default:
		return "tool failed: " + result.Error
	}
}

// stepPrompt is the coordination-layer reply for each flow step; real
// surface copy lives with the client.
func stepPrompt(step conversation.Step) string {
	switch step {
	case conversation.StepWelcome, conversation.StepCollectEmail:
		return "What's your email address?"
	case conversation.StepBranchLoginOrSignup:
		return "That email already has an account. Reply 'login' or 'signup'."
	case conversation.StepCollectName:
		return "What should we call you?"
	case conversation.StepCollectPassword:
		return "Choose a password (at least 8 characters)."
	case conversation.StepCollectInterests:
		return "What topics are you interested in?"
	case conversation.StepShowValues:
		return "Here's what we stand for. Reply to continue."
	case conversation.StepAwaitAgreement:
		return "Do you agree to the terms?"
	case conversation.StepComplete:
		return "You're all set."
	default:
		return ""
	}
}
