// Package policy implements the toolhost runtime's policy layer: a bracket
// of guard ("pre") and observation ("post") effects evaluated around every
// tool call, with per-session state serialized so that concurrent calls on
// the same session never interleave their evaluations.
package policy

import (
	"path"
	"sync"

	"github.com/toolhost/runtime/internal/toolhost/policy/expr"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

// Phase distinguishes a guard effect, evaluated before a call is permitted
// to run, from an observation effect, evaluated after the call returns (or
// fails) regardless of outcome.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Effect is one rule within a policy: a glob selecting which tools it
// applies to, the phase it runs in, a guard expression, and what happens
// when the guard is true. ToolSelector of "" or "*" matches every tool.
type Effect struct {
	ToolSelector string
	Phase        Phase
	When         string

	// Then is an unordered set of variable updates, each an expression
	// evaluated against the policy's own session context and written back
	// into it under the given name. Every update sees the context as it was
	// before the effect, and all updates in one effect commit together or
	// not at all.
	Then map[string]string

	// Deny is an optional expression; if present and true (only consulted
	// in the pre phase), the call fails with GuardFailed{Message} and no
	// further effects, the tool call, or post-effects run.
	Deny string

	// Message is the text surfaced on a GuardFailed denial. A blank
	// Message falls back to a generated one naming the policy and tool.
	Message string
}

// Definition is one named, versioned policy: its initial session-context
// bindings and its ordered effects.
type Definition struct {
	Name    string
	Version string

	// InitialContext seeds a fresh session's context for this policy the
	// first time any of its effects touches that session.
	InitialContext map[string]any

	Effects []Effect
}

// CallInput is the information a policy evaluation needs about the call in
// progress.
type CallInput struct {
	SessionID   string
	QualifiedID string
	Arguments   map[string]any
}

// Outcome is the tagged result a post-effect observes: either a successful
// call's output value or a failed call's message.
type Outcome struct {
	Succeeded bool
	Output    any
	Message   string
}

func (o Outcome) toValue() map[string]any {
	if o.Succeeded {
		return map[string]any{"ok": true, "value": o.Output}
	}
	return map[string]any{"ok": false, "error": o.Message}
}

// sessionState is the serialized, per-session evaluator and the per-policy
// context each policy definition reads and writes across calls (e.g. a
// running counter in a rate-limit policy). Two policies never share a
// variable namespace even when they happen to name a variable the same.
type sessionState struct {
	mu    sync.Mutex
	eval  *expr.Evaluator
	state map[string]map[string]any
}

func (s *sessionState) contextFor(def Definition) map[string]any {
	ctx, ok := s.state[def.Name]
	if !ok {
		ctx = make(map[string]any, len(def.InitialContext))
		for k, v := range def.InitialContext {
			ctx[k] = v
		}
		s.state[def.Name] = ctx
	}
	return ctx
}

// Engine evaluates a fixed set of policy definitions around every call.
type Engine struct {
	definitions []Definition

	sessionsMu sync.Mutex
	sessions   map[string]*sessionState
}

// New returns an Engine governed by the given policy definitions.
func New(definitions []Definition) *Engine {
	return &Engine{
		definitions: definitions,
		sessions:    make(map[string]*sessionState),
	}
}

func (e *Engine) sessionFor(id string) *sessionState {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()

	s, ok := e.sessions[id]
	if !ok {
		s = &sessionState{eval: expr.New(), state: make(map[string]map[string]any)}
		e.sessions[id] = s
	}
	return s
}

// EvaluatePre runs every matching policy's pre effects in order, denying on
// the first effect whose when/deny pair fires. Evaluation for a session is
// serialized against any other call on the same session.
func (e *Engine) EvaluatePre(input CallInput) error {
	s := e.sessionFor(input.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range e.definitions {
		ctx := s.contextFor(def)
		for _, eff := range def.Effects {
			if eff.Phase != PhasePre || !matchSelector(eff.ToolSelector, input.QualifiedID) {
				continue
			}

			env := envFor(input, ctx, nil)
			fires, err := s.eval.EvalBool(eff.When, env)
			if err != nil {
				// A guard that cannot decide is conservative: it does not fire.
				continue
			}
			if !fires {
				continue
			}

			if eff.Deny != "" {
				denied, err := s.eval.EvalBool(eff.Deny, env)
				if err == nil && denied {
					message := eff.Message
					if message == "" {
						message = "policy \"" + def.Name + "\" denied call to " + input.QualifiedID
					}
					return toolhosterr.New(toolhosterr.GuardFailed, message)
				}
			}

			if err := applyThen(s.eval, eff.Then, ctx, env); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluatePost runs every matching policy's post effects in order. It is
// called unconditionally once a call has been attempted, independent of
// whether the call itself succeeded, and its errors are collected rather
// than short-circuited so every policy gets a chance to observe the call.
func (e *Engine) EvaluatePost(input CallInput, outcome Outcome) []error {
	s := e.sessionFor(input.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	result := outcome.toValue()

	var errs []error
	for _, def := range e.definitions {
		ctx := s.contextFor(def)
		for _, eff := range def.Effects {
			if eff.Phase != PhasePost || !matchSelector(eff.ToolSelector, input.QualifiedID) {
				continue
			}

			env := envFor(input, ctx, result)
			fires, err := s.eval.EvalBool(eff.When, env)
			if err != nil {
				continue
			}
			if !fires {
				continue
			}

			if err := applyThen(s.eval, eff.Then, ctx, env); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// DropSession discards a session's serialized evaluator and state. The
// engine never calls it itself, so a session's state otherwise lives as
// long as the Engine.
func (e *Engine) DropSession(sessionID string) {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	delete(e.sessions, sessionID)
}

// applyThen evaluates every update expression against env and, only if all
// of them succeed, writes the results into ctx. A failing expression aborts
// the whole set without writing any of it.
func applyThen(eval *expr.Evaluator, then map[string]string, ctx map[string]any, env expr.Env) error {
	if len(then) == 0 {
		return nil
	}

	updates := make(map[string]any, len(then))
	for name, expression := range then {
		value, err := eval.EvalValue(expression, env)
		if err != nil {
			return err
		}
		updates[name] = value
	}
	for name, value := range updates {
		ctx[name] = value
	}
	return nil
}

// matchSelector reports whether a tool_selector glob matches a qualified
// id. An empty selector or the literal "*" matches any tool; a malformed
// glob matches nothing rather than erroring the call.
func matchSelector(selector, qualifiedID string) bool {
	if selector == "" || selector == "*" {
		return true
	}
	matched, err := path.Match(selector, qualifiedID)
	if err != nil {
		return false
	}
	return matched
}

func envFor(input CallInput, ctx map[string]any, result any) expr.Env {
	return expr.Env{
		Ctx:    ctx,
		Tool:   input.QualifiedID,
		Input:  input.Arguments,
		Result: result,
	}
}
