package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// RuleEvaluator compiles and evaluates CEL rules against a candidate.
//
// Rules see these variables:
//
//	amount     int     (saturates at max int64)
//	recipient  string
//	category   string
//	proposer   string
//	emergency  bool
//	owners     list(string)
//	threshold  int     the treasury's flat threshold
//	now        int     unix seconds
type RuleEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewRuleEvaluator creates an evaluator with the treasury rule environment.
func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("proposer", cel.StringType),
		cel.Variable("emergency", cel.BoolType),
		cel.Variable("owners", cel.ListType(cel.StringType)),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RuleEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks that expr is a boolean expression and caches its program.
func (e *RuleEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *RuleEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: rule must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// RuleInput is the data a rule is evaluated against.
type RuleInput struct {
	Amount    uint64
	Recipient string
	Category  string
	Proposer  string
	Emergency bool
	Owners    []string
	Threshold int
	Now       time.Time
}

func (in RuleInput) activation() map[string]any {
	amount := int64(math.MaxInt64)
	if in.Amount <= math.MaxInt64 {
		amount = int64(in.Amount)
	}
	owners := in.Owners
	if owners == nil {
		owners = []string{}
	}
	return map[string]any{
		"amount":    amount,
		"recipient": in.Recipient,
		"category":  in.Category,
		"proposer":  in.Proposer,
		"emergency": in.Emergency,
		"owners":    owners,
		"threshold": int64(in.Threshold),
		"now":       in.Now.Unix(),
	}
}

// Eval returns the boolean result of expr.
func (e *RuleEvaluator) Eval(expr string, in RuleInput) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
