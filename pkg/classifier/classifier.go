// Package classifier assigns error categories and recovery strategies to
// failed execution attempts. Classification is deterministic: the same
// failed result with the same retry history always yields the same decision.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atomrun/atomrun/pkg/engine"
	"github.com/atomrun/atomrun/pkg/telemetry"
)

// signature is one recognizable failure pattern. Signatures are checked in
// category tie-break order; within a category, exact signatures come before
// heuristic ones so the first match also carries the highest confidence.
type signature struct {
	category   engine.ErrorCategory
	pattern    *regexp.Regexp
	confidence float64
}

// missingModuleRe extracts the unresolved module name from well-known
// dependency errors so a mechanical import patch can be generated.
var missingModuleRe = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
	regexp.MustCompile(`ImportError: cannot import name '([^']+)'`),
	regexp.MustCompile(`cannot find module ['"]([^'"]+)['"]`),
	regexp.MustCompile(`undefined reference to ` + "`" + `([^']+)'`),
}

var signatures = []signature{
	// Syntax: parse or compile failures.
	{engine.CategorySyntax, regexp.MustCompile(`SyntaxError:`), 0.95},
	{engine.CategorySyntax, regexp.MustCompile(`IndentationError:`), 0.95},
	{engine.CategorySyntax, regexp.MustCompile(`(?i)parse error`), 0.9},
	{engine.CategorySyntax, regexp.MustCompile(`(?i)unexpected (token|EOF|end of (file|input))`), 0.85},
	{engine.CategorySyntax, regexp.MustCompile(`(?i)compil(e|ation) (error|failed)`), 0.7},

	// Dependency: unresolved module or reference.
	{engine.CategoryDependency, regexp.MustCompile(`ModuleNotFoundError:`), 0.95},
	{engine.CategoryDependency, regexp.MustCompile(`ImportError:`), 0.9},
	{engine.CategoryDependency, regexp.MustCompile(`(?i)cannot find module`), 0.9},
	{engine.CategoryDependency, regexp.MustCompile(`(?i)unresolved (import|reference|symbol)`), 0.85},
	{engine.CategoryDependency, regexp.MustCompile("undefined reference to `"), 0.85},
	{engine.CategoryDependency, regexp.MustCompile(`NameError: name '[^']+' is not defined`), 0.6},

	// Interface: signature or type mismatch.
	{engine.CategoryInterface, regexp.MustCompile(`TypeError: [^(]+\(\) (takes|missing|got an unexpected)`), 0.95},
	{engine.CategoryInterface, regexp.MustCompile(`(?i)signature mismatch`), 0.9},
	{engine.CategoryInterface, regexp.MustCompile(`(?i)incompatible types?`), 0.8},
	{engine.CategoryInterface, regexp.MustCompile(`(?i)wrong number of arguments`), 0.8},
	{engine.CategoryInterface, regexp.MustCompile(`AttributeError: .+ object has no attribute`), 0.6},

	// Runtime: unhandled exception during execution.
	{engine.CategoryRuntime, regexp.MustCompile(`ZeroDivisionError:`), 0.95},
	{engine.CategoryRuntime, regexp.MustCompile(`IndexError:`), 0.95},
	{engine.CategoryRuntime, regexp.MustCompile(`KeyError:`), 0.95},
	{engine.CategoryRuntime, regexp.MustCompile(`ValueError:`), 0.9},
	{engine.CategoryRuntime, regexp.MustCompile(`(?i)panic:`), 0.9},
	{engine.CategoryRuntime, regexp.MustCompile(`(?i)segmentation fault`), 0.9},
	{engine.CategoryRuntime, regexp.MustCompile(`(?i)unhandled exception`), 0.85},
	{engine.CategoryRuntime, regexp.MustCompile(`Traceback \(most recent call last\)`), 0.55},
	{engine.CategoryRuntime, regexp.MustCompile(`(?i)\berror\b`), 0.4},
}

// Classifier is a deterministic, table-driven implementation of
// engine.Classifier. It holds no per-atom state; retry history is handed
// in by the orchestrator on every call.
type Classifier struct {
	maxRetries int
	logger     *telemetry.Logger
}

// New creates a classifier. maxRetries bounds the retry loop; once an
// attempt number reaches it, every decision is forced to manual.
func New(maxRetries int, logger *telemetry.Logger) *Classifier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Classifier{
		maxRetries: maxRetries,
		logger:     logger.NewComponentLogger("classifier"),
	}
}

// Classify assigns an error category and recovery strategy to a failed
// attempt. The tie-break order is syntax, dependency, interface, runtime,
// timeout, resource limit; the first matching category wins. Results whose
// category was already fixed by the executor (timeout, resource limit,
// sandbox setup) keep that category.
func (c *Classifier) Classify(atom *engine.AtomicUnit, result *engine.ExecutionResult, history []engine.RetryDecision) engine.RetryDecision {
	decision := engine.RetryDecision{
		AtomID:  result.AtomID,
		Attempt: result.Attempt,
	}

	decision.Category, decision.Confidence = c.categorize(result)
	decision.Strategy = c.strategyFor(decision.Category, decision.Confidence)

	switch decision.Strategy {
	case engine.StrategyFix:
		if patch := c.mechanicalPatch(atom, result, decision.Category); patch != "" {
			decision.Patch = patch
		} else {
			decision.RepairPrompt = c.repairPrompt(atom, result, decision.Category)
		}
	case engine.StrategyRegenerate:
		decision.RepairPrompt = c.repairPrompt(atom, result, decision.Category)
	}

	// Skip is never inferred from error content; it requires the external
	// non-critical flag and at least one prior failed decision.
	if atom != nil && atom.NonCritical && len(history) > 0 && decision.Category.Recoverable() {
		decision.Strategy = engine.StrategySkip
		decision.Patch = ""
		decision.RepairPrompt = ""
	}

	// The retry bound overrides everything else.
	if result.Attempt >= c.maxRetries {
		decision.Strategy = engine.StrategyManual
		decision.Patch = ""
		decision.RepairPrompt = ""
	}

	c.logger.Debug().
		Str("atom_id", decision.AtomID).
		Int("attempt", decision.Attempt).
		Str("category", string(decision.Category)).
		Str("strategy", string(decision.Strategy)).
		Float64("confidence", decision.Confidence).
		Msg("classified failed attempt")

	return decision
}

// categorize determines the error category and the confidence of the match.
func (c *Classifier) categorize(result *engine.ExecutionResult) (engine.ErrorCategory, float64) {
	// The executor assigns these categories directly from sandbox signals;
	// they are authoritative and not re-derived from output text.
	switch result.Category {
	case engine.CategoryTimeout, engine.CategoryResourceLimit, engine.CategorySandboxSetup:
		return result.Category, 1.0
	}

	text := result.ErrorMessage
	if result.Stderr != "" {
		text = text + "\n" + result.Stderr
	}
	if result.StackTrace != "" {
		text = text + "\n" + result.StackTrace
	}

	// The table is ordered by category tie-break, then by signature
	// strength within a category, so the first match wins outright.
	for _, sig := range signatures {
		if sig.pattern.MatchString(text) {
			return sig.category, sig.confidence
		}
	}
	return engine.CategoryUnclassifiable, 0
}

// strategyFor maps a category to its default recovery strategy. Low-confidence
// matches in categories that allow it fall back to regeneration.
func (c *Classifier) strategyFor(category engine.ErrorCategory, confidence float64) engine.Strategy {
	switch category {
	case engine.CategorySyntax, engine.CategoryRuntime:
		if confidence >= 0.7 {
			return engine.StrategyFix
		}
		return engine.StrategyRegenerate
	case engine.CategoryDependency, engine.CategoryInterface:
		return engine.StrategyFix
	case engine.CategoryTimeout, engine.CategoryResourceLimit:
		return engine.StrategyRegenerate
	default:
		return engine.StrategyManual
	}
}

// mechanicalPatch produces replacement source when the fix is mechanical.
// Currently covers injecting a missing import for dependency failures.
func (c *Classifier) mechanicalPatch(atom *engine.AtomicUnit, result *engine.ExecutionResult, category engine.ErrorCategory) string {
	if category != engine.CategoryDependency || atom == nil {
		return ""
	}

	text := result.ErrorMessage + "\n" + result.Stderr
	for _, re := range missingModuleRe {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		module := m[1]
		stmt := importStatement(atom.Language, module)
		if stmt == "" {
			return ""
		}
		if strings.Contains(atom.Source, stmt) {
			// The reference is already present; injecting it again would
			// not change the outcome.
			return ""
		}
		return stmt + "\n" + atom.Source
	}
	return ""
}

func importStatement(language, module string) string {
	switch strings.ToLower(language) {
	case "python":
		return "import " + module
	case "javascript", "typescript":
		return fmt.Sprintf("const %s = require(%q);", sanitizeIdent(module), module)
	default:
		return ""
	}
}

func sanitizeIdent(module string) string {
	ident := strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(module)
	if ident == "" {
		return "dep"
	}
	return ident
}

// repairPrompt builds the prompt handed to the external code-repair
// collaborator when no mechanical patch applies.
func (c *Classifier) repairPrompt(atom *engine.AtomicUnit, result *engine.ExecutionResult, category engine.ErrorCategory) string {
	var b strings.Builder
	switch category {
	case engine.CategorySyntax:
		b.WriteString("Fix the syntax error in the following code.\n")
	case engine.CategoryInterface:
		b.WriteString("Fix the code so it conforms to the expected interface.\n")
		if atom != nil && atom.Signature != "" {
			fmt.Fprintf(&b, "Expected signature: %s\n", atom.Signature)
		}
	case engine.CategoryRuntime:
		b.WriteString("Fix the runtime failure in the following code.\n")
	case engine.CategoryTimeout:
		b.WriteString("Rewrite the following code; it exceeds its wall-clock limit and likely contains inefficient or non-terminating logic.\n")
	case engine.CategoryResourceLimit:
		b.WriteString("Rewrite the following code to use less memory; it exceeds its resource ceiling.\n")
	default:
		b.WriteString("Fix the failure in the following code.\n")
	}
	if result.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", result.ErrorMessage)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "Stderr:\n%s\n", result.Stderr)
	}
	if atom != nil {
		fmt.Fprintf(&b, "Code:\n%s", atom.Source)
	}
	return b.String()
}
