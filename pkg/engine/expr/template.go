package expr

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolver resolves parameter templates and edge conditions against a lookup
// scope. A string that is exactly one ${...} span resolves to the typed value
// of the enclosed expression; mixed content interpolates into a string; $${
// escapes a literal ${. Maps and lists resolve recursively, everything else
// passes through untouched.
type Resolver struct {
	eval *Evaluator
}

// NewResolver constructs a Resolver applying the evaluator defaults.
func NewResolver(opts Options) *Resolver {
	return &Resolver{eval: NewEvaluator(opts)}
}

// Condition evaluates a boolean edge condition.
func (r *Resolver) Condition(ctx context.Context, expression string, lookup LookupFunc) (bool, error) {
	return r.eval.Evaluate(ctx, expression, lookup)
}

// Expression evaluates a bare expression to its typed value.
func (r *Resolver) Expression(ctx context.Context, expression string, lookup LookupFunc) (any, error) {
	return r.eval.Resolve(ctx, expression, lookup)
}

// Resolve resolves one template value.
func (r *Resolver) Resolve(ctx context.Context, value any, lookup LookupFunc) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, lookup)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := r.Resolve(ctx, item, lookup)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, item, lookup)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// Params resolves a step's whole parameter template.
func (r *Resolver) Params(ctx context.Context, params map[string]any, lookup LookupFunc) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, value := range params {
		resolved, err := r.Resolve(ctx, value, lookup)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveString(ctx context.Context, s string, lookup LookupFunc) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	segs, err := scanTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].expr {
		return r.eval.Resolve(ctx, segs[0].text, lookup)
	}
	var b strings.Builder
	for _, seg := range segs {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		value, err := r.eval.Resolve(ctx, seg.text, lookup)
		if err != nil {
			return nil, err
		}
		b.WriteString(formatValue(value))
	}
	return b.String(), nil
}

type segment struct {
	expr bool
	text string
}

func scanTemplate(s string) ([]segment, error) {
	var segs []segment
	var lit strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "$${") {
			lit.WriteString("${")
			i += 3
			continue
		}
		if strings.HasPrefix(s[i:], "${") {
			end, err := findSpanEnd(s, i+2)
			if err != nil {
				return nil, err
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{expr: true, text: s[i+2 : end]})
			i = end + 1
			continue
		}
		lit.WriteByte(s[i])
		i++
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{text: lit.String()})
	}
	return segs, nil
}

// findSpanEnd locates the closing brace of a ${...} span, honouring quoted
// strings so conditions like ${a.x == '}'} terminate correctly.
func findSpanEnd(s string, start int) (int, error) {
	var quote byte
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case quote != 0:
			if ch == '\\' {
				escaped = true
			} else if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '}':
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unterminated ${ span", ErrSyntax)
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CheckTemplate validates every ${...} span in a template value, recursing
// into maps and lists, without evaluating anything.
func CheckTemplate(value any) error {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "${") {
			return nil
		}
		segs, err := scanTemplate(v)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if !seg.expr {
				continue
			}
			if err := Check(seg.text); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for key, item := range v {
			if err := CheckTemplate(item); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	case []any:
		for i, item := range v {
			if err := CheckTemplate(item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return nil
	}
}

// TemplateReferences returns the identifier paths read by any span of the
// template value, sorted and de-duplicated.
func TemplateReferences(value any) ([]string, error) {
	set := make(map[string]struct{})
	if err := templateRefs(value, set); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func templateRefs(value any, out map[string]struct{}) error {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "${") {
			return nil
		}
		segs, err := scanTemplate(v)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if !seg.expr {
				continue
			}
			refs, err := References(seg.text)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				out[ref] = struct{}{}
			}
		}
		return nil
	case map[string]any:
		for _, item := range v {
			if err := templateRefs(item, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range v {
			if err := templateRefs(item, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
