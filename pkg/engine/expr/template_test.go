package expr

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestResolver_Resolve(t *testing.T) {
	lookup := mapLookup(map[string]any{
		"inputs.query":   "tension in yarn",
		"retrieve.docs":  []any{"a", "b"},
		"retrieve.score": 0.9,
		"retrieve.count": 3,
	})

	r := NewResolver(Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{
			name:  "plain literal untouched",
			value: "hello",
			want:  "hello",
		},
		{
			name:  "single span keeps type",
			value: "${retrieve.docs}",
			want:  []any{"a", "b"},
		},
		{
			name:  "interpolation formats into string",
			value: "query=${inputs.query} hits=${retrieve.count}",
			want:  "query=tension in yarn hits=3",
		},
		{
			name:  "escaped span stays literal",
			value: "cost is $${retrieve.score}",
			want:  "cost is ${retrieve.score}",
		},
		{
			name:  "non-string passes through",
			value: 42,
			want:  42,
		},
		{
			name: "nested map resolves recursively",
			value: map[string]any{
				"q":     "${inputs.query}",
				"top_k": 5,
			},
			want: map[string]any{
				"q":     "tension in yarn",
				"top_k": 5,
			},
		},
		{
			name:  "list resolves element-wise",
			value: []any{"${retrieve.score}", "fixed"},
			want:  []any{0.9, "fixed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.value, lookup)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Resolve() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolver_ResolveErrors(t *testing.T) {
	lookup := mapLookup(map[string]any{"a.x": 1})
	r := NewResolver(Options{})

	_, err := r.Resolve(context.Background(), "${missing.output}", lookup)
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}

	_, err = r.Resolve(context.Background(), "${a.x", lookup)
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax for unterminated span, got %v", err)
	}
}

func TestResolver_Params(t *testing.T) {
	lookup := mapLookup(map[string]any{
		"inputs.question": "why cycles",
		"search.passages": []any{"p1", "p2"},
	})
	r := NewResolver(Options{})

	params, err := r.Params(context.Background(), map[string]any{
		"prompt":  "Answer: ${inputs.question}",
		"context": "${search.passages}",
		"limit":   10,
	}, lookup)
	if err != nil {
		t.Fatalf("Params() error = %v", err)
	}

	want := map[string]any{
		"prompt":  "Answer: why cycles",
		"context": []any{"p1", "p2"},
		"limit":   10,
	}
	if !reflect.DeepEqual(params, want) {
		t.Fatalf("Params() = %#v, want %#v", params, want)
	}
}

func TestScanTemplate_QuotedBraces(t *testing.T) {
	segs, err := scanTemplate("${a.x == '}'}")
	if err != nil {
		t.Fatalf("scanTemplate() error = %v", err)
	}
	if len(segs) != 1 || !segs[0].expr || segs[0].text != "a.x == '}'" {
		t.Fatalf("scanTemplate() = %#v", segs)
	}
}

func TestCheckTemplate(t *testing.T) {
	ok := map[string]any{
		"prompt": "use ${retrieve.passages}",
		"nested": map[string]any{"flag": "${a.b == true}"},
	}
	if err := CheckTemplate(ok); err != nil {
		t.Fatalf("CheckTemplate() unexpected error: %v", err)
	}

	bad := map[string]any{"prompt": "use ${retrieve."}
	if err := CheckTemplate(bad); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}
}

func TestTemplateReferences(t *testing.T) {
	refs, err := TemplateReferences(map[string]any{
		"prompt":  "Q: ${inputs.question} C: ${search.passages}",
		"reorder": "${search.passages}",
	})
	if err != nil {
		t.Fatalf("TemplateReferences() error = %v", err)
	}
	want := []string{"inputs.question", "search.passages"}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("TemplateReferences() = %v, want %v", refs, want)
	}
}
