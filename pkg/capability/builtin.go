package capability

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/skeinworks/skein/pkg/domain"
)

// RegisterBuiltins installs the util.* capabilities on r. They carry no
// external dependencies and report zero cost, which makes them suitable for
// seeding values, wiring test pipelines, and rehearsing failure handling.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.Register("util.const", "v1", &ConstCapability{}, "const")
	r.Register("util.echo", "v1", &EchoCapability{logger: logger}, "echo")
	r.Register("util.template", "v1", &TemplateCapability{}, "template")
	r.Register("util.fail", "v1", &FailCapability{logger: logger}, "fail")
	r.Register("util.sleep", "v1", &SleepCapability{logger: logger}, "sleep")
}

// ConstCapability returns its parameters unchanged, seeding literal values
// into the result graph for downstream steps to reference.
type ConstCapability struct{}

// Invoke copies params to outputs.
func (c *ConstCapability) Invoke(_ context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	outputs := make(map[string]any, len(params))
	for key, value := range params {
		outputs[key] = value
	}
	return outputs, domain.CostDelta{}, nil
}

// EchoCapability logs its invocation and returns its parameters unchanged.
type EchoCapability struct {
	logger *slog.Logger
}

// Invoke logs the message parameter and copies params to outputs.
func (c *EchoCapability) Invoke(_ context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	if c.logger != nil {
		c.logger.Info("echo",
			"message", stringParam(params, "message", ""),
			"params", len(params),
		)
	}
	outputs := make(map[string]any, len(params))
	for key, value := range params {
		outputs[key] = value
	}
	return outputs, domain.CostDelta{}, nil
}

// TemplateCapability renders the template parameter with Go text/template
// syntax, exposing the remaining parameters as the template data.
type TemplateCapability struct{}

// Invoke renders the template and returns it under the "text" output.
func (c *TemplateCapability) Invoke(_ context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	raw := stringParam(params, "template", "")
	if raw == "" {
		return nil, domain.CostDelta{}, domain.Tagf(domain.KindInvalidInput, "template parameter is required")
	}

	data := make(map[string]any, len(params))
	for key, value := range params {
		if key == "template" {
			continue
		}
		data[key] = value
	}

	tmpl, err := template.New("step").Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, domain.CostDelta{}, domain.Tagf(domain.KindInvalidInput, "parse template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, domain.CostDelta{}, domain.Tagf(domain.KindInvalidInput, "render template: %v", err)
	}
	return map[string]any{"text": buf.String()}, domain.CostDelta{}, nil
}

// FailCapability always fails with a configurable error kind, letting
// pipelines rehearse retry, fallback, and breaker behavior.
type FailCapability struct {
	logger *slog.Logger
}

// Invoke returns a tagged error built from the kind and message parameters.
func (c *FailCapability) Invoke(_ context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	kind := domain.ErrorKind(stringParam(params, "kind", string(domain.KindInternal)))
	if !kind.Valid() {
		kind = domain.KindInternal
	}
	message := stringParam(params, "message", "injected failure")

	if c.logger != nil {
		c.logger.Debug("injected failure",
			"kind", string(kind),
			"message", message,
		)
	}
	return nil, domain.CostDelta{}, domain.Tagf(kind, "%s", message)
}

// SleepCapability blocks for the duration parameter or until the step
// deadline fires, whichever comes first.
type SleepCapability struct {
	logger *slog.Logger
}

// Invoke sleeps for the configured duration. A string duration is parsed
// with time.ParseDuration; a bare number is taken as seconds.
func (c *SleepCapability) Invoke(ctx context.Context, params map[string]any) (map[string]any, domain.CostDelta, error) {
	d := durationParam(params["duration"], 0)
	if d <= 0 {
		return map[string]any{"slept": time.Duration(0).String()}, domain.CostDelta{}, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, domain.CostDelta{}, ctx.Err()
	}

	if c.logger != nil {
		c.logger.Debug("sleep completed", "duration", d.String())
	}
	return map[string]any{"slept": d.String()}, domain.CostDelta{}, nil
}

func stringParam(params map[string]any, key, fallback string) string {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	if value == "" || value == "<nil>" {
		return fallback
	}
	return value
}

func durationParam(raw any, fallback time.Duration) time.Duration {
	switch v := raw.(type) {
	case time.Duration:
		return v
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case float32:
		return time.Duration(float64(v) * float64(time.Second))
	}
	return fallback
}
