package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/variables"
)

const (
	instrumentationName = "github.com/i2y/mcpvhost/internal/usecase"

	// DefaultDownstreamTimeout applies to tools without their own timeout.
	DefaultDownstreamTimeout = 30 * time.Second

	maxErrorBodyBytes = 8 << 10
	redacted          = "[REDACTED]"

	// minBodyRedactLen is the shortest secret scrubbed from a successful response body.
	// Shorter secrets are scrubbed from errors and logs only.
	minBodyRedactLen = 6
)

// ErrorKind categorizes an execution failure.
type ErrorKind string

const (
	KindMissingArgument     ErrorKind = "missing_argument"
	KindUnresolvedParameter ErrorKind = "unresolved_parameter"
	KindCasting             ErrorKind = "casting"
	KindSecret              ErrorKind = "secret"
	KindTemplate            ErrorKind = "template"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindUnreachable         ErrorKind = "downstream_unreachable"
	KindTimeout             ErrorKind = "downstream_timeout"
	KindStatus              ErrorKind = "downstream_status"
)

// ParamIssue describes one parameter that could not be resolved.
type ParamIssue struct {
	Param    string
	Kind     ErrorKind
	Expected domain.ParamType
	Reason   string
}

func (p ParamIssue) String() string {
	switch p.Kind {
	case KindMissingArgument:
		return fmt.Sprintf("missing required argument '%s'", p.Param)
	case KindCasting:
		return fmt.Sprintf("parameter '%s' (expected %s): %s", p.Param, p.Expected, p.Reason)
	default:
		return fmt.Sprintf("parameter '%s': %s", p.Param, p.Reason)
	}
}

// ExecutionError is a failed execution. Message is safe to show to the caller: it never
// contains secret values or raw transport errors. Err keeps the cause for logs.
type ExecutionError struct {
	Kind ErrorKind
	// Param is the first offending parameter, when the failure concerns parameters.
	Param      string
	Issues     []ParamIssue
	StatusCode int
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string { return e.Message }

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionResult is a successful (2xx) downstream response.
type ExecutionResult struct {
	StatusCode  int
	ContentType string
	Body        string
	Duration    time.Duration
}

// Target is what one invocation executes: an instance with its tool, and the server owning it.
type Target struct {
	Server   *domain.VirtualServer
	Instance *domain.ToolInstance
}

// InstanceExecutor resolves parameters, renders the downstream request and performs the call.
type InstanceExecutor struct {
	codec          SecretsCodec
	invoker        DownstreamInvoker
	defaultTimeout time.Duration
	logger         *slog.Logger

	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewInstanceExecutor creates an executor. A non-positive defaultTimeout selects
// DefaultDownstreamTimeout.
func NewInstanceExecutor(codec SecretsCodec, invoker DownstreamInvoker, defaultTimeout time.Duration, logger *slog.Logger) *InstanceExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultDownstreamTimeout
	}
	meter := otel.Meter(instrumentationName)
	executions, _ := meter.Int64Counter(
		"mcpvhost.tool.executions",
		metric.WithDescription("Tool executions by outcome"),
	)
	duration, _ := meter.Float64Histogram(
		"mcpvhost.tool.execution.duration",
		metric.WithDescription("Duration of tool executions including the downstream call"),
		metric.WithUnit("s"),
	)
	return &InstanceExecutor{
		codec:          codec,
		invoker:        invoker,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "instance_executor"),
		tracer:         otel.Tracer(instrumentationName),
		executions:     executions,
		duration:       duration,
	}
}

// Execute runs one invocation of target with the caller's arguments. Exactly one downstream
// call is made when parameters resolve; none when they do not. Failures are returned as
// *ExecutionError.
func (e *InstanceExecutor) Execute(ctx context.Context, target Target, args map[string]any) (*ExecutionResult, error) {
	inst := target.Instance
	log := e.logger.With(
		slog.String("server_id", target.Server.ID),
		slog.String("tool_name", inst.DisplayName),
	)
	ctx, span := e.tracer.Start(ctx, "execute_instance", trace.WithAttributes(
		attribute.String("mcpvhost.server_id", target.Server.ID),
		attribute.String("mcpvhost.tool", inst.DisplayName),
	))
	defer span.End()

	start := time.Now()
	res, err := e.execute(ctx, target, args, log)
	elapsed := time.Since(start)

	outcome := "success"
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		outcome = string(execErr.Kind)
		span.SetStatus(codes.Error, string(execErr.Kind))
		if execErr.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", execErr.StatusCode))
		}
	} else if res != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
		res.Duration = elapsed
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	e.executions.Add(ctx, 1, attrs)
	e.duration.Record(ctx, elapsed.Seconds(), attrs)
	return res, err
}

func (e *InstanceExecutor) execute(ctx context.Context, target Target, args map[string]any, log *slog.Logger) (*ExecutionResult, error) {
	tool := target.Instance.Tool
	if tool == nil {
		log.Error("Instance has no tool loaded")
		return nil, &ExecutionError{Kind: KindUnresolvedParameter, Message: "Tool definition is not available"}
	}

	resolved, secrets, issues := e.resolve(target, args)
	scrub := newRedactor(secrets, 1)
	if len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, is := range issues {
			msgs[i] = is.String()
		}
		log.Warn("Parameter resolution failed", slog.String("kind", string(issues[0].Kind)), slog.Int("issues", len(issues)))
		return nil, &ExecutionError{
			Kind:    issues[0].Kind,
			Param:   issues[0].Param,
			Issues:  issues,
			Message: scrub.apply("Parameter resolution failed: " + strings.Join(msgs, "; ")),
		}
	}

	req, err := e.render(tool, resolved)
	if err != nil {
		log.Warn("Template rendering failed", slog.String("error", scrub.apply(err.Error())))
		return nil, &ExecutionError{
			Kind:    KindTemplate,
			Message: scrub.apply("Template rendering failed: " + err.Error()),
			Err:     err,
		}
	}
	req.Timeout = e.defaultTimeout
	if tool.TimeoutMS > 0 {
		req.Timeout = time.Duration(tool.TimeoutMS) * time.Millisecond
	}

	log.Info("Invoking downstream", slog.String("method", req.Method))
	resp, err := e.invoker.Invoke(ctx, req)
	if err != nil {
		execErr := &ExecutionError{Err: err}
		switch {
		case errors.Is(err, ErrDownstreamTimeout):
			execErr.Kind = KindTimeout
			execErr.Message = fmt.Sprintf("Downstream timed out after %dms", req.Timeout.Milliseconds())
		case errors.Is(err, ErrInvalidRequest):
			execErr.Kind = KindInvalidRequest
			execErr.Message = scrub.apply("Invalid downstream request: " + err.Error())
		default:
			execErr.Kind = KindUnreachable
			execErr.Message = fmt.Sprintf("Downstream unreachable: could not reach the API for tool %s", target.Instance.DisplayName)
		}
		log.Warn("Downstream call failed", slog.String("kind", string(execErr.Kind)), slog.String("error", scrub.apply(err.Error())))
		return nil, execErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("Downstream rejected the call", slog.Int("status_code", resp.StatusCode))
		errBody := scrub.apply(string(resp.Body))
		if len(errBody) > maxErrorBodyBytes {
			errBody = errBody[:maxErrorBodyBytes] + "..."
		}
		return nil, &ExecutionError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d - %s", resp.StatusCode, errBody),
		}
	}

	log.Info("Tool execution succeeded", slog.Int("status_code", resp.StatusCode))
	return &ExecutionResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        newRedactor(secrets, minBodyRedactLen).apply(string(resp.Body)),
	}, nil
}

// resolve materializes every declared parameter as canonical text. It returns the plaintext
// of every secret it touched so the caller can scrub them from output.
func (e *InstanceExecutor) resolve(target Target, args map[string]any) (map[string]string, []string, []ParamIssue) {
	inst := target.Instance
	server := target.Server
	resolved := make(map[string]string, len(inst.Tool.Parameters))
	var secrets []string
	var issues []ParamIssue

	// Decrypted server defaults, loaded once per execution when a fixed value references them.
	var defaultsCtx map[string]string
	loadDefaults := func() (map[string]string, error) {
		if defaultsCtx != nil {
			return defaultsCtx, nil
		}
		ctx := make(map[string]string, len(server.Defaults))
		for name, d := range server.Defaults {
			v := d.Value
			if d.IsSecret {
				plain, err := e.codec.Decrypt(d.Value)
				if err != nil {
					return nil, fmt.Errorf("server default '%s' could not be decrypted", name)
				}
				v = plain
				secrets = append(secrets, plain)
			}
			ctx[name] = v
		}
		defaultsCtx = ctx
		return ctx, nil
	}

	for _, p := range inst.Tool.Parameters {
		b, ok := inst.Bindings[p.Name]
		if !ok {
			issues = append(issues, ParamIssue{Param: p.Name, Kind: KindUnresolvedParameter, Reason: "no binding configured"})
			continue
		}

		var raw string
		switch b.Kind {
		case domain.BindingExposed:
			v, present := args[p.Name]
			switch {
			case present && v != nil:
				raw = argumentText(v)
			case p.Default != nil:
				raw = *p.Default
			default:
				issues = append(issues, ParamIssue{Param: p.Name, Kind: KindMissingArgument, Reason: "argument is required"})
				continue
			}

		case domain.BindingFixed:
			raw = b.Value
			if p.IsSecret {
				plain, err := e.codec.Decrypt(b.Value)
				if err != nil {
					issues = append(issues, ParamIssue{Param: p.Name, Kind: KindSecret, Reason: "stored secret could not be decrypted"})
					continue
				}
				raw = plain
				secrets = append(secrets, plain)
			}
			if len(variables.FindVariables(raw)) > 0 {
				ctx, err := loadDefaults()
				if err != nil {
					issues = append(issues, ParamIssue{Param: p.Name, Kind: KindSecret, Reason: err.Error()})
					continue
				}
				rendered, err := variables.Substitute(raw, ctx)
				if err != nil {
					issues = append(issues, ParamIssue{Param: p.Name, Kind: KindUnresolvedParameter, Reason: err.Error()})
					continue
				}
				raw = rendered
			}

		case domain.BindingServerDefault:
			d, ok := server.Defaults[p.Name]
			if !ok {
				issues = append(issues, ParamIssue{Param: p.Name, Kind: KindUnresolvedParameter, Reason: "no server default is set"})
				continue
			}
			raw = d.Value
			if d.IsSecret {
				plain, err := e.codec.Decrypt(d.Value)
				if err != nil {
					issues = append(issues, ParamIssue{Param: p.Name, Kind: KindSecret, Reason: "server default could not be decrypted"})
					continue
				}
				raw = plain
				secrets = append(secrets, plain)
			}

		default:
			issues = append(issues, ParamIssue{Param: p.Name, Kind: KindUnresolvedParameter, Reason: fmt.Sprintf("unknown binding %q", b.Kind)})
			continue
		}

		if p.IsSecret && b.Kind == domain.BindingExposed {
			secrets = append(secrets, raw)
		}

		normalized, err := variables.Normalize(p.Name, p.Type.VariableType(), raw)
		if err != nil {
			var castErr *variables.CastError
			reason := err.Error()
			if errors.As(err, &castErr) {
				reason = castErr.Reason
			}
			issues = append(issues, ParamIssue{Param: p.Name, Kind: KindCasting, Expected: p.Type, Reason: reason})
			continue
		}
		resolved[p.Name] = normalized
	}
	return resolved, secrets, issues
}

// render substitutes resolved values into the URL, header and body templates. Problems in
// all templates are collected before failing.
func (e *InstanceExecutor) render(tool *domain.Tool, resolved map[string]string) (DownstreamRequest, error) {
	var errs []error
	req := DownstreamRequest{
		Method:  strings.ToUpper(tool.Method),
		Headers: make(map[string]string, len(tool.Headers)),
	}

	u, err := variables.Substitute(tool.URL, resolved)
	if err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	req.URL = u

	names := make([]string, 0, len(tool.Headers))
	for name := range tool.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	hasContentType := false
	for _, name := range names {
		v, err := variables.Substitute(tool.Headers[name], resolved)
		if err != nil {
			errs = append(errs, fmt.Errorf("header %s: %w", name, err))
			continue
		}
		req.Headers[name] = v
		if strings.EqualFold(name, "Content-Type") {
			hasContentType = true
		}
	}

	if tool.Body != "" {
		body, err := variables.Substitute(tool.Body, resolved)
		if err != nil {
			errs = append(errs, fmt.Errorf("body: %w", err))
		} else {
			req.Body = &body
			if !hasContentType && variables.LooksLikeJSON(body) && json.Valid([]byte(body)) {
				req.Headers["Content-Type"] = "application/json"
			}
		}
	}

	if len(errs) > 0 {
		return DownstreamRequest{}, errors.Join(errs...)
	}
	return req, nil
}

// argumentText converts a decoded JSON argument to the text form the engine casts.
func argumentText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// redactor replaces secret plaintexts in caller-visible text.
type redactor struct {
	r *strings.Replacer
}

// newRedactor scrubs every secret of at least minLen bytes.
func newRedactor(secrets []string, minLen int) redactor {
	uniq := make(map[string]bool, len(secrets))
	var list []string
	for _, s := range secrets {
		if s != "" && len(s) >= minLen && !uniq[s] {
			uniq[s] = true
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return redactor{}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	pairs := make([]string, 0, len(list)*2)
	for _, s := range list {
		pairs = append(pairs, s, redacted)
	}
	return redactor{r: strings.NewReplacer(pairs...)}
}

func (r redactor) apply(s string) string {
	if r.r == nil {
		return s
	}
	return r.r.Replace(s)
}
