// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch turns webhooks and named tasks into runs: it picks the
// run units that apply, assembles the bootstrap document, mints the run's
// capability token and hands the run to an execution backend. It also
// reconciles the completion reports runs send back.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/busbud/peril/internal/controller/auth"
	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/executor"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/metrics"
	"github.com/busbud/peril/internal/controller/notify"
	"github.com/busbud/peril/internal/controller/observe"
	"github.com/busbud/peril/internal/controller/webhook"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// ErrNothingToRun means no rule selected a run unit for the event.
var ErrNothingToRun = errors.New("nothing to run")

// TokenSource mints GitHub installation access tokens.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// CapabilityIssuer mints run capability tokens.
type CapabilityIssuer interface {
	IssueCapability(installationID int64, runID string, ops ...auth.Op) (string, error)
}

// Publisher receives run lifecycle events for live observers.
type Publisher interface {
	Publish(e observe.Event)
}

// Notifier posts failed run logs to an installation's Slack channel.
type Notifier interface {
	SendLogs(ctx context.Context, inst *installation.Installation, text string, logs notify.RunLogs)
}

// Deps are the collaborators of a Dispatcher. Store, GitHub, Capabilities
// and Local are required.
type Deps struct {
	Store        backend.Store
	GitHub       TokenSource
	Capabilities CapabilityIssuer
	Local        executor.Backend
	External     executor.Backend
	Observers    Publisher
	Notifier     Notifier
}

// Config configures a Dispatcher.
type Config struct {
	// PublicAPIRoot is where runs call back to.
	PublicAPIRoot string

	// EnterpriseBaseURL is forwarded to runs as the GitHub base URL when set.
	EnterpriseBaseURL string

	// Secrets are server secret values redacted from stored run logs.
	Secrets map[string]string

	Logger *slog.Logger
}

// Request is a domain event to dispatch.
type Request struct {
	Event        string
	Action       string
	DeliveryID   string
	Installation *installation.Installation
	Payload      json.RawMessage
}

// Dispatcher starts runs and reconciles their completion.
type Dispatcher struct {
	deps    Deps
	cfg     Config
	matcher *Matcher
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatch: store is required")
	case deps.GitHub == nil:
		return nil, errors.New("dispatch: github token source is required")
	case deps.Capabilities == nil:
		return nil, errors.New("dispatch: capability issuer is required")
	case deps.Local == nil:
		return nil, errors.New("dispatch: local backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		matcher: NewMatcher(),
		logger:  logger.With(slog.String("component", "dispatch")),
		tracer:  otel.Tracer("github.com/busbud/peril/dispatch"),
		now:     time.Now,
	}, nil
}

// Dispatch runs the run units whose rules match the event. It returns
// ErrNothingToRun when no rule matches or the repository is ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*RunBootstrap, error) {
	inst := req.Installation
	event := webhook.QualifiedEvent(req.Event, req.Action)

	ctx, span := d.tracer.Start(ctx, "dispatch.event",
		trace.WithAttributes(
			attribute.Int64("peril.installation_id", inst.ID),
			attribute.String("peril.event", event),
			attribute.String("peril.delivery_id", req.DeliveryID),
		))
	defer span.End()

	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, recordSpanError(span, &perilerrors.ValidationError{Field: "payload", Message: "webhook payload must be a JSON object"})
	}
	env, err := webhook.ParseEnvelope(req.Payload)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	repo := env.RepoFullName()

	paths, err := d.resolve(inst, req.Event, req.Action, repo, payload)
	if err != nil {
		if errors.Is(err, ErrNothingToRun) {
			span.SetAttributes(attribute.Bool("peril.nothing_to_run", true))
			return nil, err
		}
		return nil, recordSpanError(span, err)
	}

	body, err := withRunContext(req.Payload, RunContext{
		RepoName:           repo,
		TriggeringUsername: env.SenderLogin(),
		EventID:            req.DeliveryID,
		IsRepoEvent:        repo != "",
	})
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	dsl := DSLRun
	if req.Event == webhook.EventPullRequest {
		dsl = DSLPullRequest
	}

	bootstrap, err := d.start(ctx, inst, runSpec{
		event:   event,
		kind:    kindForEvent(req.Event),
		dsl:     dsl,
		paths:   paths,
		webhook: body,
	})
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("peril.run_id", bootstrap.PerilSettings.PerilRunID))
	return bootstrap, nil
}

// RunTask runs the run units registered for a named task. data is handed
// to the run as its webhook payload.
func (d *Dispatcher) RunTask(ctx context.Context, inst *installation.Installation, task string, data json.RawMessage, kind RunKind) (*RunBootstrap, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.task",
		trace.WithAttributes(
			attribute.Int64("peril.installation_id", inst.ID),
			attribute.String("peril.task", task),
			attribute.String("peril.run_kind", string(kind)),
		))
	defer span.End()

	refs, ok, err := inst.TaskReferences(task)
	if err != nil {
		return nil, recordSpanError(span, &perilerrors.ConfigError{Key: "tasks", Reason: err.Error()})
	}
	if !ok || len(refs) == 0 {
		return nil, recordSpanError(span, &perilerrors.NotFoundError{Resource: "task", ID: task})
	}

	base, _ := installation.ParseReference(inst.SettingsReferenceURL)
	var paths []string
	for _, r := range refs {
		ref, err := installation.ParseReference(r)
		if err != nil {
			return nil, recordSpanError(span, &perilerrors.ConfigError{Key: "tasks." + task, Reason: err.Error()})
		}
		paths = appendUnique(paths, ref.Resolve(base).String())
	}

	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	body, err := withRunContext(data, RunContext{EventID: task})
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	bootstrap, err := d.start(ctx, inst, runSpec{
		event:   task,
		kind:    kind,
		dsl:     DSLRun,
		paths:   paths,
		webhook: body,
	})
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	return bootstrap, nil
}

type runSpec struct {
	event   string
	kind    RunKind
	dsl     DSLType
	paths   []string
	webhook json.RawMessage
}

func (d *Dispatcher) start(ctx context.Context, inst *installation.Installation, spec runSpec) (*RunBootstrap, error) {
	runID := uuid.NewString()
	logger := internallog.WithRun(d.logger, inst.ID, runID).With(slog.String(internallog.EventKey, spec.event))

	d.publish(observe.Event{Type: observe.RunStarted, InstallationID: inst.ID, RunID: runID, Event: spec.event, Paths: spec.paths})

	accessToken, err := d.deps.GitHub.InstallationToken(ctx, inst.ID)
	if err != nil {
		d.publishFailure(inst.ID, runID, spec.event, "could not get a GitHub access token")
		return nil, fmt.Errorf("getting installation token: %w", err)
	}

	current, err := d.deps.Store.GetInstallation(ctx, inst.ID)
	if errors.Is(err, backend.ErrNotFound) {
		d.publishFailure(inst.ID, runID, spec.event, "installation no longer exists")
		return nil, &perilerrors.UnknownInstallationError{InstallationID: inst.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("reloading installation: %w", err)
	}

	capability, err := d.deps.Capabilities.IssueCapability(inst.ID, runID, auth.RunOps...)
	if err != nil {
		return nil, fmt.Errorf("issuing capability token: %w", err)
	}

	runner, target, err := d.selectBackend(current)
	if err != nil {
		d.publishFailure(inst.ID, runID, spec.event, err.Error())
		return nil, err
	}

	envVars := make(map[string]string, len(current.EnvVars))
	for k, v := range current.EnvVars {
		envVars[k] = v
	}

	bootstrap := &RunBootstrap{
		Payload: Payload{
			DSL: DSL{Settings: DSLSettings{
				GitHub: GitHubSettings{
					AccessToken:       accessToken,
					BaseURL:           d.cfg.EnterpriseBaseURL,
					AdditionalHeaders: map[string]string{"Accept": machineManPreview},
				},
				CLIArgs: map[string]any{},
			}},
			Webhook: spec.webhook,
		},
		Paths:        spec.paths,
		Installation: current.Snapshot(),
		DSLType:      spec.dsl,
		RunKind:      spec.kind,
		PerilSettings: PerilSettings{
			PerilJWT:     capability,
			PerilAPIRoot: d.cfg.PublicAPIRoot,
			EnvVars:      envVars,
			PerilRunID:   runID,
			Event:        spec.event,
		},
	}

	encoded, err := json.Marshal(bootstrap)
	if err != nil {
		return nil, fmt.Errorf("encoding bootstrap: %w", err)
	}

	backendName := runner.Name()
	if target != "" {
		backendName = target
	}
	run := &backend.Run{
		ID:             runID,
		InstallationID: inst.ID,
		Event:          spec.event,
		Kind:           string(spec.kind),
		Paths:          spec.paths,
		Backend:        backendName,
		Status:         backend.RunDispatched,
		StartedAt:      d.now().UTC(),
	}
	if err := d.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	job := executor.Job{
		RunID:          runID,
		InstallationID: inst.ID,
		Event:          spec.event,
		Paths:          spec.paths,
		Target:         target,
		Bootstrap:      encoded,
	}
	if err := runner.Start(ctx, job); err != nil {
		metrics.RecordDispatchError(runner.Name())
		logger.Error("backend failed to start run", internallog.BackendKey, backendName, internallog.Error(err))
		if cerr := d.deps.Store.CompleteRun(ctx, runID, backend.RunFailed, err.Error(), d.now().UTC()); cerr != nil {
			logger.Warn("failed to mark run failed", internallog.Error(cerr))
		}
		d.publishFailure(inst.ID, runID, spec.event, err.Error())
		return nil, fmt.Errorf("starting run on %s: %w", backendName, err)
	}

	metrics.RecordDispatch(runner.Name(), string(spec.kind))
	logger.Info("run dispatched", internallog.BackendKey, backendName, "paths", strings.Join(spec.paths, ", "))
	return bootstrap, nil
}

// selectBackend returns the external backend and its target when the
// installation names one, the local backend otherwise.
func (d *Dispatcher) selectBackend(inst *installation.Installation) (executor.Backend, string, error) {
	if !inst.UsesExternalBackend() {
		return d.deps.Local, "", nil
	}
	if d.deps.External == nil {
		return nil, "", &perilerrors.ConfigError{
			Key:    "executionBackendName",
			Reason: fmt.Sprintf("installation uses %q but no external backend is configured", inst.ExecutionBackendName),
		}
	}
	return d.deps.External, inst.ExecutionBackendName, nil
}

// resolve collects the run unit paths selected by the global and repo rules.
func (d *Dispatcher) resolve(inst *installation.Installation, event, action, repo string, payload map[string]any) ([]string, error) {
	prefs, err := inst.Preferences()
	if err != nil {
		return nil, &perilerrors.ConfigError{Key: "settings", Reason: err.Error()}
	}
	if repo != "" && prefs.Ignores(repo) {
		return nil, ErrNothingToRun
	}

	var paths []string
	collect := func(rules installation.RuleSet, base installation.Reference) {
		for _, key := range rules.Keys() {
			ok, err := d.matcher.Match(key, event, action, payload)
			if err != nil {
				d.logger.Warn("skipping rule", slog.Int64(internallog.InstallationIDKey, inst.ID), "rule", key, internallog.Error(err))
				continue
			}
			if !ok {
				continue
			}
			for _, r := range rules[key] {
				ref, err := installation.ParseReference(r)
				if err != nil {
					d.logger.Warn("skipping run unit reference", slog.Int64(internallog.InstallationIDKey, inst.ID), "reference", r, internallog.Error(err))
					continue
				}
				paths = appendUnique(paths, ref.Resolve(base).String())
			}
		}
	}

	global, err := inst.GlobalRules()
	if err != nil {
		return nil, &perilerrors.ConfigError{Key: "rules", Reason: err.Error()}
	}
	settingsRef, _ := installation.ParseReference(inst.SettingsReferenceURL)
	collect(global, settingsRef)

	if repo != "" {
		repoRules, err := inst.RepoRules(repo)
		if err != nil {
			return nil, &perilerrors.ConfigError{Key: "repos." + repo, Reason: err.Error()}
		}
		collect(repoRules, installation.Reference{Repo: repo})
	}

	if len(paths) == 0 {
		return nil, ErrNothingToRun
	}
	return paths, nil
}

func (d *Dispatcher) publish(e observe.Event) {
	if d.deps.Observers != nil {
		d.deps.Observers.Publish(e)
	}
}

func (d *Dispatcher) publishFailure(installationID int64, runID, event, message string) {
	d.publish(observe.Event{Type: observe.RunFailed, InstallationID: installationID, RunID: runID, Event: event, Message: message})
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
