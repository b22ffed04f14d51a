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

// Package router decides what a verified webhook means: installation
// lifecycle changes are applied to the store, everything else is recorded
// (when asked), checked for settings changes and dispatched.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/busbud/peril/internal/controller/backend"
	"github.com/busbud/peril/internal/controller/dispatch"
	"github.com/busbud/peril/internal/controller/installation"
	"github.com/busbud/peril/internal/controller/webhook"
	internallog "github.com/busbud/peril/internal/log"
	perilerrors "github.com/busbud/peril/pkg/errors"
)

// Dispatcher starts runs for domain events.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.RunBootstrap, error)
}

// Recorder stores webhooks for installations that are recording.
type Recorder interface {
	MaybeRecord(ctx context.Context, inst *installation.Installation, event, deliveryID string, payload []byte) (bool, error)
	Replay(ctx context.Context, installationID int64, deliveryID string) (*backend.RecordedWebhook, error)
}

// SettingsHandler re-syncs settings when an event changed the settings file.
type SettingsHandler interface {
	HandleEvent(ctx context.Context, inst *installation.Installation, event string, body []byte) (bool, error)
}

// TokenCache drops cached GitHub credentials of removed installations.
type TokenCache interface {
	Forget(installationID int64)
}

// Deps are the collaborators of a Router. Recorder, Settings and Tokens
// are optional.
type Deps struct {
	Store      backend.InstallationStore
	Dispatcher Dispatcher
	Recorder   Recorder
	Settings   SettingsHandler
	Tokens     TokenCache
	Logger     *slog.Logger
}

// Router implements webhook.Router.
type Router struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
}

var _ webhook.Router = (*Router)(nil)

// New creates a Router.
func New(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		deps:   deps,
		logger: logger.With(slog.String("component", "router")),
		tracer: otel.Tracer("github.com/busbud/peril/router"),
	}
}

// Route handles one delivery.
func (r *Router) Route(ctx context.Context, d webhook.Delivery) (webhook.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("peril.event", d.Event),
			attribute.String("peril.delivery_id", d.DeliveryID),
		))
	defer span.End()

	resp, err := r.route(ctx, d, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(attribute.String("peril.action", string(resp.Action)))
	return resp, nil
}

// Redeliver routes a recorded webhook again as a fresh run. It is not
// recorded a second time.
func (r *Router) Redeliver(ctx context.Context, installationID int64, deliveryID string) (webhook.Response, error) {
	if r.deps.Recorder == nil {
		return webhook.Response{}, &perilerrors.ConfigError{Key: "recorder", Reason: "webhook recording is not enabled"}
	}
	recorded, err := r.deps.Recorder.Replay(ctx, installationID, deliveryID)
	if err != nil {
		return webhook.Response{}, err
	}

	event, _, _ := strings.Cut(recorded.Event, ".")
	ctx, span := r.tracer.Start(ctx, "router.redeliver",
		trace.WithAttributes(
			attribute.Int64("peril.installation_id", installationID),
			attribute.String("peril.event", recorded.Event),
			attribute.String("peril.delivery_id", deliveryID),
		))
	defer span.End()

	return r.route(ctx, webhook.Delivery{Event: event, DeliveryID: deliveryID, Body: recorded.Payload}, false)
}

func (r *Router) route(ctx context.Context, d webhook.Delivery, record bool) (webhook.Response, error) {
	env, err := webhook.ParseEnvelope(d.Body)
	if err != nil {
		return webhook.Response{}, &perilerrors.ValidationError{Field: "body", Message: err.Error()}
	}

	switch d.Event {
	case webhook.EventPing:
		return webhook.Response{Action: webhook.ActionIgnored, Message: "pong"}, nil
	case webhook.EventInstallation:
		return r.installationEvent(ctx, env)
	}

	id, ok := env.InstallationID()
	if !ok {
		return webhook.Response{}, &perilerrors.UnknownInstallationError{}
	}
	inst, err := r.deps.Store.GetInstallation(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return webhook.Response{}, &perilerrors.UnknownInstallationError{InstallationID: id}
	}
	if err != nil {
		return webhook.Response{}, fmt.Errorf("loading installation: %w", err)
	}

	event := webhook.QualifiedEvent(d.Event, env.Action)
	logger := internallog.WithInstallation(r.logger, id).With(
		slog.String(internallog.EventKey, event),
		slog.String(internallog.DeliveryIDKey, d.DeliveryID))

	if record && r.deps.Recorder != nil {
		if _, err := r.deps.Recorder.MaybeRecord(ctx, inst, event, d.DeliveryID, d.Body); err != nil {
			logger.Error("failed to record webhook", internallog.Error(err))
		}
	}

	if r.deps.Settings != nil {
		if _, err := r.deps.Settings.HandleEvent(ctx, inst, d.Event, d.Body); err != nil {
			logger.Error("failed to update settings", internallog.Error(err))
		}
	}

	bootstrap, err := r.deps.Dispatcher.Dispatch(ctx, dispatch.Request{
		Event:        d.Event,
		Action:       env.Action,
		DeliveryID:   d.DeliveryID,
		Installation: inst,
		Payload:      d.Body,
	})
	if errors.Is(err, dispatch.ErrNothingToRun) {
		logger.Debug("no rules matched")
		return webhook.Response{Action: webhook.ActionNothingToRun}, nil
	}
	if err != nil {
		return webhook.Response{}, perilerrors.Wrapf(err, "dispatching %s", event)
	}

	return webhook.Response{
		Action: webhook.ActionDispatched,
		RunID:  bootstrap.PerilSettings.PerilRunID,
	}, nil
}

func (r *Router) installationEvent(ctx context.Context, env *webhook.Envelope) (webhook.Response, error) {
	id, ok := env.InstallationID()
	if !ok {
		return webhook.Response{}, &perilerrors.ValidationError{Field: "installation.id", Message: "is required"}
	}
	logger := internallog.WithInstallation(r.logger, id)

	switch env.Action {
	case webhook.ActionCreated:
		var login, avatar string
		if acct := env.Installation.Account; acct != nil {
			login, avatar = acct.Login, acct.AvatarURL
		}
		created, err := r.deps.Store.CreateInstallation(ctx, installation.New(id, login, avatar))
		if err != nil {
			return webhook.Response{}, fmt.Errorf("creating installation: %w", err)
		}
		if !created {
			logger.Info("installation already exists")
			return webhook.Response{Action: webhook.ActionAlreadyExists}, nil
		}
		logger.Info("installation created", "login", login)
		return webhook.Response{Action: webhook.ActionCreatedInstallation}, nil

	case webhook.ActionDeleted:
		deleted, err := r.deps.Store.DeleteInstallation(ctx, id)
		if err != nil {
			return webhook.Response{}, fmt.Errorf("deleting installation: %w", err)
		}
		if r.deps.Tokens != nil {
			r.deps.Tokens.Forget(id)
		}
		if !deleted {
			return webhook.Response{Action: webhook.ActionIgnored, Message: "installation was not known"}, nil
		}
		logger.Info("installation deleted")
		return webhook.Response{Action: webhook.ActionDeletedInstallation}, nil
	}

	return webhook.Response{Action: webhook.ActionIgnored, Message: "installation action " + env.Action}, nil
}
