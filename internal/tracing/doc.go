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

/*
Package tracing sets up OpenTelemetry tracing for perild.

# Overview

Setup installs a global TracerProvider and the W3C trace-context
propagator. Components create spans with otel.Tracer; this package only
owns export and HTTP propagation:

  - Setup and Provider: SDK tracer provider with a batch exporter
  - Exporters: "otlp-http" for a collector, "console" for local debugging
  - Middleware: a server span per request, continuing inbound traceparent

# Quick Start

	provider, err := tracing.Setup(ctx, tracing.Config{
	    ServiceName: "perild",
	    Exporter:    "otlp-http",
	    Endpoint:    "localhost:4318",
	    SampleRate:  1.0,
	})
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

	handler := tracing.Middleware(mux)

Outbound requests made with internal/httpclient inject the current span
context so GitHub, Slack and Lambda calls join the request trace.
*/
package tracing
