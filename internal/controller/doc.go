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
Package controller wires perild together and owns the HTTP server lifecycle.

# Architecture

The Controller builds every component from one config.Config:

  - Store: installation, webhook, run and task persistence (sqlite, postgres or memory)
  - Webhook ingress and router: signature check, installation lifecycle, domain events
  - Dispatcher: bootstrap assembly and backend selection (local subprocess or Lambda)
  - Settings updater: fetches settings files, optionally watching file:// references
  - Scheduler: cron-keyed tasks and one-off scheduled tasks
  - Control API: run-unit callbacks and the management surface

# Usage

	cfg, _ := config.Load("")
	c, err := controller.New(cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    log.Fatal(err)
	}
	go c.Start(ctx)
	<-ctx.Done()
	c.Shutdown(context.Background())
*/
package controller
