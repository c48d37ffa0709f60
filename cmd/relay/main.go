// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay runs the chat relay service and its maintenance tasks.
//
//	relay serve [--config relay.yaml] [--port 8080] [--log-level info]
//	relay clear --user-id <id>
//
// Every setting can also come from the environment (PORT, VLLM_BASE,
// REDIS_URL, APP_API_KEY, ...).
package main

import (
	"log"
	"os"

	"github.com/AleutianAI/AleutianRelay/services/orchestrator/config"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		log.Printf("Error executing command: %v", err)
		os.Exit(1)
	}
}
