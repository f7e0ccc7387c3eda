// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command regpilot runs the registration pilot service.
//
//	regpilot serve --config /etc/regpilot/regpilot.yaml
//	regpilot check-config --config /etc/regpilot/regpilot.yaml
//	regpilot hash-key <api-key>
//	regpilot sample-payload
package main

import (
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	code := 0
	if err := newRootCmd().Execute(); err != nil {
		code = 1
	}
	memguard.Purge()
	os.Exit(code)
}
