// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/ragforge/ingest/pkg/ingest"
)

// scanProgress shows an indeterminate spinner-style bar while the initial
// ingestion runs. Disabled when --json/--quiet are set or stderr is not a
// TTY (piped output, CI environments).
type scanProgress struct {
	bar     *progressbar.ProgressBar
	done    chan struct{}
	enabled bool
}

func newScanProgress(globals GlobalFlags, cfg *ingest.Config) *scanProgress {
	enabled := !globals.Quiet && isatty.IsTerminal(os.Stderr.Fd())
	if !enabled {
		return &scanProgress{enabled: false}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("ingesting "+cfg.ProjectID),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionEnableColorCodes(!globals.NoColor),
		progressbar.OptionClearOnFinish(),
	)
	return &scanProgress{bar: bar, done: make(chan struct{}), enabled: true}
}

func (p *scanProgress) start() {
	if !p.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				_ = p.bar.Add(1)
			}
		}
	}()
}

func (p *scanProgress) finish() {
	if !p.enabled {
		return
	}
	close(p.done)
	_ = p.bar.Finish()
}
