// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vswitch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExpiryRunner drives the periodic flow expiry tick for a set of ports.
// Kernel embeddings supply their own tick; hosted embeddings use this.
type ExpiryRunner struct {
	logger   *slog.Logger
	clock    Clock
	interval time.Duration

	tasks       *errgroup.Group
	tasksCtx    context.Context
	tasksCancel context.CancelFunc

	ports chan *Port
}

// NewExpiryRunner starts a background task sweeping each registered
// port's flow tables once per interval.
func NewExpiryRunner(ctx context.Context, logger *slog.Logger, clock Clock, interval time.Duration) *ExpiryRunner {
	if interval <= 0 {
		interval = time.Second
	}

	tasksCtx, tasksCancel := context.WithCancel(ctx)
	tasks, tasksCtx := errgroup.WithContext(tasksCtx)

	r := &ExpiryRunner{
		logger:      logger,
		clock:       clock,
		interval:    interval,
		tasks:       tasks,
		tasksCtx:    tasksCtx,
		tasksCancel: tasksCancel,
		ports:       make(chan *Port),
	}

	tasks.Go(r.run)
	return r
}

// Register adds a port to the sweep.
func (r *ExpiryRunner) Register(p *Port) {
	select {
	case r.ports <- p:
	case <-r.tasksCtx.Done():
	}
}

// Close stops the sweep.
func (r *ExpiryRunner) Close() error {
	r.tasksCancel()
	return r.tasks.Wait()
}

func (r *ExpiryRunner) run() error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var ports []*Port
	for {
		select {
		case <-r.tasksCtx.Done():
			return nil
		case p := <-r.ports:
			ports = append(ports, p)
		case <-ticker.C:
			now := r.clock.Now()
			for _, p := range ports {
				p.ExpireFlows(now)
			}
			r.logger.Debug("Expired idle flows",
				slog.Int("ports", len(ports)))
		}
	}
}
