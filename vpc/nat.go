// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2025 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vpc

import (
	"errors"
	"sync"

	"github.com/noisysockets/vswitch"
)

// NATLayerName is the name of the source NAT layer.
const NATLayerName = "nat"

// ErrNoFreePorts is returned when the SNAT port pool is exhausted.
var ErrNoFreePorts = errors.New("no free NAT ports")

// NATPool leases transport ports from the guest's slice of the shared
// external IP's port space.
type NATPool struct {
	mu   sync.Mutex
	free []uint16
}

// NewNATPool creates a pool over an inclusive port range.
func NewNATPool(r vswitch.PortRange) *NATPool {
	free := make([]uint16, 0, int(r.To)-int(r.From)+1)
	// Stored top down, so Lease (which pops the end) hands out ports
	// from the bottom of the range up.
	for port := r.To; ; port-- {
		free = append(free, port)
		if port == r.From {
			break
		}
	}
	return &NATPool{free: free}
}

// Lease takes a port from the pool.
func (p *NATPool) Lease() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrNoFreePorts
	}
	port := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return port, nil
}

// Release returns a port to the pool.
func (p *NATPool) Release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, port)
}

// Free returns the number of leasable ports.
func (p *NATPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

var _ vswitch.FlowState = (*natLease)(nil)

// natLease ties a leased port's lifetime to its flow entry.
type natLease struct {
	pool *NATPool
	port uint16
}

func (l *natLease) Release() {
	l.pool.Release(l.port)
}

var _ vswitch.StatefulGen = (*snatAction)(nil)

// snatAction rewrites an outbound flow's source to the external IP and
// a leased port; the reverse transform restores the guest address on
// return traffic.
type snatAction struct {
	cfg  *SNATConfig
	pool *NATPool
}

func (a *snatAction) GenDesc(id vswitch.FlowID, _ *vswitch.ParsedFrame, _ *vswitch.Meta) (vswitch.StatefulDesc, error) {
	port, err := a.pool.Lease()
	if err != nil {
		return vswitch.StatefulDesc{}, err
	}

	externalIP := a.cfg.ExternalIP
	guestIP := id.Src
	guestPort := id.SrcPort

	return vswitch.StatefulDesc{
		Out: vswitch.Transform{
			IPSrc:   &externalIP,
			SrcPort: &port,
		},
		In: vswitch.Transform{
			IPDst:   &guestIP,
			DstPort: &guestPort,
		},
		State: &natLease{pool: a.pool, port: port},
	}, nil
}

// SetupNAT adds the source NAT layer. Only internet-bound flows (as
// decided by the router) are translated; everything else passes
// through.
func SetupNAT(pb *vswitch.PortBuilder, cfg *Config, flowTableSize int) error {
	l, err := pb.AddLayer(NATLayerName, vswitch.LayerConfig{
		DefaultIn:     vswitch.DefaultAllow,
		DefaultOut:    vswitch.DefaultAllow,
		FlowTableSize: flowTableSize,
	})
	if err != nil {
		return err
	}
	if cfg.SNAT == nil {
		return nil
	}

	snat := vswitch.Stateful(&snatAction{
		cfg:  cfg.SNAT,
		pool: NewNATPool(cfg.SNAT.Ports),
	})
	l.RegisterAction("snat", snat)

	_, err = pb.AddRule(NATLayerName, vswitch.Outbound,
		vswitch.NewRule(10, snat,
			vswitch.MatchMeta(RouterTargetKey, RouterTarget{Kind: TargetInternetGateway}.Encode())))
	return err
}
