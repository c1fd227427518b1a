// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"sync"

	"github.com/experiment-suite/fleetsched/lib/session"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// A SessionFactory creates a session for a machine. Implemented by
// *session.Factory and test stubs.
type SessionFactory interface {
	New(fleet.MachineAddress) (session.Session, error)
}

// A Pool keeps one open session per machine, creating sessions on
// first use. A machine whose session cannot be created is retried on
// the next call.
type Pool struct {
	factory  SessionFactory
	sessions map[fleet.MachineAddress]session.Session
	mtx      sync.Mutex
}

// NewPool returns a Pool that creates sessions using factory.
func NewPool(factory SessionFactory) *Pool {
	return &Pool{
		factory:  factory,
		sessions: map[fleet.MachineAddress]session.Session{},
	}
}

// Session returns the session for addr, connecting if needed.
func (p *Pool) Session(addr fleet.MachineAddress) (session.Session, error) {
	p.mtx.Lock()
	sess, ok := p.sessions[addr]
	p.mtx.Unlock()
	if ok {
		return sess, nil
	}
	sess, err := p.factory.New(addr)
	if err != nil {
		return nil, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if existing, ok := p.sessions[addr]; ok {
		// Another goroutine connected first.
		go sess.Close()
		return existing, nil
	}
	p.sessions[addr] = sess
	return sess, nil
}

// Close closes all sessions.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for addr, sess := range p.sessions {
		sess.Close()
		delete(p.sessions, addr)
	}
}
