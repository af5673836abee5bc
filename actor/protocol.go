// Copyright 2016 Aleksandr Demakin. All rights reserved.

package actor

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
)

// Protocol is the state shared by all actors. It must be embedded into
// a concrete actor and initialized with Init before use. The tree fields
// are guarded by the channel monitor of the toplevel.
type Protocol struct {
	self     Actor
	kind     Kind
	id       int32
	side     channel.Side
	status   atomic.Int32
	manager  *Protocol
	toplevel *Toplevel
	managed  map[Kind][]*Protocol
	proxy    LifecycleProxy
}

// Init binds the protocol to the actor embedding it.
func (p *Protocol) Init(self Actor, kind Kind) {
	if self.Proto() != p {
		panic("actor: Proto must return the embedded protocol")
	}
	p.self = self
	p.kind = kind
	p.managed = make(map[Kind][]*Protocol)
}

// ID returns the routing id of the actor, or 0 if it is not registered.
// Ids allocated by the parent side are positive, the child side allocates negative ones.
func (p *Protocol) ID() int32 {
	return p.id
}

// Kind returns the protocol kind.
func (p *Protocol) Kind() Kind {
	return p.kind
}

// Side returns the channel side of the tree.
func (p *Protocol) Side() channel.Side {
	return p.side
}

// LinkStatus returns the lifecycle state.
func (p *Protocol) LinkStatus() LinkStatus {
	return LinkStatus(p.status.Load())
}

// CanSend returns true, if the actor is connected.
func (p *Protocol) CanSend() bool {
	return p.LinkStatus() == Connected
}

// CanRecv returns true, if the actor is connected or being destroyed.
func (p *Protocol) CanRecv() bool {
	s := p.LinkStatus()
	return s == Connected || s == Doomed
}

// Manager returns the managing actor, or nil for toplevel actors.
func (p *Protocol) Manager() Actor {
	if p.manager == nil {
		return nil
	}
	return p.manager.self
}

// Toplevel returns the tree the actor belongs to.
func (p *Protocol) Toplevel() *Toplevel {
	return p.toplevel
}

// Managed returns managed actors of the given kind in registration order.
func (p *Protocol) Managed(kind Kind) []Actor {
	if p.toplevel != nil {
		defer p.toplevel.ch.Monitor().Hold()()
	}
	result := make([]Actor, 0, len(p.managed[kind]))
	for _, c := range p.managed[kind] {
		result = append(result, c.self)
	}
	return result
}

// Proxy returns a new reference to the actor. It must be released.
func (p *Protocol) Proxy() (LifecycleProxy, bool) {
	return p.proxy.Clone()
}

// Weak returns a weak reference bound to the actor's executor.
func (p *Protocol) Weak() WeakLifecycleProxy {
	w := WeakLifecycleProxy{proxy: p.proxy}
	if p.toplevel != nil {
		w.target = p.toplevel.target
	}
	return w
}

// advance moves the status forward. It never moves it back.
func (p *Protocol) advance(to LinkStatus) bool {
	for {
		cur := p.status.Load()
		if int32(to) <= cur {
			return false
		}
		if p.status.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// SetManagerAndRegister attaches the actor to the tree of manager.
// If id is 0, a new id is allocated.
func (p *Protocol) SetManagerAndRegister(manager Actor, id int32) error {
	if p.self == nil {
		panic("actor: protocol is not initialized")
	}
	m := manager.Proto()
	tl := m.toplevel
	if tl == nil {
		return errors.Wrap(ErrManagerGone, "manager is not in a tree")
	}
	if p.toplevel != nil {
		return tl.misuse(errors.Errorf("actor %d is already registered", p.id))
	}
	if id == 0 {
		id = tl.nextID()
	}
	defer tl.ch.Monitor().Hold()()
	if m.LinkStatus() >= Doomed {
		return errors.Wrapf(ErrManagerGone, "manager %d is %s", m.id, m.LinkStatus())
	}
	p.id, p.side, p.manager, p.toplevel = id, m.side, m, tl
	if !tl.routes.SetIfAbsent(id, p) {
		p.id, p.manager, p.toplevel = 0, nil, nil
		return errors.Wrapf(wire.ErrFraming, "actor id %d is already in use", id)
	}
	m.managed[p.kind] = append(m.managed[p.kind], p)
	return nil
}

// OnConnected makes a registered actor Connected and creates the reference
// owned by the channel, which is released when the actor is destroyed.
func (p *Protocol) OnConnected() error {
	if p.toplevel == nil {
		return errors.New("actor is not registered")
	}
	if p.LinkStatus() != Inactive {
		return p.toplevel.misuse(errors.Errorf("actor %d is already %s", p.id, p.LinkStatus()))
	}
	p.proxy = p.toplevel.arena.Insert(p.self)
	p.advance(Connected)
	return nil
}

// Send sends an async message to the peer of the actor.
func (p *Protocol) Send(msg *wire.Message) error {
	if !p.CanSend() {
		msg.Close()
		return p.cannotSend()
	}
	msg.Routing = p.id
	return p.toplevel.ch.Send(msg)
}

// Call sends a sync message to the peer of the actor and waits for the reply.
// It must be called on the actor's executor.
func (p *Protocol) Call(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if !p.CanSend() {
		msg.Close()
		return nil, p.cannotSend()
	}
	msg.Routing = p.id
	return p.toplevel.ch.Call(ctx, msg)
}

func (p *Protocol) cannotSend() error {
	err := errors.Wrapf(ErrCannotSend, "actor %d is %s", p.id, p.LinkStatus())
	if p.toplevel == nil {
		return err
	}
	return p.toplevel.misuse(err)
}

// Construct registers child under p, connects it, and asks the peer
// to create the other end with its manager's AllocManaged.
func (p *Protocol) Construct(child Actor) error {
	if !p.CanSend() {
		return p.cannotSend()
	}
	c := child.Proto()
	if err := c.SetManagerAndRegister(p.self, 0); err != nil {
		return err
	}
	if err := c.OnConnected(); err != nil {
		return err
	}
	msg := wire.NewControlMessage(wire.ManagedEndpointBoundType)
	msg.Routing = p.id
	w := wire.NewWriter()
	w.WriteInt32(c.id)
	w.WriteInt32(int32(c.kind))
	err := msg.SetPayload(w)
	if err == nil {
		err = p.toplevel.ch.Send(msg)
	}
	if err != nil {
		c.DestroySubtree(FailedConstructor)
		return errors.Wrap(err, "failed to send constructor")
	}
	return nil
}

// Delete tells the peer to destroy its end and destroys the actor with reason Deletion.
func (p *Protocol) Delete() error {
	if p.manager == nil {
		return errors.New("toplevel actor cannot be deleted, close it instead")
	}
	if !p.CanSend() {
		return p.cannotSend()
	}
	msg := wire.NewControlMessage(wire.ManagedEndpointDroppedType)
	msg.Routing = p.id
	err := p.toplevel.ch.Send(msg)
	p.DestroySubtree(Deletion)
	return err
}

// DestroySubtree dooms the actor with all the actors it manages, and destroys them.
// Managed actors are destroyed before their managers. It does nothing, if the
// actor is already being destroyed.
func (p *Protocol) DestroySubtree(reason DestroyReason) {
	if p.LinkStatus() >= Doomed {
		return
	}
	tl := p.toplevel
	if tl == nil {
		p.advance(Destroyed)
		return
	}
	unlock := tl.ch.Monitor().Hold()
	for _, q := range p.subtreeLocked(nil) {
		q.advance(Doomed)
	}
	unlock()
	p.destroy(reason)
}

// subtreeLocked enumerates the subtree in depth-first pre-order.
func (p *Protocol) subtreeLocked(result []*Protocol) []*Protocol {
	result = append(result, p)
	for _, c := range p.childrenLocked() {
		result = c.subtreeLocked(result)
	}
	return result
}

func (p *Protocol) childrenLocked() []*Protocol {
	kinds := make([]Kind, 0, len(p.managed))
	for kind := range p.managed {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	var result []*Protocol
	for _, kind := range kinds {
		result = append(result, p.managed[kind]...)
	}
	return result
}

func (p *Protocol) destroy(reason DestroyReason) {
	childReason := reason
	if reason == Deletion || reason == FailedConstructor {
		childReason = AncestorDeletion
	}
	unlock := p.toplevel.ch.Monitor().Hold()
	children := p.childrenLocked()
	unlock()
	for _, c := range children {
		c.destroy(childReason)
	}
	p.self.ActorDestroy(reason)
	p.unregister()
	if !p.proxy.Release() {
		p.advance(Destroyed)
	}
}

func (p *Protocol) unregister() {
	tl := p.toplevel
	defer tl.ch.Monitor().Hold()()
	tl.routes.RemoveCb(p.id, func(_ int32, v *Protocol, exists bool) bool {
		return exists && v == p
	})
	if m := p.manager; m != nil {
		siblings := m.managed[p.kind]
		for i, c := range siblings {
			if c == p {
				m.managed[p.kind] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
		if len(m.managed[p.kind]) == 0 {
			delete(m.managed, p.kind)
		}
	}
}
