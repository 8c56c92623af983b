// Package instance holds the authoritative state of instances on the server
// and replicates it between the clients connected to them.
package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages"
	wire "github.com/QYUbit/replicate/pkg/messages/instance"
	"github.com/QYUbit/replicate/pkg/priority"
	"github.com/QYUbit/replicate/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// mutationsBudget leaves room for the envelope of a Mutations datagram.
const mutationsBudget = transport.MaxDatagramSize - 64

var ErrInstanceClosed = errors.New("instance is closed")

type Config struct {
	// TickInterval is the period of unreliable state pushes.
	TickInterval time.Duration
	Codec        framed.Codec
	// OutboundQueueLen is the number of reliable messages queued for a
	// client before it is disconnected as too slow.
	OutboundQueueLen int
	Logger           axlog.Logger
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.Codec == nil {
		c.Codec = framed.JSON
	}
	if c.OutboundQueueLen <= 0 {
		c.OutboundQueueLen = 1024
	}
	c.Logger = axlog.OrNop(c.Logger)
	return c
}

// Instance is the server side authority of one instance. Every connected
// client owns a namespace, and the entities it spawns live there.
type Instance struct {
	id     ids.InstanceId
	cfg    Config
	logger axlog.Logger

	mu       sync.Mutex
	entities map[entity.Id]datamodel.EntityData
	members  map[entity.Namespace]*member
	nextNs   entity.Namespace
	closed   bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an instance and starts its tick loop.
func New(id ids.InstanceId, cfg Config) *Instance {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		id:       id,
		cfg:      cfg,
		logger:   axlog.With(cfg.Logger, "instance", id),
		entities: make(map[entity.Id]datamodel.EntityData),
		members:  make(map[entity.Namespace]*member),
		nextNs:   1,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go i.run(ctx)
	return i
}

func (i *Instance) ID() ids.InstanceId {
	return i.id
}

func (i *Instance) MemberCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.members)
}

// Len returns the number of entities across all namespaces.
func (i *Instance) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entities)
}

// State returns a copy of the authoritative state of id.
func (i *Instance) State(id entity.Id) (datamodel.State, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	data, ok := i.entities[id]
	if !ok {
		return nil, false
	}
	return data.State.Clone(), true
}

// Close disconnects all clients and stops the tick loop.
func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		i.cancel()
		<-i.done

		i.mu.Lock()
		i.closed = true
		members := slices.Collect(maps.Values(i.members))
		i.mu.Unlock()

		for _, m := range members {
			m.close(transport.CodeShutdown, "instance closed")
		}
	})
}

// Serve runs the instance protocol on conn until the client disconnects or
// violates the protocol. The connection is closed when Serve returns.
func (i *Instance) Serve(ctx context.Context, conn transport.Conn) error {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to accept instance stream: %w", err)
	}
	f := framed.New[wire.ServerboundFrame, wire.ClientboundFrame](stream, framed.WithCodec(i.cfg.Codec))

	hs, err := i.handshake(f)
	if err != nil {
		conn.CloseWithError(transport.CodeProtocolViolation, err.Error())
		return err
	}

	m, err := i.join(conn, hs.ClientId)
	if err != nil {
		conn.CloseWithError(transport.CodeShutdown, err.Error())
		return err
	}
	defer i.leave(m)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		m.close(transport.CodeNoError, "")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return i.readReliable(m, f)
	})
	g.Go(func() error {
		defer cancel()
		return i.writeReliable(gctx, m, f)
	})
	g.Go(func() error {
		defer cancel()
		return i.readDatagrams(gctx, m)
	})
	return g.Wait()
}

func (i *Instance) handshake(f *framed.Framed[wire.ServerboundFrame, wire.ClientboundFrame]) (wire.HandshakeRequest, error) {
	frame, err := f.Recv()
	if err != nil {
		return wire.HandshakeRequest{}, fmt.Errorf("failed to receive handshake request: %w", err)
	}
	msg, err := frame.Unwrap()
	if err != nil {
		return wire.HandshakeRequest{}, fmt.Errorf("failed to receive handshake request: %w", err)
	}
	hs, ok := msg.(wire.HandshakeRequest)
	if !ok {
		return wire.HandshakeRequest{}, messages.ErrHandshakeExpected
	}
	return hs, nil
}

func (i *Instance) join(conn transport.Conn, clientId ids.ClientId) (*member, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, ErrInstanceClosed
	}

	ns := i.nextNs
	i.nextNs++
	m := newMember(ns, clientId, conn, i.cfg.OutboundQueueLen, i.logger)

	m.push(wire.HandshakeResponse{Namespace: ns})
	for _, spawned := range i.snapshot() {
		if !m.push(spawned) {
			return nil, fmt.Errorf("instance state does not fit into the outbound queue of %d messages", i.cfg.OutboundQueueLen)
		}
	}
	i.members[ns] = m

	m.logger.Info("client joined", "remote", conn.RemoteAddr())
	return m, nil
}

// snapshot returns one spawn message per populated namespace, ordered by
// namespace. Callers hold i.mu.
func (i *Instance) snapshot() []wire.EntitiesSpawned {
	byNs := make(map[entity.Namespace]map[entity.Index]datamodel.State)
	for id, data := range i.entities {
		states, ok := byNs[id.Namespace]
		if !ok {
			states = make(map[entity.Index]datamodel.State)
			byNs[id.Namespace] = states
		}
		states[id.Idx] = data.State
	}

	out := make([]wire.EntitiesSpawned, 0, len(byNs))
	for _, ns := range slices.Sorted(maps.Keys(byNs)) {
		out = append(out, wire.EntitiesSpawned{Namespace: ns, States: byNs[ns]})
	}
	return out
}

func (i *Instance) leave(m *member) {
	i.mu.Lock()
	if i.members[m.ns] == m {
		delete(i.members, m.ns)
	}

	var despawned []entity.Index
	for id := range i.entities {
		if id.Namespace != m.ns {
			continue
		}
		delete(i.entities, id)
		despawned = append(despawned, id.Idx)
		for _, other := range i.members {
			other.forget(id)
		}
	}
	if len(despawned) > 0 {
		slices.Sort(despawned)
		i.broadcastExcept(m, wire.EntitiesDespawned{Namespace: m.ns, Entities: despawned})
	}
	i.mu.Unlock()

	m.close(transport.CodeNoError, "")
	m.logger.Info("client left", "despawned", len(despawned))
}

// broadcastExcept queues msg for every member but from. Members whose queue
// is full are disconnected. Callers hold i.mu.
func (i *Instance) broadcastExcept(from *member, msg wire.Clientbound) {
	for _, other := range i.members {
		if other == from {
			continue
		}
		if !other.push(msg) {
			other.logger.Warn("outbound queue full, disconnecting client")
			other.close(transport.CodeInternal, "outbound queue full")
		}
	}
}

func (i *Instance) readReliable(m *member, f *framed.Framed[wire.ServerboundFrame, wire.ClientboundFrame]) error {
	for {
		frame, err := f.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || m.closed() {
				m.logger.Debug("peer disconnected")
				return nil
			}
			m.close(transport.CodeProtocolViolation, "malformed frame")
			return fmt.Errorf("failed to receive instance message: %w", err)
		}
		msg, err := frame.Unwrap()
		if err != nil {
			m.close(transport.CodeProtocolViolation, "malformed message")
			return fmt.Errorf("failed to receive instance message: %w", err)
		}

		switch msg := msg.(type) {
		case wire.HandshakeRequest:
			m.close(transport.CodeProtocolViolation, messages.ErrDuplicateHandshake.Error())
			return messages.ErrDuplicateHandshake
		case wire.SpawnEntities:
			i.spawn(m, msg)
		case wire.UpdateEntities:
			i.update(m, msg)
		case wire.DespawnEntities:
			i.despawn(m, msg)
		}
	}
}

func (i *Instance) writeReliable(ctx context.Context, m *member, f *framed.Framed[wire.ServerboundFrame, wire.ClientboundFrame]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.outbound:
			frame, err := wire.WrapClientbound(msg)
			if err != nil {
				return err
			}
			if err := f.SendFlush(frame); err != nil {
				if m.closed() {
					return nil
				}
				return fmt.Errorf("failed to send instance message: %w", err)
			}
		}
	}
}

func (i *Instance) spawn(m *member, msg wire.SpawnEntities) {
	states := nonEmpty(msg.States)
	if len(states) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, state := range states {
		i.entities[entity.Id{Namespace: m.ns, Idx: idx}] = datamodel.EntityData{State: state}
	}
	i.broadcastExcept(m, wire.EntitiesSpawned{Namespace: m.ns, States: states})
}

func (i *Instance) update(m *member, msg wire.UpdateEntities) {
	i.mu.Lock()
	defer i.mu.Unlock()

	applied := make(map[entity.Index]datamodel.State, len(msg.States))
	for idx, state := range nonEmpty(msg.States) {
		id := entity.Id{Namespace: msg.Namespace, Idx: idx}
		data, ok := i.entities[id]
		if !ok {
			continue
		}
		data.State = state
		i.entities[id] = data
		applied[idx] = state
		for _, other := range i.members {
			other.forget(id)
		}
	}
	if len(applied) == 0 {
		return
	}
	i.broadcastExcept(m, wire.EntitiesUpdated{Namespace: msg.Namespace, States: applied})
}

func (i *Instance) despawn(m *member, msg wire.DespawnEntities) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var removed []entity.Index
	for _, idx := range msg.Entities {
		id := entity.Id{Namespace: msg.Namespace, Idx: idx}
		if _, ok := i.entities[id]; !ok {
			continue
		}
		delete(i.entities, id)
		removed = append(removed, idx)
		for _, other := range i.members {
			other.forget(id)
		}
	}
	if len(removed) == 0 {
		return
	}
	i.broadcastExcept(m, wire.EntitiesDespawned{Namespace: msg.Namespace, Entities: removed})
}

func nonEmpty(states map[entity.Index]datamodel.State) map[entity.Index]datamodel.State {
	out := make(map[entity.Index]datamodel.State, len(states))
	for idx, state := range states {
		if len(state) > 0 {
			out[idx] = state
		}
	}
	return out
}

func (i *Instance) readDatagrams(ctx context.Context, m *member) error {
	for {
		b, err := m.dgrams.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || m.closed() {
				return nil
			}
			return err
		}

		var frame wire.DatagramFrame
		if err := i.cfg.Codec.Unmarshal(b, &frame); err != nil {
			m.logger.Debug("dropping malformed datagram", "error", err)
			continue
		}
		msg, err := frame.Unwrap()
		if err != nil {
			m.logger.Debug("dropping malformed datagram", "error", err)
			continue
		}

		switch msg := msg.(type) {
		case wire.Prime:
			i.prime(m, msg)
		case wire.Mutations:
			i.mutate(m, msg)
		}
	}
}

func (i *Instance) prime(m *member, p wire.Prime) {
	if p.ClientId != m.clientId {
		m.logger.Warn("ignoring prime for another client", "prime_client", p.ClientId)
		return
	}

	i.mu.Lock()
	m.primed = true
	i.mu.Unlock()

	if err := i.sendDatagram(m, wire.Prime{ClientId: m.clientId}); err != nil {
		m.logger.Debug("failed to echo prime", "error", err)
	}
}

func (i *Instance) mutate(m *member, batch wire.Mutations) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if m.received && !wire.SeqNewer(batch.Seq, m.recvSeq) {
		return
	}
	m.recvSeq, m.received = batch.Seq, true

	for _, e := range batch.Entities {
		id := e.Id()
		data, ok := i.entities[id]
		if !ok || len(e.State) == 0 {
			continue
		}
		data.State = e.State
		i.entities[id] = data
		for _, other := range i.members {
			if other != m {
				other.dirty[id] = struct{}{}
			}
		}
	}
}

func (i *Instance) sendDatagram(m *member, msg wire.Datagram) error {
	frame, err := wire.WrapDatagram(msg)
	if err != nil {
		return err
	}
	b, err := i.cfg.Codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode datagram: %w", err)
	}
	return m.dgrams.Send(b)
}

func (i *Instance) run(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.tick()
		}
	}
}

// tick sends every primed member the most urgent of the mutations it has
// not seen yet.
func (i *Instance) tick() {
	type outgoing struct {
		m     *member
		batch wire.Mutations
	}

	i.mu.Lock()
	var out []outgoing
	for _, m := range i.members {
		if !m.primed || len(m.dirty) == 0 {
			continue
		}
		if batch, ok := i.batch(m); ok {
			out = append(out, outgoing{m: m, batch: batch})
		}
	}
	i.mu.Unlock()

	for _, o := range out {
		if err := i.sendDatagram(o.m, o.batch); err != nil {
			o.m.logger.Debug("failed to send mutations", "error", err)
		}
	}
}

// batch picks the dirty entities of m that fit into one datagram. Callers
// hold i.mu.
func (i *Instance) batch(m *member) (wire.Mutations, bool) {
	candidates := make([]priority.Candidate[entity.Id], 0, len(m.dirty))
	for id := range m.dirty {
		data, ok := i.entities[id]
		if !ok {
			m.forget(id)
			continue
		}
		size := wire.EstimateSize(wire.EntityState{State: data.State})
		if size > mutationsBudget {
			// Too large for a datagram, the next reliable update carries it.
			m.forget(id)
			continue
		}
		candidates = append(candidates, priority.Candidate[entity.Id]{
			Key:      id,
			Priority: data.SendPrio,
			Size:     size,
		})
	}

	keys := m.sched.Select(candidates, mutationsBudget)
	if len(keys) == 0 {
		return wire.Mutations{}, false
	}

	m.sendSeq++
	batch := wire.Mutations{Seq: m.sendSeq, Entities: make([]wire.EntityState, 0, len(keys))}
	for _, id := range keys {
		batch.Entities = append(batch.Entities, wire.EntityState{
			Namespace: id.Namespace,
			Idx:       id.Idx,
			State:     i.entities[id].State,
		})
		delete(m.dirty, id)
	}
	return batch, true
}
