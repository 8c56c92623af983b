package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/entity"
	wire "github.com/QYUbit/replicate/pkg/messages/instance"
	"github.com/QYUbit/replicate/pkg/priority"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/unreliable"
)

// mutationsBudget leaves room for the envelope of a Mutations datagram.
const mutationsBudget = transport.MaxDatagramSize - 64

type pendingMutation struct {
	state datamodel.State
	prio  datamodel.Priority
}

// network is the state owned by the network goroutine of an Instance.
type network struct {
	i      *Instance
	f      *instanceFramed
	dgrams *unreliable.Datagrams

	remote *datamodel.RemoteChanges

	pending map[entity.Id]pendingMutation
	sched   *priority.Scheduler[entity.Id]
	primed  bool

	sendSeq  uint32
	recvSeq  uint32
	received bool
}

func newNetwork(i *Instance, f *instanceFramed, dgrams *unreliable.Datagrams) *network {
	return &network{
		i:       i,
		f:       f,
		dgrams:  dgrams,
		remote:  datamodel.NewRemoteChanges(),
		pending: make(map[entity.Id]pendingMutation),
		sched:   priority.NewScheduler[entity.Id](),
	}
}

func (n *network) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		n.i.conn.CloseWithError(transport.CodeNoError, "client closed")
		n.i.state.set(StateClosed)
		close(n.i.done)
	}()

	reliable := make(chan wire.Clientbound, 64)
	datagrams := make(chan wire.Datagram, 64)
	readErr := make(chan error, 1)
	go n.readReliable(ctx, reliable, readErr)
	go n.readDatagrams(ctx, datagrams)

	ticker := time.NewTicker(n.i.cfg.TickInterval)
	defer ticker.Stop()

	n.sendPrime()

	for {
		select {
		case <-n.i.stop:
			n.i.logger.Debug("instance connection closed by client")
			return
		case reply := <-n.i.flushReq:
			reply <- n.remote
			n.remote = datamodel.NewRemoteChanges()
		case local := <-n.i.local:
			if err := n.sendLocal(local); err != nil {
				n.i.err = err
				return
			}
		case msg := <-reliable:
			if err := n.applyReliable(msg); err != nil {
				n.i.err = err
				return
			}
		case err := <-readErr:
			n.i.logger.Debug("instance connection lost", "error", err)
			n.i.err = err
			return
		case d := <-datagrams:
			n.applyDatagram(d)
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *network) readReliable(ctx context.Context, out chan<- wire.Clientbound, errc chan<- error) {
	for {
		frame, err := n.f.Recv()
		if err == nil {
			var msg wire.Clientbound
			msg, err = frame.Unwrap()
			if err == nil {
				select {
				case out <- msg:
					continue
				case <-ctx.Done():
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		errc <- fmt.Errorf("failed to receive instance message: %w", err)
		return
	}
}

func (n *network) readDatagrams(ctx context.Context, out chan<- wire.Datagram) {
	for {
		b, err := n.dgrams.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.i.logger.Debug("stopped receiving datagrams", "error", err)
			}
			return
		}

		var frame wire.DatagramFrame
		if err := n.i.cfg.Codec.Unmarshal(b, &frame); err != nil {
			n.i.logger.Debug("dropping malformed datagram", "error", err)
			continue
		}
		msg, err := frame.Unwrap()
		if err != nil {
			n.i.logger.Debug("dropping malformed datagram", "error", err)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (n *network) applyReliable(msg wire.Clientbound) error {
	switch msg := msg.(type) {
	case wire.EntitiesSpawned:
		for idx, state := range msg.States {
			n.remote.Spawn(entity.Id{Namespace: msg.Namespace, Idx: idx}, datamodel.EntityData{State: state})
		}
	case wire.EntitiesUpdated:
		for idx, state := range msg.States {
			n.remote.Update(entity.Id{Namespace: msg.Namespace, Idx: idx}, state)
		}
	case wire.EntitiesDespawned:
		for _, idx := range msg.Entities {
			id := entity.Id{Namespace: msg.Namespace, Idx: idx}
			n.remote.Despawn(id, nil)
			n.forget(id)
		}
	default:
		return &UnexpectedMessageError{Expected: "entity message", Got: msg}
	}
	return nil
}

func (n *network) applyDatagram(msg wire.Datagram) {
	switch msg := msg.(type) {
	case wire.Prime:
		if !n.primed {
			n.i.logger.Debug("unreliable channel primed")
		}
		n.primed = true
	case wire.Mutations:
		if n.received && !wire.SeqNewer(msg.Seq, n.recvSeq) {
			return
		}
		n.recvSeq, n.received = msg.Seq, true
		for _, e := range msg.Entities {
			if len(e.State) > 0 {
				n.remote.Update(e.Id(), e.State)
			}
		}
	}
}

// sendLocal sends spawns, reliable updates and despawns in that order and
// queues unreliable updates for the next ticks.
func (n *network) sendLocal(local *datamodel.LocalChanges) error {
	if len(local.Spawns) > 0 {
		states := make(map[entity.Index]datamodel.State, len(local.Spawns))
		for e, state := range local.Spawns {
			if m, ok := local.Mutations[e]; ok {
				// Spawn with the latest state instead of racing it.
				state = m.State
			}
			states[e.Idx] = state
		}
		if err := n.send(wire.SpawnEntities{States: states}); err != nil {
			return err
		}
	}

	updates := make(map[entity.Namespace]map[entity.Index]datamodel.State)
	for e, m := range local.Mutations {
		if _, spawned := local.Spawns[e]; spawned {
			continue
		}
		id := local.WireId(e)
		size := wire.EstimateSize(wire.EntityState{State: m.State})
		if m.Kind == datamodel.Unreliable && size <= mutationsBudget {
			n.pending[id] = pendingMutation{state: m.State, prio: m.SendPrio}
			continue
		}
		n.forget(id)
		if updates[id.Namespace] == nil {
			updates[id.Namespace] = make(map[entity.Index]datamodel.State)
		}
		updates[id.Namespace][id.Idx] = m.State
	}
	for _, ns := range slices.Sorted(maps.Keys(updates)) {
		if err := n.send(wire.UpdateEntities{Namespace: ns, States: updates[ns]}); err != nil {
			return err
		}
	}

	despawns := make(map[entity.Namespace][]entity.Index)
	for e := range local.Despawns {
		id := local.WireId(e)
		n.forget(id)
		despawns[id.Namespace] = append(despawns[id.Namespace], id.Idx)
	}
	for _, ns := range slices.Sorted(maps.Keys(despawns)) {
		idxs := despawns[ns]
		slices.Sort(idxs)
		if err := n.send(wire.DespawnEntities{Namespace: ns, Entities: idxs}); err != nil {
			return err
		}
	}

	if err := n.f.Flush(); err != nil {
		return fmt.Errorf("failed to send instance messages: %w", err)
	}
	return nil
}

func (n *network) send(msg wire.Serverbound) error {
	frame, err := wire.WrapServerbound(msg)
	if err != nil {
		return err
	}
	if err := n.f.Send(frame); err != nil {
		return fmt.Errorf("failed to send instance message: %w", err)
	}
	return nil
}

func (n *network) forget(id entity.Id) {
	delete(n.pending, id)
	n.sched.Forget(id)
}

func (n *network) sendPrime() {
	if err := n.sendDatagram(wire.Prime{ClientId: n.i.clientId}); err != nil {
		n.i.logger.Debug("failed to send prime", "error", err)
	}
}

// tick sends the most urgent pending unreliable updates. Until the server
// has echoed the prime, it is sent again every tick.
func (n *network) tick() {
	if !n.primed {
		n.sendPrime()
	}
	if len(n.pending) == 0 {
		return
	}

	candidates := make([]priority.Candidate[entity.Id], 0, len(n.pending))
	for id, m := range n.pending {
		candidates = append(candidates, priority.Candidate[entity.Id]{
			Key:      id,
			Priority: m.prio,
			Size:     wire.EstimateSize(wire.EntityState{State: m.state}),
		})
	}
	keys := n.sched.Select(candidates, mutationsBudget)
	if len(keys) == 0 {
		return
	}

	n.sendSeq++
	batch := wire.Mutations{Seq: n.sendSeq, Entities: make([]wire.EntityState, 0, len(keys))}
	for _, id := range keys {
		batch.Entities = append(batch.Entities, wire.EntityState{
			Namespace: id.Namespace,
			Idx:       id.Idx,
			State:     n.pending[id].state,
		})
		delete(n.pending, id)
	}

	if err := n.sendDatagram(batch); err != nil {
		n.i.logger.Debug("failed to send mutations", "error", err)
	}
}

func (n *network) sendDatagram(msg wire.Datagram) error {
	frame, err := wire.WrapDatagram(msg)
	if err != nil {
		return err
	}
	b, err := n.i.cfg.Codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode datagram: %w", err)
	}
	return n.dgrams.Send(b)
}
