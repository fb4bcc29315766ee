package maple

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/netrack/maple/of"
	"github.com/netrack/maple/ofp"
)

// HandlerFunc is a named packet-miss handler: it receives the packet
// view, the flow it is being consulted for, and the decision produced
// by the handlers that ran before it, and returns a (possibly
// unchanged) decision to pass to the next one.
type HandlerFunc func(pkt Packet, flow *Flow, decision Decision) Decision

// Pipeline wires the trace-tree runtime and backend to the OpenFlow
// transport: it accepts switch connections, turns packet-in and
// flow-removed messages into Packet/Flow operations, and drives the
// registered handler chain on a true table miss.
//
// Pipeline registers itself on an of.TypeMux as the TypeHello handler
// for a connection, per the of.Handler/Hijacker convention: the first
// message of a session is used to hand the raw connection off to a
// dedicated per-switch read loop, since a reactive controller needs
// to push flow-mods to a switch asynchronously, not just reply to
// the request that is currently being served.
type Pipeline struct {
	switches *SwitchSet
	backend  *Backend
	runtime  *Runtime
	table    ofp.Table

	cookies uint64 // atomic counter

	mu      sync.Mutex
	flows   map[uint64]*Flow
	byName  map[string]HandlerFunc
	order   []string
	started bool
}

// NewPipeline creates a pipeline driving the given backend/runtime/
// switch set. Handlers are added with RegisterHandler and ordered
// with Start before the pipeline accepts connections.
func NewPipeline(switches *SwitchSet, backend *Backend, runtime *Runtime, table ofp.Table) *Pipeline {
	return &Pipeline{
		switches: switches,
		backend:  backend,
		runtime:  runtime,
		table:    table,
		flows:    make(map[uint64]*Flow),
		byName:   make(map[string]HandlerFunc),
	}
}

// RegisterHandler adds a named handler to the pipeline. It is rejected
// with ErrReregistration once the pipeline has started; a name already
// in use overwrites the previous handler under that name and logs a
// warning.
func (p *Pipeline) RegisterHandler(name string, fn HandlerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrReregistration
	}
	if _, dup := p.byName[name]; dup {
		Logger.Warn("handler re-registered", "name", name)
	}
	p.byName[name] = fn
	return nil
}

// Start fixes the execution order of the registered handlers from the
// given names (typically the configuration's pipeline array) and
// marks the pipeline started, after which RegisterHandler is
// rejected. A name with no matching handler, or a name repeated more
// than once, is logged as a warning but does not prevent startup.
func (p *Pipeline) Start(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(names))
	order := make([]string, 0, len(names))

	for _, name := range names {
		if _, ok := p.byName[name]; !ok {
			Logger.Warn("pipeline names unregistered handler", "name", name)
			continue
		}
		if seen[name] {
			Logger.Warn("pipeline names handler more than once", "name", name)
		}
		seen[name] = true
		order = append(order, name)
	}

	p.order = order
	p.started = true
}

// process runs the ordered handler chain against pkt/flow, threading
// each handler's Decision into the next and stopping early once a
// handler marks its decision as a return. A handler panic is
// recovered and returned as an error wrapped in a HandlerError naming the
// offending handler, consistent with the rest of the package
// surfacing failures as errors rather than letting a single
// misbehaving handler take down the read loop.
func (p *Pipeline) process(pkt Packet, flow *Flow) (decision Decision, err error) {
	p.mu.Lock()
	order := p.order
	handlers := p.byName
	p.mu.Unlock()

	decision = Undefined

	for _, name := range order {
		fn := handlers[name]
		decision, err = p.runHandler(name, fn, pkt, flow, decision)
		if err != nil {
			return decision, err
		}
		if decision.IsReturn() {
			break
		}
	}

	return decision, nil
}

func (p *Pipeline) runHandler(name string, fn HandlerFunc, pkt Packet, flow *Flow, prior Decision) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok {
				rerr = fmt.Errorf("%v", r)
			}
			err = &HandlerError{Handler: name, Err: rerr}
		}
	}()

	return fn(pkt, flow, prior), nil
}

// Register hooks the pipeline's bootstrap handler into mux, so every
// connection accepted by an of.Server using mux is adopted by this
// pipeline.
func (p *Pipeline) Register(mux *of.TypeMux) {
	mux.Handle(of.TypeHello, of.HandlerFunc(p.bootstrap))
}

// bootstrap takes over a freshly accepted connection on its first
// message (conventionally TypeHello) and starts a dedicated read loop
// for it. Deriving a datapath identifier from the features-reply
// handshake is not done here; instead
// the remote address is hashed into a stable identifier, which is
// sufficient to distinguish connected switches from one another.
func (p *Pipeline) bootstrap(w of.ResponseWriter, r *of.Request) {
	rwc, _, err := w.Hijack()
	if err != nil {
		Logger.Error("hijack connection", "err", err)
		return
	}

	conn := of.NewConn(rwc)
	dpid := deriveDPID(rwc.RemoteAddr())

	sw := &Switch{Conn: conn, ID: dpid}
	p.switches.Put(sw)

	Logger.Info("switch connected", "dpid", dpid, "addr", rwc.RemoteAddr())

	go p.serveSwitch(sw)
}

func deriveDPID(addr net.Addr) uint64 {
	h := fnv.New64a()
	h.Write([]byte(addr.String()))
	return h.Sum64()
}

func (p *Pipeline) serveSwitch(sw *Switch) {
	defer func() {
		p.switches.Remove(sw.ID)
		sw.Close()
		Logger.Info("switch disconnected", "dpid", sw.ID)
	}()

	if err := p.backend.BarrierRule(sw.ID, 0); err != nil {
		Logger.Error("install table-miss rule", "dpid", sw.ID, "err", err)
	}

	for {
		req, err := sw.Conn.Receive()
		if err != nil {
			return
		}

		if err := p.dispatch(sw, req); err != nil {
			Logger.Error("dispatch request", "dpid", sw.ID, "type", req.Header.Type, "err", err)
		}
	}
}

func (p *Pipeline) dispatch(sw *Switch, req *of.Request) error {
	switch req.Header.Type {
	case of.TypeEchoRequest:
		return p.replyEcho(sw, req)
	case of.TypePacketIn:
		return p.onPacketIn(sw, req)
	case of.TypeFlowRemoved:
		return p.onFlowRemoved(sw, req)
	default:
		return nil
	}
}

func (p *Pipeline) replyEcho(sw *Switch, req *of.Request) error {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	reply, err := of.NewRequest(of.TypeEchoReply, bytes.NewReader(body))
	if err != nil {
		return err
	}
	reply.Header.Set(of.XIDHeaderKey, req.Header.XID)

	if err := sw.Send(reply); err != nil {
		return err
	}
	return sw.Flush()
}

func (p *Pipeline) onPacketIn(sw *Switch, req *of.Request) error {
	var in ofp.PacketIn
	if _, err := in.ReadFrom(req.Body); err != nil {
		return err
	}

	inPort := inPortOf(in.Match)
	pkt := NewTrackedPacket(sw.ID, &in)

	if flow := p.runtime.Run(pkt); flow != nil {
		flow.HandleTableMiss(sw.ID, in.Buffer, inPort, req.Header.XID)
		return sw.Flush()
	}

	flow := NewFlow(p.nextCookie(), p.table)
	flow.RecordMiss(sw.ID, in.Buffer, inPort, req.Header.XID)

	decision, err := p.process(pkt, flow)
	if err != nil {
		return err
	}
	if decision.Tag() == TagUndefined {
		Logger.Warn("packet dropped", "err", ErrUnhandledPacket, "dpid", sw.ID)
		return nil
	}

	if mods := pkt.Mods(); mods.Len() > 0 {
		if err := flow.SetMods(mods); err != nil {
			return err
		}
	}
	if err := flow.SetDecision(decision); err != nil {
		return err
	}

	p.registerFlow(flow)

	if err := p.runtime.Augment(pkt, pkt.Tested(), flow); err != nil {
		if !errors.Is(err, ErrPriorityExceeded) {
			return err
		}

		Logger.Warn("trace priority exceeded, rebalancing", "cookie", flow.Cookie())
		if updateErr := p.runtime.Update(); updateErr != nil {
			return updateErr
		}
		if err := p.runtime.Augment(pkt, pkt.Tested(), flow); err != nil {
			return err
		}
	}

	if decision.Tag() == TagInspect {
		if fn := decision.InspectFunc(); fn != nil {
			next := fn(pkt, flow)
			if err := flow.SetDecision(next); err != nil {
				Logger.Warn("inspect continuation could not replace decision", "cookie", flow.Cookie(), "err", err)
			}
		}
	}

	return sw.Flush()
}

func (p *Pipeline) onFlowRemoved(sw *Switch, req *of.Request) error {
	var fr ofp.FlowRemoved
	if _, err := fr.ReadFrom(req.Body); err != nil {
		return err
	}

	p.mu.Lock()
	flow, ok := p.flows[fr.Cookie]
	p.mu.Unlock()

	if !ok {
		return nil
	}

	flow.OnFlowRemoved(fr.Reason)
	return nil
}

func (p *Pipeline) registerFlow(flow *Flow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flows[flow.Cookie()] = flow
}

func (p *Pipeline) nextCookie() uint64 {
	return atomic.AddUint64(&p.cookies, 1)
}

func inPortOf(m ofp.Match) ofp.PortNo {
	if xm := m.Field(ofp.XMTypeInPort); xm != nil {
		return ofp.PortNo(xm.Value.UInt32())
	}
	return ofp.PortAny
}
