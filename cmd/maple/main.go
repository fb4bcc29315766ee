// Command maple runs a reactive OpenFlow controller: a learning-switch
// handler compiled against every connected datapath through the
// trace-tree runtime.
package main

import (
	"flag"
	"time"

	"github.com/netrack/maple/maple"
	"github.com/netrack/maple/of"
	"github.com/netrack/maple/ofp"
	"github.com/netrack/maple/stp"
)

// learnedEntryIdleTimeout is how long a learning-switch flow entry
// survives with no matching traffic before the switch evicts it and
// the next packet for that path is reprocessed from scratch.
const learnedEntryIdleTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg := maple.DefaultConfig()
	if *configPath != "" {
		loaded, err := maple.LoadConfig(*configPath)
		if err != nil {
			maple.Logger.Fatal("load config", "err", err)
		}
		cfg = loaded
	}
	maple.SetLogLevel(cfg.LogLevel)

	switches := maple.NewSwitchSet()
	backend := maple.NewBackend(switches, ofp.Table(0))
	runtime := maple.NewRuntime(backend, cfg.Priority)

	var engine *stp.Engine
	if cfg.STP != nil {
		engine = stp.NewEngine(cfg.STP.BridgePriority)
	}

	pipeline := maple.NewPipeline(switches, backend, runtime, ofp.Table(0))
	if err := pipeline.RegisterHandler("learning", learningSwitch(engine)); err != nil {
		maple.Logger.Fatal("register handler", "err", err)
	}
	pipeline.Start([]string{"learning"})

	mux := of.NewTypeMux()
	pipeline.Register(mux)

	srv := &of.Server{Addr: cfg.ListenAddr, Handler: mux}

	maple.Logger.Info("listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil {
		maple.Logger.Fatal("serve", "err", err)
	}
}

// learningSwitch returns a handler that floods unknown destinations
// and, once a source address has been seen on a port, unicasts future
// traffic for that destination straight there.
//
// engine is accepted but not consulted: this controller feeds it no
// switch or link events, and broadcast decisions flood on every port
// rather than being narrowed to the spanning tree's forwarding ports,
// which would also need the set of live ports on a datapath that this
// controller does not learn (see DESIGN.md on the skipped
// features-reply handshake).
func learningSwitch(engine *stp.Engine) maple.HandlerFunc {
	type key struct {
		dpid uint64
		mac  string
	}
	table := make(map[key]ofp.PortNo)
	_ = engine

	return func(pkt maple.Packet, flow *maple.Flow, decision maple.Decision) maple.Decision {
		if decision.IsReturn() {
			return decision
		}

		dpid := pkt.SwitchID()

		src, _ := pkt.Read(maple.FieldIDFromXM(ofp.XMTypeEthSrc))
		dst, _ := pkt.Read(maple.FieldIDFromXM(ofp.XMTypeEthDst))
		inPortRaw, _ := pkt.Read(maple.FieldIDFromXM(ofp.XMTypeInPort))
		inPort := ofp.PortNo(ofp.XMValue(inPortRaw).UInt32())

		if len(src) > 0 {
			table[key{dpid, string(src)}] = inPort
		}

		if len(dst) > 0 {
			if port, ok := table[key{dpid, string(dst)}]; ok {
				return maple.Unicast(port).IdleTimeout(learnedEntryIdleTimeout)
			}
		}

		return maple.Broadcast().IdleTimeout(learnedEntryIdleTimeout)
	}
}
