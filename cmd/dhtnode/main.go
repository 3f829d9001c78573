// Command dhtnode joins the DHT, searches for the swarm of a chat network
// and prints the peers it finds until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/opd-ai/swarmdht/dht"
	"github.com/opd-ai/swarmdht/krpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type cli struct {
	Listen        string        `help:"UDP listen address" default:":6882" env:"DHT_LISTEN"`
	Bootstrap     []string      `help:"Bootstrap nodes (host:port)" default:"router.bittorrent.com:6881,router.utorrent.com:6881,dht.transmissionbt.com:6881" env:"DHT_BOOTSTRAP"`
	NetworkSign   string        `help:"Network signature naming the swarm to search" default:"GEDKEEPER NETWORK" env:"DHT_NETWORK_SIGN"`
	InfoHash      string        `help:"Hex info-hash to search instead of the network swarm"`
	NodeID        string        `help:"Hex node id, random when empty"`
	IPv6          bool          `help:"Use IPv6 instead of IPv4" name:"ipv6"`
	Announce      uint16        `help:"Announce this TCP port to the swarm, 0 announces the UDP source port"`
	NoAnnounce    bool          `help:"Only search, never announce"`
	Interval      time.Duration `help:"Time between swarm searches" default:"5m"`
	RateLimit     float64       `help:"Inbound queries per second per address, 0 disables" default:"10"`
	MetricsListen string        `help:"HTTP listen address for Prometheus metrics, empty disables" env:"DHT_METRICS_LISTEN"`
	LogLevel      string        `help:"Log level" default:"info" enum:"debug,info,warn,error"`
	LogJSON       bool          `help:"Log in JSON format"`
}

func main() {
	var params cli
	kong.Parse(&params, kong.Description("Join the DHT and print peers of a chat swarm."))

	if err := run(params); err != nil {
		logrus.WithError(err).Error("dhtnode failed")
		os.Exit(1)
	}
}

func run(params cli) error {
	level, err := logrus.ParseLevel(params.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if params.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	cfg, infoHash, err := params.config()
	if err != nil {
		return err
	}

	engine, err := dht.NewEngine(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if params.MetricsListen != "" {
		go serveMetrics(ctx, params.MetricsListen)
	}

	engine.OnPeersFound(func(ih krpc.ID, peers []netip.AddrPort) {
		for _, p := range peers {
			fmt.Printf("%s %s\n", ih, p)
		}
	})
	go logEvents(ctx, engine)

	if err := <-engine.JoinNetwork(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer engine.Disconnect()

	logrus.WithFields(logrus.Fields{
		"function":  "run",
		"node_id":   engine.LocalID().String(),
		"local":     engine.LocalAddr(),
		"nodes":     engine.RoutingTable().Len(),
		"info_hash": infoHash.String(),
	}).Info("Joined the DHT")

	ticker := time.NewTicker(params.Interval)
	defer ticker.Stop()
	for {
		search(ctx, engine, infoHash, params)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// config maps the command line onto the engine configuration.
func (c cli) config() (*dht.Config, krpc.ID, error) {
	cfg := dht.DefaultConfig()
	cfg.ListenAddr = c.Listen
	cfg.BootstrapNodes = c.Bootstrap
	cfg.RateLimit = c.RateLimit
	cfg.SwarmRefreshInterval = c.Interval
	if c.IPv6 {
		cfg.Mode = krpc.IPv6
	}
	if c.NodeID != "" {
		id, err := krpc.IDFromHex(c.NodeID)
		if err != nil {
			return nil, krpc.ID{}, fmt.Errorf("node id: %w", err)
		}
		cfg.NodeID = id
	}

	infoHash := krpc.SwarmInfoHash(c.NetworkSign)
	if c.InfoHash != "" {
		ih, err := krpc.IDFromHex(c.InfoHash)
		if err != nil {
			return nil, krpc.ID{}, fmt.Errorf("info-hash: %w", err)
		}
		infoHash = ih
	}
	return cfg, infoHash, nil
}

func search(ctx context.Context, engine *dht.Engine, infoHash krpc.ID, params cli) {
	res := <-engine.FindPeersFor(ctx, infoHash)
	if res.Err != nil {
		if !errors.Is(res.Err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function": "search",
				"error":    res.Err.Error(),
			}).Warn("Swarm search failed")
		}
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "search",
		"peers":    len(res.Peers),
		"nodes":    len(res.Nodes),
	}).Info("Swarm search finished")

	if params.NoAnnounce {
		return
	}
	if err := <-engine.Announce(ctx, infoHash, params.Announce); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function": "search",
			"error":    err.Error(),
		}).Warn("Announce failed")
	}
}

func logEvents(ctx context.Context, engine *dht.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-engine.Events():
			switch ev.Type {
			case dht.EventNetworkError:
				logrus.WithFields(logrus.Fields{
					"function": "logEvents",
					"error":    ev.Err.Error(),
				}).Warn("Network error")
			case dht.EventStateChanged:
				if ev.State == dht.StateIdle && ctx.Err() == nil {
					logrus.WithField("function", "logEvents").Warn("Engine left the network")
				}
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"listen":   addr,
	}).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"error":    err.Error(),
		}).Error("Metrics server failed")
	}
}
