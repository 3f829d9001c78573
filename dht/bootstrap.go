package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// resolveBootstrapNodes turns "host:port" strings into endpoints of the
// engine's address family. Unresolvable entries are reported and skipped.
func (e *Engine) resolveBootstrapNodes(ctx context.Context) ([]krpc.NodeInfo, []error) {
	var (
		nodes []krpc.NodeInfo
		errs  []error
	)
	resolver := net.DefaultResolver
	network := "ip4"
	if e.mode == krpc.IPv6 {
		network = "ip"
	}

	for _, hostport := range e.cfg.BootstrapNodes {
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			errs = append(errs, &BootstrapError{Type: "address", Node: hostport, Cause: err})
			continue
		}
		port, err := resolver.LookupPort(ctx, "udp", portStr)
		if err != nil {
			errs = append(errs, &BootstrapError{Type: "address", Node: hostport, Cause: err})
			continue
		}
		ips, err := resolver.LookupNetIP(ctx, network, host)
		if err != nil || len(ips) == 0 {
			if err == nil {
				err = fmt.Errorf("no %s address", e.mode)
			}
			errs = append(errs, &BootstrapError{Type: "resolve", Node: hostport, Cause: err})
			continue
		}
		addr, err := e.mode.Normalize(ips[0])
		if err != nil {
			errs = append(errs, &BootstrapError{Type: "resolve", Node: hostport, Cause: err})
			continue
		}
		nodes = append(nodes, krpc.NodeInfo{Addr: netip.AddrPortFrom(addr, uint16(port))})
	}
	return nodes, errs
}

// bootstrap asks every bootstrap endpoint for the nodes closest to the
// local id, retrying with backoff until at least one answers.
func (e *Engine) bootstrap(ctx context.Context, s *session) error {
	seeds, errs := e.resolveBootstrapNodes(ctx)
	if len(seeds) == 0 && len(errs) == 0 {
		return fmt.Errorf("%w: no bootstrap nodes configured", ErrBootstrapFailed)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("%w: no usable bootstrap node: %w", ErrBootstrapFailed, errors.Join(errs...))
	}

	backoff := e.cfg.BootstrapBackoff
	for attempt := 1; attempt <= e.cfg.BootstrapAttempts; attempt++ {
		answered, attemptErrs := e.bootstrapRound(ctx, s, seeds)
		if answered > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "bootstrap",
				"attempt":  attempt,
				"answered": answered,
				"nodes":    e.table.Len(),
			}).Info("Bootstrap complete")
			return nil
		}
		errs = append(errs, attemptErrs...)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == e.cfg.BootstrapAttempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"function": "bootstrap",
			"attempt":  attempt,
			"backoff":  backoff.String(),
		}).Warn("No bootstrap node answered, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: %w", ErrBootstrapFailed, errors.Join(errs...))
}

// bootstrapRound queries all seeds with find_node for the local id and
// merges the returned nodes into the routing table. Seeds are then pinged
// to learn their real ids.
func (e *Engine) bootstrapRound(ctx context.Context, s *session, seeds []krpc.NodeInfo) (int, []error) {
	var (
		mu       sync.Mutex
		answered int
		errs     []error
		g        errgroup.Group
	)
	g.SetLimit(e.cfg.Alpha)

	for _, seed := range seeds {
		g.Go(func() error {
			resp, err := e.query(ctx, s, krpc.QueryFindNode, seed, func(txID []byte) *krpc.Message {
				return krpc.NewFindNodeQuery(txID, e.localID, e.localID, e.mode)
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, &BootstrapError{Type: "find_node", Node: seed.Addr.String(), Cause: err})
				mu.Unlock()
				return nil
			}

			for _, n := range resp.Nodes {
				e.learn(n)
			}

			if seed.ID.IsZero() {
				if err := e.identify(ctx, s, seed); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "bootstrapRound",
						"node":     seed.Addr.String(),
						"error":    err.Error(),
					}).Debug("Bootstrap node did not answer ping")
				}
			}

			mu.Lock()
			answered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return answered, errs
}

// join runs the joining phase: bootstrap, then a lookup for our own id to
// fill the buckets near us.
func (e *Engine) join(ctx context.Context, s *session) error {
	if err := e.bootstrap(ctx, s); err != nil {
		return err
	}

	if _, err := e.runLookup(ctx, s, e.localID, krpc.QueryFindNode, nil); err != nil {
		return err
	}
	if e.table.Len() == 0 {
		return fmt.Errorf("%w: routing table is empty", ErrBootstrapFailed)
	}
	return nil
}
