package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoAnnounceTarget is returned when no node accepted an announcement.
var ErrNoAnnounceTarget = errors.New("no node accepted the announcement")

// Announce tells the nodes closest to infoHash that this node takes part
// in the swarm on port. A port of zero asks them to use the source port of
// the announcement instead. Peers found on the way are surfaced as with
// FindPeersFor.
func (e *Engine) Announce(ctx context.Context, infoHash krpc.ID, port uint16) <-chan error {
	result := make(chan error, 1)

	s, err := e.activeSession("announce")
	if err != nil {
		result <- err
		return result
	}

	go func() {
		actx, cancel := mergeContext(ctx, s.ctx)
		defer cancel()
		result <- e.announce(actx, s, infoHash, port)
	}()
	return result
}

func (e *Engine) announce(ctx context.Context, s *session, infoHash krpc.ID, port uint16) error {
	e.trackSwarm(infoHash)

	res, err := e.runLookup(ctx, s, infoHash, krpc.QueryGetPeers, func(peers []netip.AddrPort) {
		e.peersFound(infoHash, peers)
	})
	if err != nil {
		return err
	}

	var (
		accepted atomic.Int32
		g        errgroup.Group
	)
	g.SetLimit(e.cfg.Alpha)
	for _, c := range res.nodes {
		if len(c.token) == 0 {
			continue
		}
		g.Go(func() error {
			_, err := e.query(ctx, s, krpc.QueryAnnouncePeer, c.info, func(txID []byte) *krpc.Message {
				return krpc.NewAnnouncePeerQuery(txID, e.localID, infoHash, port == 0, port, c.token)
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "announce",
					"node":     c.info.String(),
					"error":    err.Error(),
				}).Debug("Announce rejected")
				return nil
			}
			accepted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if accepted.Load() == 0 {
		return fmt.Errorf("announce %s: %w", infoHash, ErrNoAnnounceTarget)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "announce",
		"info_hash": infoHash.String(),
		"accepted":  accepted.Load(),
	}).Info("Announced to swarm")
	return nil
}
