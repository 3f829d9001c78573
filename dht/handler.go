package dht

import (
	"errors"
	"net/netip"

	"github.com/opd-ai/swarmdht/bencode"
	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
)

// maxValues caps the peers returned in one get_peers reply so it stays
// within a single datagram.
const maxValues = 50

// handlePacket is the transport handler. It runs on the receive loop and
// never returns an error: bad datagrams are counted, logged and dropped.
func (e *Engine) handlePacket(s *session, data []byte, from netip.AddrPort) {
	from, err := e.mode.NormalizeAddrPort(from)
	if err != nil {
		packetsDropped.WithLabelValues("address_family").Inc()
		return
	}

	msg, err := krpc.ParseMessage(data)
	if err != nil {
		reason := resultMalformed
		if errors.Is(err, bencode.ErrInvalidEncoding) || errors.Is(err, bencode.ErrUnsupportedEncoding) {
			reason = "invalid_encoding"
		}
		packetsDropped.WithLabelValues(reason).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}

	switch msg.Type {
	case krpc.TypeQuery:
		e.handleQuery(s, msg, from)
	case krpc.TypeResponse, krpc.TypeError:
		e.handleReply(s, msg, from)
	}
}

// handleReply hands a response or error to its transaction. Replies that
// match nothing are expected on a lossy network and are dropped quietly.
func (e *Engine) handleReply(s *session, msg *krpc.Message, from netip.AddrPort) {
	if !s.txm.Resolve(msg.TxID, from, msg) {
		repliesReceived.WithLabelValues(msg.Type.String(), resultUnknown).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleReply",
			"from":     from.String(),
			"error":    ErrUnknownTransaction.Error(),
		}).Debug("Dropping reply")
		return
	}
	result := resultSuccess
	if msg.Type == krpc.TypeError {
		result = resultError
	}
	repliesReceived.WithLabelValues(msg.Type.String(), result).Inc()
}

// handleQuery answers an inbound query. Malformed queries get no reply.
func (e *Engine) handleQuery(s *session, msg *krpc.Message, from netip.AddrPort) {
	qt := msg.Query.String()

	if !e.limiter.allow(from.Addr()) {
		queriesReceived.WithLabelValues(qt, resultLimited).Inc()
		return
	}

	args, err := msg.Args()
	if err != nil {
		queriesReceived.WithLabelValues(qt, resultMalformed).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleQuery",
			"query":    qt,
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed query")
		return
	}

	e.insert(krpc.NodeInfo{ID: args.ID, Addr: from})

	var reply *krpc.Message
	result := resultSuccess
	switch msg.Query {
	case krpc.QueryPing:
		reply = krpc.NewPingResponse(msg.TxID, e.localID)
	case krpc.QueryFindNode:
		reply = e.answerFindNode(msg.TxID, args)
	case krpc.QueryGetPeers:
		reply = e.answerGetPeers(msg.TxID, args)
	case krpc.QueryAnnouncePeer:
		reply, result = e.answerAnnouncePeer(msg.TxID, args, from)
	default:
		reply = krpc.NewError(msg.TxID, krpc.ErrorMethodUnknown, "method unknown")
		result = resultError
	}
	queriesReceived.WithLabelValues(qt, result).Inc()

	if err := s.tr.Send(reply.Encode(), from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleQuery",
			"query":    qt,
			"to":       from.String(),
			"error":    err.Error(),
		}).Debug("Failed to send reply")
	}
}

// answerFindNode replies with the closest nodes, signed with an id that
// shares the first half of the target.
func (e *Engine) answerFindNode(txID []byte, args *krpc.QueryArgs) *krpc.Message {
	nodes := e.table.ClosestTo(args.Target, e.cfg.K)
	return krpc.NewFindNodeResponse(txID, e.table.GenerateNeighborID(args.Target), nodes, e.mode)
}

// answerGetPeers replies with a token, the stored peers if any and the
// closest nodes.
func (e *Engine) answerGetPeers(txID []byte, args *krpc.QueryArgs) *krpc.Message {
	peers := e.peers.Peers(args.InfoHash, maxValues)
	nodes := e.table.ClosestTo(args.InfoHash, e.cfg.K)
	return krpc.NewGetPeersResponse(txID, e.localID, args.InfoHash, peers, nodes, e.mode)
}

// answerAnnouncePeer records the announcing peer after checking the token
// it echoes.
func (e *Engine) answerAnnouncePeer(txID []byte, args *krpc.QueryArgs, from netip.AddrPort) (*krpc.Message, string) {
	if !krpc.ValidToken(args.InfoHash, args.Token) {
		logrus.WithFields(logrus.Fields{
			"function":  "answerAnnouncePeer",
			"from":      from.String(),
			"info_hash": args.InfoHash.String(),
		}).Debug("Rejecting announce with bad token")
		return krpc.NewError(txID, krpc.ErrorProtocol, "bad token"), resultBadToken
	}

	port := args.Port
	if args.ImpliedPort || port == 0 {
		port = from.Port()
	}
	peer := netip.AddrPortFrom(from.Addr(), port)
	e.peers.Add(args.InfoHash, peer)
	e.peersFound(args.InfoHash, []netip.AddrPort{peer})

	nodes := e.table.ClosestTo(args.InfoHash, e.cfg.K)
	return krpc.NewAnnouncePeerResponse(txID, e.localID, nodes, e.mode), resultSuccess
}
