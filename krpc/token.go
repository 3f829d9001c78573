package krpc

import (
	"bytes"
	"crypto/sha1"

	"github.com/opd-ai/swarmdht/bencode"
)

// tokenLen is the number of info-hash bytes used as the get_peers token.
// This network derives the token from the info-hash alone instead of the
// secret-based tokens of BEP 5, so no token state is kept.
const tokenLen = 2

// TokenFor returns the lookup token handed out for infoHash.
func TokenFor(infoHash ID) []byte {
	t := make([]byte, tokenLen)
	copy(t, infoHash[:tokenLen])
	return t
}

// ValidToken reports whether token is the one TokenFor issues for infoHash.
func ValidToken(infoHash ID, token []byte) bool {
	return bytes.Equal(token, infoHash[:tokenLen])
}

// InfoHashOf returns the SHA-1 digest of the canonical encoding of info.
func InfoHashOf(info *bencode.Dict) ID {
	return ID(sha1.Sum(bencode.Encode(info)))
}

// SwarmInfoHash derives the info-hash of the chat swarm identified by a
// network signature string.
func SwarmInfoHash(networkSign string) ID {
	return InfoHashOf(bencode.NewDict().Set("name", bencode.Str(networkSign)))
}
