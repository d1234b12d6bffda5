// Package util provides logging, traffic statistics and small helpers shared
// by the relink packages.
package util

import (
	"fmt"
	"hash/fnv"
	"net"
)

// SocketIDFromConn computes a 4-byte hash from a TCP connection's 4-tuple
// (local IP, local port, remote IP, remote port). The tunnel uses it as the
// per-connection identifier; it does not need to be reversible.
func SocketIDFromConn(conn net.Conn) uint32 {
	return SocketIDFromAddrs(conn.LocalAddr(), conn.RemoteAddr())
}

// SocketIDFromAddrs is SocketIDFromConn for callers that only hold the
// address pair. Nil addresses hash as empty strings.
func SocketIDFromAddrs(local, remote net.Addr) uint32 {
	h := fnv.New32a()
	if local != nil {
		h.Write([]byte(local.String()))
	}
	if remote != nil {
		h.Write([]byte(remote.String()))
	}
	return h.Sum32()
}

// ShortTag renders an identifier the way log lines prefix it: "[0000abcd]".
func ShortTag(id uint32) string {
	return fmt.Sprintf("[%08x]", id)
}
