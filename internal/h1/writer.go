package h1

import (
	"strconv"

	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/exchange"
)

var (
	statusLine200    = []byte("HTTP/1.1 200 OK\r\n")
	headerSep        = []byte(": ")
	connKeepAlive    = []byte("connection: keep-alive\r\n")
	connClose        = []byte("connection: close\r\n")
	headerDatePrefix = []byte("date: ")
)

// appendHead serializes a response head. content-length is added when
// absent for statuses that carry a body, and date and server are added
// when absent. Any connection header set by the application is replaced
// by the connection's own decision.
func appendHead(buf []byte, head *exchange.Head, bodyLen int, keepAlive bool, server string) []byte {
	if head.Status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(head.Status), 10)
		buf = append(buf, ' ')
		buf = append(buf, exchange.StatusText(head.Status)...)
		buf = append(buf, crlf...)
	}

	if exchange.BodyAllowed(head.Status) && !head.Header.Has("content-length") {
		buf = append(buf, "content-length: "...)
		buf = strconv.AppendInt(buf, int64(bodyLen), 10)
		buf = append(buf, crlf...)
	}
	for _, f := range head.Header.Fields() {
		if f.Name == "connection" {
			continue
		}
		buf = append(buf, f.Name...)
		buf = append(buf, headerSep...)
		buf = append(buf, f.Value...)
		buf = append(buf, crlf...)
	}
	if !head.Header.Has("date") {
		buf = append(buf, headerDatePrefix...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}
	if server != "" && !head.Header.Has("server") {
		buf = append(buf, "server: "...)
		buf = append(buf, server...)
		buf = append(buf, crlf...)
	}
	if keepAlive {
		buf = append(buf, connKeepAlive...)
	} else {
		buf = append(buf, connClose...)
	}
	return append(buf, crlf...)
}
