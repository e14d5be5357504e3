package pcapsource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
)

// segment marks where a reassembled chunk starts in a stream buffer.
type segment struct {
	offset int
	seen   time.Time
}

// httpStream buffers one direction of a TCP connection and parses it as
// HTTP/1.x once the connection completes.
type httpStream struct {
	factory    *streamFactory
	connID     string
	fromServer bool
	portKnown  bool
	buf        []byte
	segments   []segment
	truncated  bool
	gaps       int
}

func (s *httpStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 {
			s.gaps++
		}
		if len(r.Bytes) == 0 || s.truncated {
			continue
		}
		room := s.factory.maxStreamBytes - len(s.buf)
		data := r.Bytes
		if len(data) > room {
			data = data[:room]
			s.truncated = true
		}
		s.segments = append(s.segments, segment{offset: len(s.buf), seen: r.Seen})
		s.buf = append(s.buf, data...)
	}
}

func (s *httpStream) ReassemblyComplete() {
	s.factory.complete(s)
}

// seenAt returns the capture time of the segment holding offset.
func (s *httpStream) seenAt(offset int) time.Time {
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].offset > offset })
	if i == 0 {
		if len(s.segments) == 0 {
			return time.Time{}
		}
		return s.segments[0].seen
	}
	return s.segments[i-1].seen
}

func (s *httpStream) isResponseStream() bool {
	if s.portKnown {
		return s.fromServer
	}
	return bytes.HasPrefix(s.buf, []byte("HTTP/"))
}

// parse splits the buffered bytes into HTTP messages.
func (s *httpStream) parse() ([]Message, int) {
	if len(s.buf) == 0 {
		return nil, 0
	}
	response := s.isResponseStream()

	rd := bytes.NewReader(s.buf)
	br := bufio.NewReader(rd)
	var msgs []Message
	errs := 0
	for {
		offset := len(s.buf) - rd.Len() - br.Buffered()
		if _, err := br.Peek(1); err != nil {
			break
		}

		msg := Message{
			ConnID:    s.connID,
			Timestamp: s.seenAt(offset),
			Response:  response,
		}

		var body io.ReadCloser
		if response {
			resp, err := http.ReadResponse(br, nil)
			if err != nil {
				errs++
				logger.Debug("Unparseable HTTP response in stream", "conn", s.connID, "offset", offset, "error", err)
				break
			}
			msg.Status = resp.StatusCode
			msg.Header = resp.Header
			body = resp.Body
		} else {
			req, err := http.ReadRequest(br)
			if err != nil {
				errs++
				logger.Debug("Unparseable HTTP request in stream", "conn", s.connID, "offset", offset, "error", err)
				break
			}
			msg.Method = req.Method
			msg.URL = requestURL(req)
			msg.Header = req.Header
			body = req.Body
		}

		data, err := io.ReadAll(body)
		_ = body.Close()
		msg.Body = data
		msgs = append(msgs, msg)
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				errs++
			}
			break
		}
	}
	return msgs, errs
}

func requestURL(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	return "http://" + req.Host + req.URL.RequestURI()
}

// streamFactory creates httpStreams and collects their messages.
type streamFactory struct {
	serverPorts    map[uint16]bool
	maxStreamBytes int

	mu       sync.Mutex
	messages []Message
	stats    Stats
}

func newStreamFactory(config Config) *streamFactory {
	f := &streamFactory{
		serverPorts:    make(map[uint16]bool, len(config.ServerPorts)),
		maxStreamBytes: config.MaxStreamBytes,
	}
	for _, p := range config.ServerPorts {
		f.serverPorts[p] = true
	}
	return f
}

// New implements tcpassembly.StreamFactory.
func (f *streamFactory) New(netFlow, transport gopacket.Flow) tcpassembly.Stream {
	src := port(transport.Src())
	dst := port(transport.Dst())

	s := &httpStream{
		factory: f,
		connID:  connID(netFlow, transport),
	}
	switch {
	case f.serverPorts[src]:
		s.fromServer, s.portKnown = true, true
	case f.serverPorts[dst]:
		s.fromServer, s.portKnown = false, true
	}

	f.mu.Lock()
	f.stats.Streams++
	f.mu.Unlock()
	return s
}

func (f *streamFactory) complete(s *httpStream) {
	msgs, errs := s.parse()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	f.stats.ParseErrors += errs
	if s.truncated {
		f.stats.TruncatedStreams++
	}
	for _, m := range msgs {
		if m.Response {
			f.stats.Responses++
		} else {
			f.stats.Requests++
		}
	}
	if s.gaps > 0 {
		logger.Debug("Stream had gaps", "conn", s.connID, "gaps", s.gaps)
	}
}

// ordered returns the collected messages sorted by capture time. Streams
// complete in no particular order, so on equal timestamps requests sort
// before responses.
func (f *streamFactory) ordered() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]Message(nil), f.messages...)
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return !a.Response && b.Response
	})
	return msgs
}

func port(ep gopacket.Endpoint) uint16 {
	raw := ep.Raw()
	if len(raw) != 2 {
		return 0
	}
	return uint16(raw[0])<<8 | uint16(raw[1])
}

// connID names a connection the same way for both directions.
func connID(netFlow, transport gopacket.Flow) string {
	srcIP := netFlow.Src().String()
	dstIP := netFlow.Dst().String()
	srcPort := transport.Src().String()
	dstPort := transport.Dst().String()

	if srcIP > dstIP || (srcIP == dstIP && srcPort > dstPort) {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
	}
	return fmt.Sprintf("%s-%s", hostPort(srcIP, srcPort), hostPort(dstIP, dstPort))
}

// hostPort formats an endpoint pair for display.
func hostPort(ip, p string) string {
	if strings.Contains(ip, ":") {
		return "[" + ip + "]:" + p
	}
	return ip + ":" + p
}
