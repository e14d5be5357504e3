// Package pcapsource reads OAP traffic out of pcap and pcapng captures:
// TCP is reassembled per connection and each direction parsed as HTTP/1.x.
package pcapsource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
)

// DefaultServerPorts are the ports treated as the HTTP server side.
var DefaultServerPorts = []uint16{80, 3000, 8000, 8080, 9000}

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Message is one HTTP request or response recovered from a capture.
type Message struct {
	ConnID    string
	Timestamp time.Time
	Response  bool
	Method    string
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
}

// Exchange pairs a request with the response that followed it on the same
// connection. Either side may be nil.
type Exchange struct {
	Request  *Message
	Response *Message
}

// Config configures Analyze.
type Config struct {
	ServerPorts    []uint16
	MaxStreamBytes int
}

// Stats summarizes one capture.
type Stats struct {
	Packets          int
	TCPPackets       int
	DecodeErrors     int
	Streams          int
	Requests         int
	Responses        int
	ParseErrors      int
	TruncatedStreams int
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Analyze reads a capture from r and calls handler for every HTTP message in
// capture-time order. A handler error stops the walk.
func Analyze(ctx context.Context, r io.Reader, config Config, handler func(Message) error) (Stats, error) {
	if len(config.ServerPorts) == 0 {
		config.ServerPorts = DefaultServerPorts
	}
	if config.MaxStreamBytes <= 0 {
		config.MaxStreamBytes = constants.MaxStreamBytes
	}

	src, err := openReader(r)
	if err != nil {
		return Stats{}, err
	}

	factory := newStreamFactory(config)
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(factory))

	var stats Stats
	for {
		if stats.Packets%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if errLayer := packet.ErrorLayer(); errLayer != nil {
			stats.DecodeErrors++
		}

		netLayer := packet.NetworkLayer()
		if netLayer == nil {
			continue
		}
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			continue
		}
		stats.TCPPackets++
		assembler.AssembleWithTimestamp(netLayer.NetworkFlow(), tcp, ci.Timestamp)
	}
	assembler.FlushAll()

	factory.mu.Lock()
	stats.Streams = factory.stats.Streams
	stats.Requests = factory.stats.Requests
	stats.Responses = factory.stats.Responses
	stats.ParseErrors = factory.stats.ParseErrors
	stats.TruncatedStreams = factory.stats.TruncatedStreams
	factory.mu.Unlock()

	logger.Info("Capture analyzed",
		"packets", stats.Packets,
		"tcp_packets", stats.TCPPackets,
		"streams", stats.Streams,
		"requests", stats.Requests,
		"responses", stats.Responses)

	for _, msg := range factory.ordered() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := handler(msg); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// openReader picks the pcap or pcapng reader from the file magic.
func openReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("invalid pcapng capture: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("invalid pcap capture: %w", err)
	}
	return pr, nil
}

// Pair matches requests and responses per connection in order. msgs must
// be in capture order, as Analyze delivers them.
func Pair(msgs []Message) []Exchange {
	var out []Exchange
	pending := make(map[string][]int)
	for i := range msgs {
		m := &msgs[i]
		if !m.Response {
			out = append(out, Exchange{Request: m})
			pending[m.ConnID] = append(pending[m.ConnID], len(out)-1)
			continue
		}
		queue := pending[m.ConnID]
		if len(queue) == 0 {
			out = append(out, Exchange{Response: m})
			continue
		}
		out[queue[0]].Response = m
		pending[m.ConnID] = queue[1:]
	}
	return out
}
