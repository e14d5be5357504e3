// Generate OAP demo PCAP files for "oapx analyze"
package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/endorses/oapxray/internal/pkg/constants"
	"github.com/endorses/oapxray/internal/pkg/oap/primitives"
	"github.com/endorses/oapxray/internal/pkg/oap/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const outDir = "testdata/pcaps"

func main() {
	fmt.Println("Generating OAP demo PCAP files...")
	fmt.Println()

	secret, err := generateSession(filepath.Join(outDir, "oap_session.pcap"))
	if err != nil {
		log.Fatalf("Failed to generate session capture: %v", err)
	}

	fmt.Println()
	fmt.Println("✓ OAP demo PCAPs generated successfully!")
	fmt.Println()
	fmt.Println("Test files:")
	fmt.Println("  - oap_session.pcap: handshake r1 followed by an offer and an order")
	fmt.Println()
	fmt.Println("Responder ephemeral secret (try it):")
	fmt.Printf("  oapx analyze -r %s --secret %s\n", filepath.Join(outDir, "oap_session.pcap"), secret)
}

// conn writes one client/server TCP connection to a pcap, tracking sequence
// numbers in both directions.
type conn struct {
	w                      *pcapgo.Writer
	ts                     time.Time
	client, server         net.IP
	clientPort, serverPort uint16
	clientSeq, serverSeq   uint32
}

func createPCAPWriter(filename string) (*os.File, *pcapgo.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, nil, err
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, w, nil
}

func (c *conn) write(fromClient bool, flags string, payload []byte) error {
	c.ts = c.ts.Add(time.Millisecond)

	srcIP, dstIP := c.client, c.server
	srcPort, dstPort := c.clientPort, c.serverPort
	seq, ack := c.clientSeq, c.serverSeq
	if !fromClient {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
		seq, ack = ack, seq
	}

	pkt, err := createTCPPacket(srcIP, dstIP, srcPort, dstPort, seq, ack, flags, payload)
	if err != nil {
		return err
	}
	if err := c.w.WritePacket(gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(pkt), Length: len(pkt)}, pkt); err != nil {
		return err
	}

	advance := uint32(len(payload))
	if flags == "S" || flags == "SA" || flags == "FA" {
		advance++
	}
	if fromClient {
		c.clientSeq += advance
	} else {
		c.serverSeq += advance
	}
	return nil
}

func (c *conn) handshake() error {
	if err := c.write(true, "S", nil); err != nil {
		return err
	}
	if err := c.write(false, "SA", nil); err != nil {
		return err
	}
	return c.write(true, "A", nil)
}

func (c *conn) exchange(path string, reqBody, resBody []byte) error {
	req := fmt.Sprintf("POST %s HTTP/1.1\r\nHost: bob.example:3000\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", path, len(reqBody), reqBody)
	if err := c.write(true, "PA", []byte(req)); err != nil {
		return err
	}
	res := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(resBody), resBody)
	return c.write(false, "PA", []byte(res))
}

func (c *conn) close() error {
	if err := c.write(true, "FA", nil); err != nil {
		return err
	}
	return c.write(false, "FA", nil)
}

func createTCPPacket(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags string, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x66},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
	}
	for _, f := range flags {
		switch f {
		case 'S':
			tcp.SYN = true
		case 'A':
			tcp.ACK = true
		case 'P':
			tcp.PSH = true
		case 'F':
			tcp.FIN = true
		}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// generateSession writes handshake r1 and two encrypted messages, returning
// the responder's ephemeral secret in multibase form.
func generateSession(filename string) (string, error) {
	f, w, err := createPCAPWriter(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	initPriv, err := primitives.GenerateKey()
	if err != nil {
		return "", err
	}
	respPriv, err := primitives.GenerateKey()
	if err != nil {
		return "", err
	}
	initPub, err := initPriv.PublicKey()
	if err != nil {
		return "", err
	}
	respPub, err := respPriv.PublicKey()
	if err != nil {
		return "", err
	}

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hash := sha256.Sum256([]byte("r1|nonce-a|nonce-b|" + initPub.Multibase() + "|" + respPub.Multibase()))

	request, err := json.Marshal(wire.ConnectionRequest{
		Type:    wire.TypeConnectionRequest,
		ID:      "r1",
		From:    "did:web:alice.example",
		To:      "did:web:bob.example",
		Created: created,
		Body: wire.ConnectionRequestBody{
			Nonce: "nonce-a",
			KeyExchange: wire.RequestKeyExchange{
				Algorithm:       "X25519",
				PublicKey:       initPub.Multibase(),
				SupportedSuites: []wire.CipherSuite{wire.SuiteX25519XChaCha},
			},
		},
	})
	if err != nil {
		return "", err
	}
	response, err := json.Marshal(wire.ConnectionResponse{
		Type:    wire.TypeConnectionResponse,
		ID:      "r1-res",
		ReplyTo: "r1",
		From:    "did:web:bob.example",
		Created: created.Add(time.Second),
		Body: wire.ConnectionResponseBody{
			Nonce: "nonce-b",
			KeyExchange: wire.ResponseKeyExchange{
				PublicKey:       respPub.Multibase(),
				NegotiatedSuite: wire.SuiteX25519XChaCha,
			},
		},
		Proof: wire.Proof{TranscriptHash: fmt.Sprintf("%x", hash[:])},
	})
	if err != nil {
		return "", err
	}

	shared, err := primitives.Agree(initPriv, respPub)
	if err != nil {
		return "", err
	}
	keys, err := primitives.DeriveSessionKeys(shared, hash[:], constants.SessionKeyLabel)
	primitives.Wipe(shared)
	if err != nil {
		return "", err
	}

	seal := func(key primitives.SessionKey, seq uint64, plaintext string) ([]byte, error) {
		c, err := primitives.Seal([]byte(plaintext), key, fmt.Sprintf("%x", hash[:constants.KeyIDBytes]), seq, 64)
		if err != nil {
			return nil, err
		}
		return json.Marshal(c)
	}
	offer, err := seal(keys.ResponderToInitiator, 1, `{"type":"https://oap.dev/schemas/commerce/offer","threadId":"r1","items":[{"sku":"widget","quantity":3}],"totalPrice":3,"currency":"EUR"}`)
	if err != nil {
		return "", err
	}
	order, err := seal(keys.InitiatorToResponder, 1, `{"type":"https://oap.dev/schemas/commerce/order","threadId":"r1","offerId":"o-1"}`)
	if err != nil {
		return "", err
	}
	ack, err := seal(keys.ResponderToInitiator, 2, `{"threadId":"r1","status":"accepted"}`)
	if err != nil {
		return "", err
	}

	c := &conn{
		w:          w,
		ts:         created,
		client:     net.IPv4(192, 168, 1, 10).To4(),
		server:     net.IPv4(192, 168, 1, 20).To4(),
		clientPort: 49152,
		serverPort: 3000,
		clientSeq:  1000,
		serverSeq:  5000,
	}
	steps := []func() error{
		c.handshake,
		func() error { return c.exchange("/oap/connect", request, response) },
		func() error { return c.exchange("/oap/inbox", []byte(`{"threadId":"r1","type":"OfferRequest"}`), offer) },
		func() error { return c.exchange("/oap/inbox", order, ack) },
		c.close,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return "", err
		}
	}

	fmt.Printf("  wrote %s\n", filename)
	return respPriv.Multibase(), nil
}
