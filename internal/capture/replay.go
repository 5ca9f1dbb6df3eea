// Package capture feeds recorded voltage packets into a ring. Captures are
// read from pcap or pcapng files; live sockets are out of scope.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/dumpring/internal/monitoring"
	"github.com/banshee-data/dumpring/internal/voltage"
)

// DefaultUDPPort is the destination port voltage packets are sent to.
const DefaultUDPPort = 60000

const pcapngMagic = 0x0A0D0D0A

// Sink receives each payload found in a capture.
type Sink interface {
	PushView(count uint64, t voltage.Tensor)
}

// ReplayConfig selects which packets in a capture are voltage payloads.
type ReplayConfig struct {
	// UDPPort is the destination port to accept. Zero accepts any port.
	UDPPort uint16
	// ProgressEvery logs a progress line every N payloads. Zero disables it.
	ProgressEvery int
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets   int // packets read from the capture
	Payloads  int // payloads handed to the sink
	Ignored   int // non-UDP packets or other ports
	Skipped   int // UDP payloads of the wrong size
	Malformed int // packets that failed to decode
	FirstSeen time.Time
	LastSeen  time.Time
}

type packetReader interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func newPacketReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng capture: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap capture: %w", err)
	}
	return pr, nil
}

// ReplayPCAP reads a capture from r and pushes every matching payload into
// sink in capture order. Payloads are viewed in place and must be copied by
// the sink before PushView returns.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, sink Sink) (ReplayStats, error) {
	var stats ReplayStats
	pr, err := newPacketReader(r)
	if err != nil {
		return stats, err
	}
	linkType := pr.LinkType()
	progress := monitoring.Every(cfg.ProgressEvery)
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("capture: replay cancelled after %d packets", stats.Packets)
			return stats, err
		}

		data, ci, err := pr.ZeroCopyReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			if packet.ErrorLayer() != nil {
				stats.Malformed++
			} else {
				stats.Ignored++
			}
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			stats.Malformed++
			continue
		}
		if cfg.UDPPort != 0 && uint16(udp.DstPort) != cfg.UDPPort {
			stats.Ignored++
			continue
		}

		count, view, err := voltage.ViewPacket(udp.Payload)
		if err != nil {
			stats.Skipped++
			continue
		}
		sink.PushView(count, view)
		stats.Payloads++
		if stats.FirstSeen.IsZero() {
			stats.FirstSeen = ci.Timestamp
		}
		stats.LastSeen = ci.Timestamp

		if cfg.ProgressEvery > 0 {
			progress("capture: %d payloads replayed (count %d)", stats.Payloads, count)
		}
	}

	elapsed := time.Since(start)
	monitoring.Logf("capture: replay complete: %d packets, %d payloads, %d skipped, %d malformed in %v",
		stats.Packets, stats.Payloads, stats.Skipped, stats.Malformed, elapsed)
	return stats, nil
}

// ReplayPCAPFile opens path and replays it with ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, cfg ReplayConfig, sink Sink) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg, sink)
}
