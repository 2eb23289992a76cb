package consumer

import (
	"encoding/binary"
	"fmt"
	"net"

	"go.uber.org/zap"

	"pxfabric/internal/netutil"
	"pxfabric/pkg/common"
	"pxfabric/pkg/wire"
)

type producerInfo struct {
	ip   net.IP
	port int
}

// discover has rank 0 dial the lead producer, read the seven framed
// bootstrap messages (spec §4.1, §6.1), and returns them for broadcast to
// the rest of the consumer group. Non-root ranks never call this.
func discover(leadHost string, leadPort int) (*wire.Client, []producerInfo, common.GlobalImage, bool, error) {
	client, err := wire.Dial(fmt.Sprintf("%s:%d", leadHost, leadPort))
	if err != nil {
		return nil, nil, common.GlobalImage{}, false, err
	}

	endianness, err := client.ReadFrame()
	if err != nil || len(endianness) != 1 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read endianness frame: %w", err)
	}
	leadLittle := endianness[0] == 0

	// The ip_addresses frame's length tells us P without a separate round.
	ipBytes, err := client.ReadFrame()
	if err != nil || len(ipBytes)%4 != 0 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read ip_addresses frame: %w", err)
	}
	numProducers := len(ipBytes) / 4

	portBytes, err := client.ReadFrame()
	if err != nil || len(portBytes) != 2*numProducers {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read ports frame: %w", err)
	}

	widthBytes, err := client.ReadFrame()
	if err != nil || len(widthBytes) != 4 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read global_width frame: %w", err)
	}
	heightBytes, err := client.ReadFrame()
	if err != nil || len(heightBytes) != 4 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read global_height frame: %w", err)
	}
	formatByte, err := client.ReadFrame()
	if err != nil || len(formatByte) != 1 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read pixel_format frame: %w", err)
	}
	dtypeByte, err := client.ReadFrame()
	if err != nil || len(dtypeByte) != 1 {
		return nil, nil, common.GlobalImage{}, false, fmt.Errorf("consumer: read pixel_data_type frame: %w", err)
	}

	producers := make([]producerInfo, numProducers)
	for i := range producers {
		producers[i] = producerInfo{
			ip:   net.IPv4(ipBytes[i*4], ipBytes[i*4+1], ipBytes[i*4+2], ipBytes[i*4+3]),
			port: int(binary.BigEndian.Uint16(portBytes[i*2 : i*2+2])),
		}
	}
	img := common.GlobalImage{
		Width:    int(binary.BigEndian.Uint32(widthBytes)),
		Height:   int(binary.BigEndian.Uint32(heightBytes)),
		Format:   common.PixelFormat(formatByte[0]),
		DataType: common.DataType(dtypeByte[0]),
	}
	return client, producers, img, leadLittle, nil
}

// connectionRange returns [start, end) producer indices assigned to
// consumer rank r out of C ranks and P producers (spec §4.1).
func connectionRange(r, numConsumers, numProducers int) (start, end int) {
	base := numProducers / numConsumers
	extra := numProducers % numConsumers
	start = r*base + min(r, extra)
	end = start + base
	if r < extra {
		end++
	}
	return start, end
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// buildHandshake assembles the 13-byte handshake rank 0 broadcasts (spec
// §4.1). Byte[0:4) carries the producer count P, not the consumer count —
// original_source/src/client.cpp packs `_num_remote_ranks` (P) here and
// src/server.cpp validates against its own MPI_Comm_size (also P); see
// DESIGN.md Open Question #1 for why this differs from a literal reading
// of the distilled spec text.
func buildHandshake(numProducers int, leadIP [4]byte, leadPort int) [12]byte {
	var hs [12]byte
	binary.BigEndian.PutUint32(hs[0:4], uint32(numProducers))
	leadID := uint64(netutil.IPv4ToUint32(leadIP[:]))<<32 | uint64(uint16(leadPort))
	binary.BigEndian.PutUint64(hs[4:12], leadID)
	return hs
}

// dialAssigned opens one TCP connection per producer in [start, end),
// reusing the bootstrap connection for producer index 0 when this rank
// already holds it (spec §4.1: "consumer rank 0 ... does not re-open it").
func dialAssigned(lead *wire.Client, rank, start, end int, producers []producerInfo, log *zap.Logger) ([]*wire.Client, error) {
	clients := make([]*wire.Client, 0, end-start)
	for idx := start; idx < end; idx++ {
		if rank == 0 && idx == 0 && lead != nil {
			clients = append(clients, lead)
			continue
		}
		addr := fmt.Sprintf("%s:%d", producers[idx].ip.String(), producers[idx].port)
		c, err := wire.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("consumer: dial producer %d at %s: %w", idx, addr, err)
		}
		log.Debug("consumer: dialed producer", zap.Int("producer_index", idx), zap.String("addr", addr))
		clients = append(clients, c)
	}
	return clients, nil
}
