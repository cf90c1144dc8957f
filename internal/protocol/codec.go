package protocol

// Codec encodes the host -> device commands of one packet family.
type Codec interface {
	// Ack returns the acknowledgement frame.
	Ack() []byte
	// IconRequest returns a single frame asking for the icon of gameID.
	IconRequest(gameID string) []byte
	// StatsResponse splits payload into ChunkSize pieces and returns one
	// frame per chunk, in order.
	StatsResponse(lastUpdated uint64, payload []byte) [][]byte
	// ChunkSize is the largest payload carried by one stats frame.
	ChunkSize() int
}

// SplitChunks cuts payload into pieces of at most size bytes. An empty payload
// still yields one empty chunk so the receiver gets a terminal frame.
func SplitChunks(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = len(payload)
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// NetworkCodec encodes the "PSPR" datagram family. Legacy selects the stats
// layout with a leading total_games field, which TotalGames fills.
type NetworkCodec struct {
	Legacy     bool
	TotalGames uint16
}

func (NetworkCodec) Ack() []byte { return Ack{}.Encode() }

func (NetworkCodec) IconRequest(gameID string) []byte {
	return IconRequest{GameID: gameID}.Encode()
}

func (NetworkCodec) ChunkSize() int { return NetworkChunkSize }

func (c NetworkCodec) StatsResponse(lastUpdated uint64, payload []byte) [][]byte {
	chunks := SplitChunks(payload, NetworkChunkSize)
	frames := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		resp := StatsResponse{
			StatsChunk: StatsChunk{
				LastUpdated: lastUpdated,
				Index:       uint16(i),
				Total:       uint16(len(chunks)),
				Data:        chunk,
			},
			TotalGames: c.TotalGames,
		}
		if c.Legacy {
			frames[i] = resp.EncodeLegacy()
		} else {
			frames[i] = resp.Encode()
		}
	}
	return frames
}

// USBCodec encodes the "PSPD" frame family.
type USBCodec struct{}

func (USBCodec) Ack() []byte { return EncodeUSBAck() }

func (USBCodec) IconRequest(gameID string) []byte {
	return EncodeUSBIconRequest(gameID)
}

func (USBCodec) ChunkSize() int { return USBChunkSize }

func (USBCodec) StatsResponse(lastUpdated uint64, payload []byte) [][]byte {
	chunks := SplitChunks(payload, USBChunkSize)
	frames := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		frames[i] = EncodeUSBStatsResponse(StatsResponse{
			StatsChunk: StatsChunk{
				LastUpdated: lastUpdated,
				Index:       uint16(i),
				Total:       uint16(len(chunks)),
				Data:        chunk,
			},
			TotalBytes: uint32(len(payload)),
		})
	}
	return frames
}
