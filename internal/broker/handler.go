package broker

import (
	"encoding/binary"
	"fmt"
	"time"

	"lightkafka/internal/fetch"
	"lightkafka/internal/protocol"
)

const (
	PRODUCE_RESPONSE_BODY_SIZE = 8 //NOTE(Danu): OFFSET의 크기는 8바이트

	// FETCH_REQUEST_BODY_SIZE: OFFSET(8) + MAX_BYTES(4) + MIN_BYTES(4) + MAX_WAIT_MS(4).
	// MinBytes/MaxWaitMs of zero fall back to the broker's configured
	// defaults, so older 12-byte fetch bodies still decode (see handleFetch).
	FETCH_REQUEST_BODY_SIZE = 20
)

func (b *Broker) handleRequest(req *protocol.Request) ([]byte, error) {
	switch req.Header.ApiKey {
	case protocol.ApiKeyProduce:
		return b.handleProduce(req)
	case protocol.ApiKeyFetch:
		return b.handleFetch(req)
	default:
		return nil, fmt.Errorf("unknown api key: %d", req.Header.ApiKey)
	}
}

func (b *Broker) handleProduce(req *protocol.Request) ([]byte, error) {

	//NOTE(Danu): Bytepool에 할당된 메모리가 바로  mmap으로 복사됨
	offset, err := b.Partition.Append(req.Body)
	if err != nil {
		return nil, err
	}
	b.purgatory.Produced(b.topic)

	// NOTE(Danu): OFFSET의 크기는 8바이트
	resp := make([]byte, PRODUCE_RESPONSE_BODY_SIZE)
	binary.BigEndian.PutUint64(resp, uint64(offset))

	return resp, nil
}

// handleFetch parks the request in the purgatory until minBytes is
// available, a partition/leadership error occurs, or maxWaitMs elapses
// (C3), then re-reads and returns the satisfied result synchronously to
// this connection.
func (b *Broker) handleFetch(req *protocol.Request) ([]byte, error) {

	if len(req.Body) < 12 {
		return nil, fmt.Errorf("invalid fetch body size")
	}

	fetchOffset := int64(binary.BigEndian.Uint64(req.Body[0:8]))
	maxBytes := int32(binary.BigEndian.Uint32(req.Body[8:12]))

	minBytes := b.Config.FetchMinBytes
	maxWaitMs := b.Config.FetchMaxWaitMs
	if len(req.Body) >= FETCH_REQUEST_BODY_SIZE {
		if reqMinBytes := int32(binary.BigEndian.Uint32(req.Body[12:16])); reqMinBytes > 0 {
			minBytes = reqMinBytes
		}
		if reqMaxWaitMs := int64(binary.BigEndian.Uint32(req.Body[16:20])); reqMaxWaitMs > 0 {
			maxWaitMs = reqMaxWaitMs
		}
	}

	// A zero wait is a plain immediate read: parking it would only cost an
	// extra reaper-tick of latency waiting for its already-elapsed deadline
	// to be swept, so it bypasses the purgatory entirely.
	var results []fetch.PartitionFetchResult
	if maxWaitMs <= 0 {
		data, err := b.Partition.Read(fetchOffset, maxBytes)
		results = []fetch.PartitionFetchResult{{
			Partition: b.topic, Records: data, HighWatermark: b.Partition.HighWatermark(), Err: err,
		}}
	} else {
		resultsCh := make(chan []fetch.PartitionFetchResult, 1)
		b.purgatory.TryFetch(
			fetch.FetchConsumer,
			minBytes,
			time.Duration(maxWaitMs)*time.Millisecond,
			[]fetch.PartitionFetchRequest{{Partition: b.topic, FetchOffset: fetchOffset, MaxBytes: maxBytes}},
			b,
			func(r []fetch.PartitionFetchResult) { resultsCh <- r },
			time.Now(),
		)
		results = <-resultsCh
	}

	if len(results) == 0 {
		return []byte{}, nil
	}
	result := results[0]
	if result.Err != nil {
		fmt.Printf("[Broker] Read error (offset %d): %v\n", fetchOffset, result.Err)
		return []byte{}, nil
	}
	if result.Records == nil {
		return []byte{}, nil
	}
	return result.Records, nil
}
