package broker

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"lightkafka/internal/cleaner"
	"lightkafka/internal/fetch"
	"lightkafka/internal/group"
	"lightkafka/internal/partition"
	"lightkafka/internal/protocol"
	"lightkafka/internal/resource"
	"lightkafka/internal/retention"

	"go.uber.org/zap"
)

// Broker owns one partition's storage and every background subsystem that
// operates on it: the retention sweep, the compaction manager, the
// delayed-fetch purgatory and its reaper, and the consumer-group
// coordinator. Connection handling itself stays a simple blocking
// request/response loop per socket.
type Broker struct {
	Config    Config
	Partition *partition.Partition
	topic     fetch.TopicPartition

	cache            *resource.SegmentCache
	retentionCleaner *retention.RetentionCleaner
	compactor        *cleaner.CleanerManager
	purgatory        *fetch.Purgatory
	reaper           *fetch.Reaper
	groups           *group.Coordinator

	logger *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBroker wires a single partition into every background subsystem. cache
// is the shared segment LRU the partition itself was built with; the broker
// only keeps a reference to it, and evictions go through the partition.
func NewBroker(cfg Config, p *partition.Partition, cache *resource.SegmentCache, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "events"
	}
	if cfg.FetchMinBytes == 0 {
		cfg.FetchMinBytes = DefaultFetchMinBytes
	}
	if cfg.FetchReaperTick <= 0 {
		cfg.FetchReaperTick = 500 * time.Millisecond
	}

	tp := fetch.TopicPartition{Topic: cfg.Topic, Partition: 0}

	b := &Broker{
		Config:           cfg,
		Partition:        p,
		topic:            tp,
		cache:            cache,
		retentionCleaner: retention.NewRetentionCleaner(cfg.RetentionConfig),
		compactor:        cleaner.NewCleanerManager(cfg.BaseDir, cfg.CompactionConfig, logger),
		purgatory:        fetch.NewPurgatory(),
		groups:           group.NewCoordinator(cfg.GroupConfig),
		logger:           logger,
		quit:             make(chan struct{}),
	}
	b.reaper = fetch.NewReaper(b.purgatory, cfg.FetchReaperTick)

	b.retentionCleaner.Register(p)
	// The broker's single topic is always registered compact: retention
	// (age/size) and compaction (dedup-by-key) both run against it, and only
	// PolicyCompact partitions are ever candidates in grabFilthiest.
	b.compactor.RegisterLog(
		cleaner.TopicPartition{Topic: tp.Topic, Partition: tp.Partition},
		partition.NewCleanerLog(p),
		cleaner.PolicyCompact,
	)

	return b
}

// GetLog implements fetch.LogProvider. This broker only ever hosts the one
// partition it was constructed with.
func (b *Broker) GetLog(tp fetch.TopicPartition) (fetch.Log, error) {
	if tp != b.topic {
		return nil, fetch.ErrUnknownTopicOrPartition
	}
	return b.Partition, nil
}

func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.Config.ListenAddr)
	if err != nil {
		return err
	}

	fmt.Printf("[Broker] Listening on %s\n", b.Config.ListenAddr)

	b.retentionCleaner.Start()
	b.compactor.Start()
	b.reaper.Start()
	b.groups.Start()

	go func() {
		<-b.quit
		fmt.Println("[Broker] Stopping... closing listener")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.quit:
				return nil
			default:
				fmt.Printf("[Broker] Accept error: %v\n", err)
				continue
			}
		}

		b.wg.Add(1)
		go b.handleConnection(conn)
	}
}

func (b *Broker) Stop() {
	close(b.quit)
	b.wg.Wait()

	b.groups.Stop()
	b.reaper.Stop()
	b.compactor.Stop()
	b.retentionCleaner.Stop()
}

func (b *Broker) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		b.wg.Done()
	}()

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				fmt.Printf("[Broker] Connection closed/error: %v\n", err)
			}
			return
		}

		err = func() error {

			// NOTE(Danu): 요청 처리 후 메모리 반납
			defer req.Release()

			respBody, handleErr := b.handleRequest(req)
			if handleErr != nil {
				fmt.Printf("[Broker] Handler Error: %v\n", handleErr)
				return handleErr
			}

			return protocol.SendResponse(conn, req.Header.CorrelationID, respBody)
		}()

		if err != nil {
			return
		}
	}
}
