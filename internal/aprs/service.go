package aprs

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oh8fks/aprsmap/internal/config"
	"github.com/oh8fks/aprsmap/internal/geo"
	"github.com/oh8fks/aprsmap/pkg/logger"
)

// IngestStats is a snapshot of the pipeline counters for the status
// endpoint.
type IngestStats struct {
	LinesReceived    int64 `json:"lines_received"`
	LinesDropped     int64 `json:"lines_dropped"`
	RateLimited      int64 `json:"rate_limited"`
	Duplicates       int64 `json:"duplicates"`
	Classified       int64 `json:"classified"`
	PacketsPending   int   `json:"packets_pending"`
	PacketsCommitted int64 `json:"packets_committed"`
}

// Publisher receives freshly classified packets for live delivery. The
// call happens before the batch commit, so live viewers see a packet ahead
// of its own row id.
type Publisher interface {
	Publish(packets []*Packet)
}

type rawLine struct {
	text      string
	receiveTs int64
}

// IngestService runs the full ingestion pipeline: feed lines in, committed
// classified packets out. One goroutine reads the feed, a worker pool
// parses and classifies, the collector batches commits.
type IngestService struct {
	cfg      config.IngestConfig
	feedCfg  config.FeedConfig
	parser   *Parser
	stations StationStore

	hardLimiter *FrequencyLimiter
	softLimiter *FrequencyLimiter
	duplicates  *DuplicateDetector
	resolver    *Resolver
	classifier  *Classifier
	collector   *Collector

	feed      *FeedClient
	lines     []chan rawLine
	publisher Publisher
	logger    *logger.Logger

	linesReceived atomic.Int64
	linesDropped  atomic.Int64
	rateLimited   atomic.Int64
	duplicateHits atomic.Int64
	classified    atomic.Int64
}

// NewIngestService wires the pipeline from configuration.
func NewIngestService(
	cfg config.IngestConfig,
	feedCfg config.FeedConfig,
	packets PacketStore,
	stations StationStore,
	markers MarkerSequence,
	log *logger.Logger,
) *IngestService {
	policies := map[int]SourcePolicy{
		feedCfg.SourceID: {
			SendsDirect:     feedCfg.SendsDirect,
			AllowDuplicates: feedCfg.AllowDuplicates,
		},
	}
	minInterval := time.Duration(cfg.MinPacketIntervalSec) * time.Second

	// One queue per worker, filled by sender-callsign hash: a station's
	// packets are always handled by the same worker, so its packets resolve
	// and commit in arrival order and never race on the marker carry.
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	lines := make([]chan rawLine, workers)
	for i := range lines {
		lines[i] = make(chan rawLine, 4*cfg.BatchSize)
	}

	s := &IngestService{
		cfg:      cfg,
		feedCfg:  feedCfg,
		parser:   NewParser(feedCfg.SourceID),
		stations: stations,

		hardLimiter: NewFrequencyLimiter(minInterval, cfg.DuplicateCacheSize),
		softLimiter: NewFrequencyLimiter(minInterval, cfg.DuplicateCacheSize),
		duplicates: NewDuplicateDetector(
			time.Duration(cfg.DuplicateWindowSecs)*time.Second,
			cfg.DuplicateCacheSize, log),
		resolver: NewResolver(packets, NewMoveTypeClassifier(packets, log), policies, log),
		collector: NewCollector(packets, stations, cfg.BatchSize,
			time.Duration(cfg.BatchIdleFlushSecs)*time.Second,
			time.Duration(cfg.BatchMaxSpreadMs)*time.Millisecond, log),

		lines:  lines,
		logger: log.Named("ingest"),
	}
	s.classifier = NewClassifier(markers, policies, log)
	s.feed = NewFeedClient(feedCfg, s.handleLine, log)
	return s
}

// SetPublisher attaches the live delivery sink. Must be called before Run.
func (s *IngestService) SetPublisher(p Publisher) {
	s.publisher = p
}

// Run drives the pipeline until the context is cancelled or a storage
// connectivity loss surfaces from the collector.
func (s *IngestService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.feed.Run(ctx) })
	g.Go(func() error { return s.collector.Run(ctx) })

	for _, queue := range s.lines {
		queue := queue
		g.Go(func() error { return s.worker(ctx, queue) })
	}

	return g.Wait()
}

// Stats returns a snapshot of the pipeline counters.
func (s *IngestService) Stats() IngestStats {
	return IngestStats{
		LinesReceived:    s.linesReceived.Load(),
		LinesDropped:     s.linesDropped.Load(),
		RateLimited:      s.rateLimited.Load(),
		Duplicates:       s.duplicateHits.Load(),
		Classified:       s.classified.Load(),
		PacketsPending:   s.collector.Pending(),
		PacketsCommitted: s.collector.Committed(),
	}
}

// handleLine is the feed callback. It applies the hard pre-parse limiter
// when fast packets are not stored, then routes the line to the sender's
// worker queue. A full queue drops the line rather than stalling the feed
// socket.
func (s *IngestService) handleLine(line string, receiveTs int64) {
	s.linesReceived.Add(1)

	sender := line
	if gt := strings.Index(line, ">"); gt > 0 {
		sender = line[:gt]
	}
	if !s.cfg.StoreFastPackets && !s.hardLimiter.AllowRaw(sender) {
		s.rateLimited.Add(1)
		return
	}

	select {
	case s.lines[shardIndex(sender, len(s.lines))] <- rawLine{text: line, receiveTs: receiveTs}:
	default:
		s.linesDropped.Add(1)
	}
}

// shardIndex pins a sender callsign to one worker queue.
func shardIndex(sender string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return int(h.Sum32() % uint32(n))
}

func (s *IngestService) worker(ctx context.Context, queue chan rawLine) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-queue:
			if err := s.process(ctx, line); err != nil {
				return err
			}
		}
	}
}

// process runs one line through parse, guards, resolve, classify and the
// batch queue. Only connectivity errors propagate; everything else is
// logged and the line is dropped.
func (s *IngestService) process(ctx context.Context, line rawLine) error {
	p, body := s.parser.Parse(line.text, line.receiveTs)

	station, err := s.stations.GetOrCreate(ctx, p.StationName, p.SourceID)
	if err != nil {
		return s.packetError(err, p, "resolve station")
	}
	p.StationID = station.ID
	if p.SenderName == p.StationName {
		p.SenderID = station.ID
	} else {
		sender, err := s.stations.GetOrCreate(ctx, p.SenderName, p.SourceID)
		if err != nil {
			return s.packetError(err, p, "resolve sender")
		}
		p.SenderID = sender.ID
	}

	// Soft limiter: fast packets are either demoted to their own class and
	// stored without continuity, or dropped outright.
	if p.MapID == 0 && !s.softLimiter.Allow(p) {
		s.rateLimited.Add(1)
		if !s.cfg.StoreFastPackets {
			return nil
		}
		p.MapID = ClassTooFrequent
	}

	// A confirmed duplicate is stored hidden under the replaced class with
	// no links, keeping the station's raw history complete without touching
	// the map or the marker carry.
	if s.duplicates.IsDuplicate(p, body, station) {
		s.duplicateHits.Add(1)
		p.MapID = ClassReplaced
		p.MarkerID = MarkerUnknown
		p.MarkerCounter = 1
		p.TailTimestamp = p.Timestamp
		p.PositionTimestamp = p.Timestamp
		if p.HasPosition() {
			p.MapCell = geo.CellForPosition(*p.Lat, *p.Lon)
		} else {
			p.MapCell = geo.NoCell
		}
		return s.collector.Add(ctx, p)
	}

	prev, moving, err := s.resolver.Resolve(ctx, p)
	if err != nil {
		return s.packetError(err, p, "resolve previous packet")
	}
	s.classifier.Process(ctx, p, prev, moving)
	s.classified.Add(1)

	if s.publisher != nil && p.MapID.IsMapVisible() {
		s.publisher.Publish([]*Packet{p})
	}

	return s.collector.Add(ctx, p)
}

// packetError decides whether a per-packet storage error is fatal.
// Connectivity loss tears the pipeline down for a clean restart; anything
// else costs only this packet.
func (s *IngestService) packetError(err error, p *Packet, op string) error {
	if errors.Is(err, ErrConnectivityLost) {
		return err
	}
	s.logger.Warn("Dropping packet",
		logger.String("op", op),
		logger.String("station", p.StationName),
		logger.Error(err))
	return nil
}
