package accesslog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/metrics"
)

const bufferSize = 4096

// NewOpenSearchClient connects to the cluster described by cfg.
func NewOpenSearchClient(cfg config.OpenSearchConfig) (*opensearch.Client, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return client, nil
}

// OpenSearchSink buffers entries and bulk-indexes them in the background.
// Entries are dropped, not queued without bound, when the buffer is full.
type OpenSearchSink struct {
	client        *opensearch.Client
	index         string
	flushInterval time.Duration
	entries       chan Entry
	logger        *logging.Logger
}

// NewOpenSearchSink creates a sink writing to index. Run must be started for
// entries to be shipped.
func NewOpenSearchSink(client *opensearch.Client, index string, flushInterval time.Duration, logger *logging.Logger) *OpenSearchSink {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OpenSearchSink{
		client:        client,
		index:         index,
		flushInterval: flushInterval,
		entries:       make(chan Entry, bufferSize),
		logger:        logger,
	}
}

func (s *OpenSearchSink) Write(_ context.Context, e Entry) {
	select {
	case s.entries <- e:
	default:
		metrics.AccessLogDropped.Inc()
	}
}

// Run ships buffered entries until ctx is done, then flushes what is left.
func (s *OpenSearchSink) Run(ctx context.Context) error {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        s.client,
		Index:         s.index,
		NumWorkers:    1,
		FlushInterval: s.flushInterval,
		OnError: func(_ context.Context, err error) {
			s.logger.Warn("access log bulk request failed", logging.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for {
		select {
		case e := <-s.entries:
			s.add(ctx, bi, e)
		case <-ctx.Done():
			return s.drain(bi)
		}
	}
}

func (s *OpenSearchSink) drain(bi opensearchutil.BulkIndexer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-s.entries:
			s.add(ctx, bi, e)
		default:
			if err := bi.Close(ctx); err != nil {
				s.logger.Warn("access log flush failed", logging.Error(err))
			}
			return nil
		}
	}
}

func (s *OpenSearchSink) add(ctx context.Context, bi opensearchutil.BulkIndexer, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		metrics.AccessLogDropped.Inc()
		return
	}
	err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
		Action: "index",
		Body:   bytes.NewReader(data),
		OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
			metrics.AccessLogDropped.Inc()
			if err == nil {
				err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
			}
			s.logger.Debug("access log entry rejected", logging.Error(err))
		},
	})
	if err != nil {
		metrics.AccessLogDropped.Inc()
	}
}
