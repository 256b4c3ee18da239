package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
)

const influxMeasurement = "ctlflow_events"

var ErrInfluxUnhealthy = errors.New("influxdb not healthy")

type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// InfluxSink writes one point per event through the non-blocking write API.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// DialInflux connects and pings the server before returning.
func DialInflux(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnhealthy
	}

	s := &InfluxSink{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func(errs <-chan error) {
		for err := range errs {
			log.Warn().Err(err).Msg("influxdb write failed")
		}
	}(s.writeAPI.Errors())
	return s, nil
}

func (s *InfluxSink) Inc(event string) {
	s.writeAPI.WritePoint(write.NewPoint(
		influxMeasurement,
		map[string]string{"event": event},
		map[string]interface{}{"count": 1},
		time.Now(),
	))
}

// Close flushes pending points.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
