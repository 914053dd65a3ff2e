package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/maniacs-ops/passenger/internal/aio"
	"github.com/maniacs-ops/passenger/internal/channel"
	"github.com/maniacs-ops/passenger/internal/eventloop"
	"github.com/maniacs-ops/passenger/internal/mbuf"
	"github.com/maniacs-ops/passenger/pkg/metrics"
)

// channeltest drives a FileBufferedChannel end to end and reports
// throughput. Plans:
//
//	PLAN=memory  small payloads below the threshold, no spill
//	PLAN=spill   payloads past the threshold with a slow consumer,
//	             exercising the disk round trip
//
// Tunables (env): PAYLOADS, PAYLOAD_SIZE, THRESHOLD, BUFFER_DIR,
// CONSUME_DELAY_US.
func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
	viper.AutomaticEnv()
	metrics.Init()

	plan := viper.GetString("PLAN")
	switch plan {
	case "memory":
		runPlan(planConfig{
			payloads:    intOr("PAYLOADS", 10000),
			payloadSize: intOr("PAYLOAD_SIZE", 512),
			threshold:   uint32(intOr("THRESHOLD", 64*1024*1024)),
		})
	case "spill":
		runPlan(planConfig{
			payloads:     intOr("PAYLOADS", 10000),
			payloadSize:  intOr("PAYLOAD_SIZE", 4096),
			threshold:    uint32(intOr("THRESHOLD", 64*1024)),
			consumeDelay: time.Duration(intOr("CONSUME_DELAY_US", 50)) * time.Microsecond,
		})
	default:
		log.Fatal().Str("plan", plan).Msg("invalid plan, want memory or spill")
	}
}

func intOr(key string, def int) int {
	if v := viper.GetInt(key); v != 0 {
		return v
	}
	return def
}

type planConfig struct {
	payloads     int
	payloadSize  int
	threshold    uint32
	consumeDelay time.Duration
}

func runPlan(pc planConfig) {
	loop := eventloop.New()
	go loop.Run()
	io := aio.NewPool(4, 512)
	pool, err := mbuf.NewPool(mbuf.DefaultBlockSize, 64)
	if err != nil {
		log.Fatal().Err(err).Msg("buffer pool init failed")
	}
	ctx, err := channel.NewContext(loop, io, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("context init failed")
	}

	cfg := channel.DefaultFileBufferedConfig()
	cfg.Threshold = pc.threshold
	if dir := viper.GetString("BUFFER_DIR"); dir != "" {
		cfg.BufferDir = dir
	}

	var received int64
	done := make(chan struct{})

	var c *channel.FileBufferedChannel
	loop.PostAndWait(func() {
		c, err = channel.NewFileBuffered(ctx, &cfg)
		if err != nil {
			return
		}
		c.SetDataCallback(func(ch *channel.Channel, buf mbuf.Buf) (int, bool) {
			if ch.ErrCode() != 0 {
				log.Error().Int("errno", int(ch.ErrCode())).Msg("consumer received error")
				close(done)
				return 0, false
			}
			if buf.Len() == 0 {
				close(done)
				return 0, false
			}
			received += int64(buf.Len())
			if pc.consumeDelay > 0 {
				// Simulates a slow sink: consumption completes after the
				// delay, so the producer gets ahead and the channel
				// actually spills.
				n := buf.Len()
				time.AfterFunc(pc.consumeDelay, func() {
					loop.Post(func() { c.Consumed(n, false) })
				})
				return -1, false
			}
			return buf.Len(), false
		})
	})
	if err != nil {
		log.Fatal().Err(err).Msg("channel init failed")
	}

	payload := make([]byte, pc.payloadSize)
	rand.Read(payload)

	start := time.Now()
	for i := 0; i < pc.payloads; i++ {
		loop.Post(func() {
			c.FeedBytes(payload)
		})
	}
	loop.Post(func() {
		c.FeedEOF()
	})
	<-done
	elapsed := time.Since(start)

	var mode channel.Mode
	loop.PostAndWait(func() { mode = c.Mode() })

	total := int64(pc.payloads) * int64(pc.payloadSize)
	log.Info().
		Int64("bytes_fed", total).
		Int64("bytes_received", received).
		Dur("elapsed", elapsed).
		Float64("mb_per_sec", float64(received)/elapsed.Seconds()/(1<<20)).
		Int("final_mode", int(mode)).
		Msg("plan complete")
	metrics.Timing(metrics.KEY_DRAIN_LATENCY, elapsed, nil)

	if received != total {
		log.Fatal().Int64("got", received).Int64("want", total).Msg("byte count mismatch")
	}

	io.Shutdown()
	loop.Stop()
}
