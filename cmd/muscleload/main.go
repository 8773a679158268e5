// Command muscleload drives a ramping load test against a musclesrv
// instance: it opens connections at a configurable rate, performs the
// auth handshake, subscribes to a wildcard pattern, and pings
// periodically, reporting throughput until interrupted. Grounded in the
// teacher's sustained-load client (loadtest/main.go)'s ramp-up/report
// structure, adapted from WebSocket JSON frames to the raw length-prefixed
// MUSCLE wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/musclereflect/muscle/internal/auth"
	"github.com/musclereflect/muscle/internal/message"
	"github.com/musclereflect/muscle/internal/session"
	"github.com/musclereflect/muscle/internal/storage"
)

type config struct {
	addr              string
	targetConnections int
	rampRate          int
	durationSec       int
	reportIntervalSec int
	subscribePattern  string
	token             string
}

type counters struct {
	totalCreated      int64
	activeConnections int64
	failedConnections int64
	pingsSent         int64
	pongsReceived     int64
	updatesReceived   int64
}

func main() {
	cfg := parseFlags()

	log.Printf("muscleload: target=%d ramp=%d/s duration=%ds addr=%s pattern=%q",
		cfg.targetConnections, cfg.rampRate, cfg.durationSec, cfg.addr, cfg.subscribePattern)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c counters

	go periodicReport(ctx, cfg, &c)

	if err := rampUp(ctx, cfg, &c); err != nil && err != context.Canceled {
		log.Printf("ramp-up stopped: %v", err)
	}

	<-ctx.Done()
	log.Printf("final: created=%d active=%d failed=%d pings=%d pongs=%d updates=%d",
		atomic.LoadInt64(&c.totalCreated), atomic.LoadInt64(&c.activeConnections),
		atomic.LoadInt64(&c.failedConnections), atomic.LoadInt64(&c.pingsSent),
		atomic.LoadInt64(&c.pongsReceived), atomic.LoadInt64(&c.updatesReceived))
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.addr, "addr", getEnv("MUSCLELOAD_ADDR", "127.0.0.1:2960"), "musclesrv TCP address")
	flag.IntVar(&cfg.targetConnections, "connections", getEnvInt("MUSCLELOAD_CONNECTIONS", 100), "target number of connections")
	flag.IntVar(&cfg.rampRate, "ramp-rate", getEnvInt("MUSCLELOAD_RAMP_RATE", 20), "connections per second during ramp-up")
	flag.IntVar(&cfg.durationSec, "duration", getEnvInt("MUSCLELOAD_DURATION", 60), "sustain duration in seconds")
	flag.IntVar(&cfg.reportIntervalSec, "report-interval", 5, "report interval in seconds")
	flag.StringVar(&cfg.subscribePattern, "pattern", getEnv("MUSCLELOAD_PATTERN", "*"), "subscription pattern each connection registers")
	flag.StringVar(&cfg.token, "token", getEnv("MUSCLELOAD_TOKEN", ""), "bearer token for the auth handshake")
	flag.Parse()
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func rampUp(ctx context.Context, cfg config, c *counters) error {
	batchInterval := 100 * time.Millisecond
	batchSize := cfg.rampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}

	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	connID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if int(atomic.LoadInt64(&c.totalCreated)) >= cfg.targetConnections {
				log.Printf("ramp-up complete: %d connections", atomic.LoadInt64(&c.totalCreated))
				return waitForSustain(ctx, cfg)
			}
			for i := 0; i < batchSize && int(atomic.LoadInt64(&c.totalCreated)) < cfg.targetConnections; i++ {
				atomic.AddInt64(&c.totalCreated, 1)
				id := connID
				connID++
				go runConnection(ctx, cfg, c, id)
			}
		}
	}
}

func waitForSustain(ctx context.Context, cfg config) error {
	select {
	case <-time.After(time.Duration(cfg.durationSec) * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runConnection(ctx context.Context, cfg config, c *counters, id int) {
	conn, err := net.DialTimeout("tcp", cfg.addr, 10*time.Second)
	if err != nil {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}
	defer conn.Close()

	gw := session.NewMessageGateway(conn)

	req := message.New(auth.WhatAuth)
	req.SetString("token", cfg.token)
	if err := gw.WriteMessage(req); err != nil {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}
	reply, err := gw.ReadMessage(1 << 20)
	if err != nil || reply.What != auth.WhatAuthReply {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}

	sub := message.New(storage.WhatSubscribe)
	sub.SetString("path", cfg.subscribePattern)
	if err := gw.WriteMessage(sub); err != nil {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}

	atomic.AddInt64(&c.activeConnections, 1)
	defer atomic.AddInt64(&c.activeConnections, -1)

	go pingLoop(ctx, gw, c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		m, err := gw.ReadMessage(1 << 20)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		switch m.What {
		case storage.WhatPong:
			atomic.AddInt64(&c.pongsReceived, 1)
		default:
			atomic.AddInt64(&c.updatesReceived, 1)
		}
	}
}

func pingLoop(ctx context.Context, gw *session.MessageGateway, c *counters) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.WriteMessage(message.New(storage.WhatPing)); err != nil {
				return
			}
			atomic.AddInt64(&c.pingsSent, 1)
		}
	}
}

func periodicReport(ctx context.Context, cfg config, c *counters) {
	ticker := time.NewTicker(time.Duration(cfg.reportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("created=%d active=%d failed=%d pings=%d pongs=%d updates=%d",
				atomic.LoadInt64(&c.totalCreated), atomic.LoadInt64(&c.activeConnections),
				atomic.LoadInt64(&c.failedConnections), atomic.LoadInt64(&c.pingsSent),
				atomic.LoadInt64(&c.pongsReceived), atomic.LoadInt64(&c.updatesReceived))
		}
	}
}
