package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/O-Nicolinho/shardkv/internal/shardkv"
)

func main() {
	id := flag.Int("id", -1, "node index (0..n-1)")
	configPath := flag.String("config", "", "cluster config JSON (default: built-in 3-node cluster)")
	logLevel := flag.String("log-level", "info", "debug, info or off")
	inMemory := flag.Bool("in-memory", false, "ignore data_dir and keep no WAL")
	flag.Parse()

	level, err := shardkv.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("bad -log-level: %v", err)
	}

	cfg, err := shardkv.LoadClusterConfig(*configPath)
	if err != nil {
		log.Fatalf("LoadClusterConfig: %v", err)
	}
	me, err := cfg.ConfigForID(*id)
	if err != nil {
		log.Fatalf("must provide a valid -id (0..%d): %v", cfg.NServers()-1, err)
	}

	logger := shardkv.NewLogger(fmt.Sprintf("S%d", me.ID), level, os.Stderr)

	cluster, err := shardkv.NewRPCCluster(cfg, me.ID)
	if err != nil {
		log.Fatalf("NewRPCCluster: %v", err)
	}
	defer cluster.Close()

	dataDir := me.DataDir
	if *inMemory {
		dataDir = ""
	}

	// Boot node (WAL open + replay -> Store).
	kv, err := shardkv.StartKVServer(cluster, shardkv.ServerOptions{
		DataDir: dataDir,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("StartKVServer failed: %v", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Printf("kv.Close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", me.RPCAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", me.RPCAddr, err)
	}
	go func() {
		logger.Infof(shardkv.LogTopicServer, "rpc serving at %s", me.RPCAddr)
		if err := shardkv.ServeRPC(ctx, kv, lis); err != nil {
			log.Printf("rpc server exited: %v", err)
			stop()
		}
	}()

	var srv *shardkv.HTTPServer
	if me.HTTPAddr != "" {
		srv = shardkv.NewHTTPServer(kv, me.HTTPAddr)
		go func() {
			logger.Infof(shardkv.LogTopicHTTP, "http serving at %s (id=%d data=%q)", me.HTTPAddr, me.ID, dataDir)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server exited: %v", err)
				stop()
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM
	<-ctx.Done()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}
	log.Printf("adieu")
}
