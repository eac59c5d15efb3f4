package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/emoon/remotelink/internal/fileserver"
	"github.com/emoon/remotelink/internal/rllog"
)

func main() {
	configPath := flag.String("config", "remotelink-server.yaml", "path to server config (created with defaults if missing)")
	root := flag.String("root", "", "served root directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := fileserver.LoadOrCreateConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *root != "" {
		cfg.ServedRoot = *root
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}

	var logSvc rllog.LogService = rllog.NullLogService{}
	if cfg.LogPath != "" {
		fileLog, err := rllog.NewFileLogService(cfg.LogPath, "remotelink-server", cfg.LogLevel)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer fileLog.Close()
		logSvc = fileLog
	}

	srv, err := fileserver.NewServer(cfg, logSvc)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}

	log.Printf("serving %s on %s", cfg.ServedRoot, cfg.ListenAddress)

	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Printf("accept loop stopped: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("shutting down")
	ln.Close()
}
