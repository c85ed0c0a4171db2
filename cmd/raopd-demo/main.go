// Command raopd-demo wires a single raopd.Session to a Sink that writes
// decoded PCM frames to a file, for manual testing against a real sender.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwsl/raopd"
)

// fileSink appends every delivered frame's PCM payload to an open file,
// ignoring the optional control-plane capabilities entirely.
type fileSink struct {
	f *os.File
}

func (s *fileSink) AudioInit() (interface{}, error) { return nil, nil }
func (s *fileSink) AudioDestroy(interface{})        { s.f.Close() }

func (s *fileSink) AudioProcess(_ interface{}, frame raopd.Frame) {
	s.f.Write(frame.Data)
}

func main() {
	out := flag.String("out", "raopd-demo.pcm", "path to write raw decoded PCM")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on")
	remoteHost := flag.String("remote", "127.0.0.1", "sender's IP address")
	controlRport := flag.Uint("control-rport", 6001, "sender's control port")
	timingRport := flag.Uint("timing-rport", 6002, "sender's timing port")
	flag.Parse()

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "raopd-demo:", err)
		os.Exit(1)
	}

	logger := raopd.NewStdLogger("raopd-demo ", raopd.LevelInfo)
	reg := prometheus.NewRegistry()
	metrics := raopd.NewMetrics(reg)

	key := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintln(os.Stderr, "raopd-demo:", err)
		os.Exit(1)
	}
	if _, err := rand.Read(iv); err != nil {
		fmt.Fprintln(os.Stderr, "raopd-demo:", err)
		os.Exit(1)
	}

	remoteIP := net.ParseIP(*remoteHost).To4()
	if remoteIP == nil {
		fmt.Fprintln(os.Stderr, "raopd-demo: remote must be an IPv4 address for this demo")
		os.Exit(1)
	}

	session, err := raopd.NewSession(logger, &fileSink{f: f}, remoteIP, key, iv, nil, uint16(*timingRport), raopd.DefaultConfig(), raopd.WithMetrics(metrics))
	if err != nil {
		fmt.Fprintln(os.Stderr, "raopd-demo:", err)
		os.Exit(1)
	}

	controlLport, timingLport, dataLport, err := session.StartAudio(true, uint16(*controlRport))
	if err != nil {
		fmt.Fprintln(os.Stderr, "raopd-demo:", err)
		os.Exit(1)
	}
	logger.Logf(raopd.LevelInfo, "listening: control=%d timing=%d data=%d", controlLport, timingLport, dataLport)

	go func() {
		err := promhttpServer(*metricsAddr, reg)
		logger.Logf(raopd.LevelWarn, "metrics server exited: %v", err)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	session.Stop()
}

func promhttpServer(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
