package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"myHttpCore/pkg"
)

type server interface {
	Start(port int) error
	Stop()
	SetRequestCallback(cb pkg.RequestCallback)
}

func main() {
	port := flag.Int("port", 8080, "TCP port to listen on")
	engine := flag.String("engine", "net", "connection engine: net or gnet (gnet also closes in-flight connections on shutdown)")
	maxHeaderBytes := flag.Int("max-header-bytes", pkg.DefaultMaxHeaderBytes, "largest request header accepted")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	var s server

	switch *engine {
	case "net":
		ns := pkg.NewServer()
		ns.MaxHeaderBytes = *maxHeaderBytes
		ns.ErrorLog = logger
		s = ns
	case "gnet":
		es := pkg.NewEventServer()
		es.MaxHeaderBytes = *maxHeaderBytes
		es.Multicore = true
		es.ErrorLog = logger
		s = es
	default:
		logger.Fatalf("unknown engine %q", *engine)
	}

	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "hello")
	})
	r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		_, _ = w.Write(body)
	})

	s.SetRequestCallback(pkg.Adapt(r))

	if err := s.Start(*port); err != nil {
		if pkg.IsBindError(err) {
			logger.Fatalf("port %d unavailable: %v", *port, err)
		}

		logger.Panic(err)
	}

	logger.Printf("listening on :%d (%s)", *port, *engine)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	s.Stop()
}
