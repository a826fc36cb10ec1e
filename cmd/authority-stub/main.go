package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"

	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/authority/remote"
	"scriptgate.org/internal/obs"
)

func main() {
	var (
		addr       = flag.String("addr", ":9091", "listen address")
		apiKey     = flag.String("api-key", os.Getenv("SCRIPTGATE_AUTHORITY_API_KEY"), "API key callers must present (empty disables the check)")
		identities = flag.String("identities", "", "comma separated identities ValidateIdentity accepts (empty accepts all)")
		reject     = flag.String("reject", "", "comma separated resource ids that always fail")
	)
	flag.Parse()

	mem := authority.NewInMemory()
	for _, name := range splitCSV(*identities) {
		mem.KnowIdentity(name)
	}
	for _, id := range splitCSV(*reject) {
		mem.Reject(id, "Failure")
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen %s: %v", *addr, err)
	}
	srv := grpc.NewServer()
	remote.Register(srv, mem, *apiKey)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		obs.Info("authority_stub_stopping", nil)
		srv.GracefulStop()
	}()

	obs.Info("authority_stub_listening", map[string]any{"addr": lis.Addr().String(), "api_key": *apiKey != ""})
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
