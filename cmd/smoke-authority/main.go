package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/authority/remote"
)

func main() {
	var (
		addr     = flag.String("addr", envOr("SCRIPTGATE_AUTHORITY_TARGET", "localhost:9091"), "authority gRPC address")
		apiKey   = flag.String("api-key", os.Getenv("SCRIPTGATE_AUTHORITY_API_KEY"), "authority API key")
		identity = flag.String("identity", "", "external identity to grant and revoke (optional)")
		resource = flag.String("resource", "", "resource external id to grant and revoke (optional)")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := remote.Dial(ctx, *addr, *apiKey)
	cancel()
	if err != nil {
		log.Fatalf("dial authority at %s: %v", *addr, err)
	}
	defer client.Close()

	guard := authority.NewGuard(client, authority.WithTimeout(10*time.Second))

	ctxOp, cancelOp := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelOp()

	ok, err := guard.Authenticate(ctxOp)
	if err != nil {
		log.Fatalf("authenticate: %v", err)
	}
	if !ok {
		log.Fatal("authenticate: rejected")
	}

	if *identity == "" || *resource == "" {
		fmt.Printf("✅ authority smoke test passed: authenticated at %s\n", *addr)
		return
	}

	verified, valid, err := guard.ValidateIdentity(ctxOp, *identity)
	if err != nil {
		log.Fatalf("validate identity: %v", err)
	}
	if !valid {
		log.Fatalf("identity %q is unknown to the authority", *identity)
	}

	granted, err := guard.GrantBatch(ctxOp, verified, []string{*resource})
	if err != nil {
		log.Fatalf("grant: %v", err)
	}
	revoked, err := guard.RevokeBatch(ctxOp, verified, []string{*resource})
	if err != nil {
		log.Fatalf("revoke: %v", err)
	}
	g := authority.Match([]string{*resource}, granted)[0]
	r := authority.Match([]string{*resource}, revoked)[0]
	if !g.Succeeded || !r.Succeeded {
		log.Fatalf("round trip failed: grant=%q revoke=%q", g.RawStatus, r.RawStatus)
	}

	fmt.Printf("✅ authority smoke test passed: %s granted and revoked %s\n", verified, *resource)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
