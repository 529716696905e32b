// Command relaymeshdemo wires two in-process peers over a bridged
// in-memory channel, mutates a shared document on each side, and waits
// for them to converge. It is meant as a runnable illustration of
// pkg/repo, not a production deployment.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/knirvcorp/relaymesh/go/internal/channel"
	"github.com/knirvcorp/relaymesh/go/internal/identity"
	"github.com/knirvcorp/relaymesh/go/internal/ids"
	"github.com/knirvcorp/relaymesh/go/internal/logging"
	"github.com/knirvcorp/relaymesh/go/internal/monitoring"
	"github.com/knirvcorp/relaymesh/go/internal/rules"
	"github.com/knirvcorp/relaymesh/go/pkg/repo"
)

func main() {
	ctx := context.Background()

	logger, err := logging.NewLogger("info", "console")
	if err != nil {
		log.Fatal(err)
	}

	memA := channel.NewMemoryAdapter("alice-mesh")
	memB := channel.NewMemoryAdapter("bob-mesh")
	channel.Bridge(memA, memB)

	alice, err := repo.New(ctx, repo.Options{
		Identity: identity.Identity{PeerID: "alice", Name: "Alice", Type: identity.TypeUser},
		Adapters: []channel.Adapter{memA},
		Rules:    rules.New(),
		Logger:   logger,
		Metrics:  monitoring.NewMetrics(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer alice.Shutdown()

	bob, err := repo.New(ctx, repo.Options{
		Identity: identity.Identity{PeerID: "bob", Name: "Bob", Type: identity.TypeUser},
		Adapters: []channel.Adapter{memB},
		Rules:    rules.New(),
		Logger:   logger,
		Metrics:  monitoring.NewMetrics(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer bob.Shutdown()

	fmt.Println("relaymeshdemo: two peers bridged over an in-memory channel")

	note := alice.Get(ids.DocId("shared-note"))
	if err := note.Set("title", "Hello from Alice"); err != nil {
		log.Fatal(err)
	}
	if err := note.Increment("views", 1); err != nil {
		log.Fatal(err)
	}

	bobNote := bob.Get(ids.DocId("shared-note"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := bob.Sync(ids.DocId("shared-note")).WaitForSync(waitCtx, "", 5*time.Second); err != nil {
		log.Fatalf("bob never synced: %v", err)
	}

	fmt.Printf("bob's copy of shared-note: %+v\n", bobNote.ToMap())

	if err := bobNote.Increment("views", 1); err != nil {
		log.Fatal(err)
	}

	aliceWaitCtx, aliceCancel := context.WithTimeout(ctx, 5*time.Second)
	defer aliceCancel()
	if _, err := alice.Sync(ids.DocId("shared-note")).WaitForSync(aliceWaitCtx, "", 5*time.Second); err != nil {
		log.Fatalf("alice never re-synced: %v", err)
	}

	fmt.Printf("alice's copy of shared-note after bob's increment: %+v\n", note.ToMap())
	fmt.Println("relaymeshdemo: done")
}
