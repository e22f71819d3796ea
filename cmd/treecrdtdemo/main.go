// Command treecrdtdemo exercises a two-replica document end to end: it
// mints an identity and a self-issued capability token for each replica,
// authors a few structural ops on one side, connects the replicas over an
// in-memory transport, and reconciles. Modeled on the teacher's own
// trie_bench command, a single os.Args-dispatched binary with one
// subcommand per thing worth demonstrating rather than a flag-heavy CLI
// framework.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/outlinesync/treecrdt"
	"github.com/outlinesync/treecrdt/auth"
	"github.com/outlinesync/treecrdt/badgerbackend"
	"github.com/outlinesync/treecrdt/identity"
	"github.com/outlinesync/treecrdt/memorybackend"
	"github.com/outlinesync/treecrdt/replica"
	"github.com/outlinesync/treecrdt/transport"
)

const usage = "run an in-memory two-replica sync demo. USAGE: treecrdtdemo -sync\n" +
	"run the same demo with a badger-backed persistent store. USAGE: treecrdtdemo -syncpersist <dir>\n"

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}
	switch os.Args[1] {
	case "-sync":
		must(runSyncDemo(""))
	case "-syncpersist":
		if len(os.Args) != 3 {
			fmt.Print(usage)
			os.Exit(1)
		}
		must(runSyncDemo(os.Args[2]))
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
}

func newNodeId() treecrdt.NodeId {
	var id treecrdt.NodeId
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// mintReplica generates an identity, a capability token granting it every
// action over the whole document, and a Replica wrapping backend.
func mintReplica(docId string, backend treecrdt.Backend) (*replica.Replica, error) {
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, err
	}

	grant := auth.CapGrant{
		Res:     auth.ResourceScope{DocId: docId},
		Actions: []treecrdt.Action{treecrdt.ActionWriteStructure, treecrdt.ActionDelete, treecrdt.ActionWritePayload},
	}
	token, err := auth.Issue(pub, kp.Sign, auth.CapabilityToken{
		Subject: pub,
		DocId:   docId,
		Caps:    []auth.CapGrant{grant},
		HasIat:  true,
		Iat:     time.Now(),
	})
	if err != nil {
		return nil, err
	}

	r, err := replica.New(docId, backend, kp, []auth.HeldToken{{Token: token}}, treecrdt.DefaultConfig())
	if err != nil {
		return nil, err
	}
	r.WitnessToken(token)
	return r, nil
}

func runSyncDemo(badgerDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const docId = "demo-doc"

	var backendA, backendB treecrdt.Backend
	if badgerDir == "" {
		backendA = memorybackend.New(docId)
		backendB = memorybackend.New(docId)
	} else {
		bA, err := badgerbackend.Open(docId, badgerDir+"/a")
		if err != nil {
			return err
		}
		defer bA.Close()
		bB, err := badgerbackend.Open(docId, badgerDir+"/b")
		if err != nil {
			return err
		}
		defer bB.Close()
		backendA, backendB = bA, bB
	}

	alice, err := mintReplica(docId, backendA)
	if err != nil {
		return err
	}
	bob, err := mintReplica(docId, backendB)
	if err != nil {
		return err
	}

	folder := newNodeId()
	if _, err := alice.Insert(ctx, folder, treecrdt.RootNodeId, []byte{0x80}, []byte("notes")); err != nil {
		return err
	}
	note := newNodeId()
	if _, err := alice.Insert(ctx, note, folder, []byte{0x80}, []byte("hello from alice")); err != nil {
		return err
	}

	reminder := newNodeId()
	if _, err := bob.Insert(ctx, reminder, treecrdt.RootNodeId, []byte{0x80}, []byte("reminder from bob")); err != nil {
		return err
	}

	tAlice, tBob := transport.Pair()
	sessAlice := alice.Listen(tAlice)
	sessBob := bob.Listen(tBob)
	defer alice.Disconnect(sessAlice)
	defer bob.Disconnect(sessBob)

	aliceErrCh := make(chan error, 1)
	go func() {
		_, err := alice.Subscribe(ctx, sessAlice, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.DefaultSubscribeOptions())
		aliceErrCh <- err
	}()
	if _, err := bob.Subscribe(ctx, sessBob, []treecrdt.Filter{treecrdt.AllFilter()}, treecrdt.DefaultSubscribeOptions()); err != nil {
		return err
	}
	if err := <-aliceErrCh; err != nil {
		return err
	}

	// Allow the asynchronous in-memory transport a moment to settle the
	// OpBatch exchange both Hello/Reconcile calls triggered.
	time.Sleep(200 * time.Millisecond)

	refsA, err := backendA.ListOpRefs(ctx, treecrdt.AllFilter())
	if err != nil {
		return err
	}
	refsB, err := backendB.ListOpRefs(ctx, treecrdt.AllFilter())
	if err != nil {
		return err
	}
	glog.Infof("alice has %d ops, bob has %d ops after reconcile", len(refsA), len(refsB))
	fmt.Printf("alice: %d ops\nbob:   %d ops\n", len(refsA), len(refsB))
	return nil
}
