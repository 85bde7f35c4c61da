package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/flowdraw/collab/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

The default url is:
    host_url: ws://localhost:8090/sync

Usage:
    collabctl login [--host_url=<host_url>] --user=<username> [--password=<password>]
    collabctl list [--host_url=<host_url>] --jwt=<jwt>
    collabctl get [--host_url=<host_url>] --jwt=<jwt> <doc_id>
    collabctl save [--host_url=<host_url>] --jwt=<jwt> <file>
    collabctl delete [--host_url=<host_url>] --jwt=<jwt> <doc_id>
    collabctl share [--host_url=<host_url>] --jwt=<jwt> <doc_id> <shares_json>
    collabctl transfer [--host_url=<host_url>] --jwt=<jwt> <doc_id>
        --owner_id=<owner_id> --owner_name=<owner_name>
    collabctl watch [--host_url=<host_url>] --jwt=<jwt> <doc_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --host_url=<host_url>
    --user=<username>
    --password=<password>      Prompted when omitted.
    --jwt=<jwt>                Bearer token from login.
    --owner_id=<owner_id>      New owner user id.
    --owner_name=<owner_name>  New owner user name.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteDoc(opts)
	} else if share_, _ := opts.Bool("share"); share_ {
		share(opts)
	} else if transfer_, _ := opts.Bool("transfer"); transfer_ {
		transfer(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func hostUrl(opts docopt.Opts) string {
	if hostUrl_, err := opts.String("--host_url"); err == nil && hostUrl_ != "" {
		return hostUrl_
	}
	return "ws://localhost:8090/sync"
}

// dial opens a connection joined to the doc and waits for it to settle
// either authenticated or failed.
func dial(ctx context.Context, opts docopt.Opts, docId string) *collab.Conn {
	jwt, _ := opts.String("--jwt")

	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConnWithDefaults(ctx, hostUrl(opts), docId, &collab.ConnAuth{
		Token: jwt,
	}, doc, awareness)

	settled := make(chan collab.ConnectionState, 8)
	unsub := conn.AddStateChangeCallback(func(state collab.ConnectionState, errorMessage string, reconnectAttempts int) {
		switch state {
		case collab.ConnectionStateAuthenticated, collab.ConnectionStateError:
			settled <- state
		}
	})
	defer unsub()

	conn.Connect()
	select {
	case state := <-settled:
		if state == collab.ConnectionStateError {
			conn.Destroy()
			Err.Fatalf("Connection failed: %s", conn.StateError())
		}
	case <-time.After(15 * time.Second):
		conn.Destroy()
		Err.Fatalf("Connection timeout")
	}
	return conn
}

func login(opts docopt.Opts) {
	username, err := opts.String("--user")
	if err != nil || username == "" {
		Err.Fatalf("No username provided")
	}
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConnWithDefaults(ctx, hostUrl(opts), "lobby", nil, doc, awareness)
	defer conn.Destroy()

	connected := make(chan struct{}, 1)
	unsub := conn.AddStateChangeCallback(func(state collab.ConnectionState, errorMessage string, reconnectAttempts int) {
		if state == collab.ConnectionStateConnected {
			connected <- struct{}{}
		}
	})
	defer unsub()

	conn.Connect()
	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		Err.Fatalf("Connection timeout")
	}

	result, err := conn.LoginWithCredentialsSync(username, password)
	if err != nil {
		Err.Fatalf("Login failed: %s", err)
	}
	if !result.Success {
		Err.Fatalf("Login failed: %s", result.Error)
	}
	Out.Printf("%s", result.Token)
}

func list(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, "lobby")
	defer conn.Destroy()

	infos, err := conn.ListDocumentsSync()
	if err != nil {
		Err.Fatalf("List failed: %s", err)
	}
	for _, info := range infos {
		Out.Printf("%s  %s  (owner %s, modified %s)",
			info.Id,
			info.Name,
			info.OwnerName,
			time.UnixMilli(info.ModifiedAt).Format(time.RFC3339),
		)
	}
}

func get(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, docId)
	defer conn.Destroy()

	document, err := conn.GetDocumentSync(docId)
	if err != nil {
		Err.Fatalf("Get failed: %s", err)
	}
	b, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		Err.Fatalf("Encode failed: %s", err)
	}
	Out.Printf("%s", b)
}

func save(opts docopt.Opts) {
	file, _ := opts.String("<file>")
	b, err := os.ReadFile(file)
	if err != nil {
		Err.Fatalf("Could not read %s: %s", file, err)
	}
	var document collab.Document
	if err := json.Unmarshal(b, &document); err != nil {
		Err.Fatalf("Could not parse %s: %s", file, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, "lobby")
	defer conn.Destroy()

	if err := conn.SaveDocumentSync(&document); err != nil {
		Err.Fatalf("Save failed: %s", err)
	}
	Out.Printf("saved")
}

func deleteDoc(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, "lobby")
	defer conn.Destroy()

	if err := conn.DeleteDocumentSync(docId); err != nil {
		Err.Fatalf("Delete failed: %s", err)
	}
	Out.Printf("deleted")
}

func share(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")
	sharesJson, _ := opts.String("<shares_json>")

	var shares []collab.ShareEntry
	if err := json.Unmarshal([]byte(sharesJson), &shares); err != nil {
		Err.Fatalf("Could not parse shares: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, "lobby")
	defer conn.Destroy()

	if err := conn.UpdateSharesSync(docId, shares); err != nil {
		Err.Fatalf("Share failed: %s", err)
	}
	Out.Printf("shared")
}

func transfer(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")
	ownerId, err := opts.String("--owner_id")
	if err != nil || ownerId == "" {
		Err.Fatalf("No owner id provided")
	}
	ownerName, _ := opts.String("--owner_name")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dial(ctx, opts, "lobby")
	defer conn.Destroy()

	if err := conn.TransferOwnershipSync(docId, ownerId, ownerName); err != nil {
		Err.Fatalf("Transfer failed: %s", err)
	}
	Out.Printf("transferred")
}

// watch joins the doc and streams remote entity changes, presence joins,
// and registry events until interrupted.
func watch(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwt, _ := opts.String("--jwt")
	doc := collab.NewDocStore()
	awareness := collab.NewAwareness(doc.ClientId())
	conn := collab.NewConnWithDefaults(ctx, hostUrl(opts), docId, &collab.ConnAuth{
		Token: jwt,
	}, doc, awareness)
	defer conn.Destroy()

	docUnsub := doc.AddEntityChangeCallback(func(change *collab.EntityChange) {
		for key := range change.Added {
			Out.Printf("+ %s", key)
		}
		for key := range change.Updated {
			Out.Printf("~ %s", key)
		}
		for _, key := range change.Removed {
			Out.Printf("- %s", key)
		}
	})
	defer docUnsub()

	awarenessUnsub := awareness.AddChangeCallback(func(changedClientIds []uint64) {
		for clientId, state := range awareness.RemoteUsers() {
			if state.User != nil {
				Out.Printf("presence %d: %s", clientId, state.User.Name)
			}
		}
	})
	defer awarenessUnsub()

	eventUnsub := conn.AddDocEventCallback(func(event *collab.DocEvent) {
		Out.Printf("event %s %s", event.EventType, event.DocId)
	})
	defer eventUnsub()

	syncedUnsub := conn.AddSyncedCallback(func() {
		Out.Printf("synced %s", docId)
	})
	defer syncedUnsub()

	conn.Connect()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
