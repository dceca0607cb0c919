package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"aurumlife.com/reconcile"
)

const ReconcileCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Aurum reconcile control.

The default url is:
    api_url: https://api.aurumlife.com/api

Entity types: pillar, area, project, task, journal

Usage:
    reconcilectl list --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        [--archived] [--children]
    reconcilectl create --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        --data=<json>
    reconcilectl update --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        --id=<id> --data=<json>
    reconcilectl archive --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        --id=<id> [--restore]
    reconcilectl delete --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        --id=<id>
    reconcilectl watch --type=<type> [--api_url=<api_url>] [--jwt=<jwt>]
        [--archived] [--children] [--poll=<seconds>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>
    --type=<type>          Entity type.
    --jwt=<jwt>            Your platform JWT. Prompted for if omitted.
    --id=<id>              Target record id.
    --data=<json>          Payload or patch as a json object.
    --archived             Include archived records in the list.
    --children             Include linked child records in the list.
    --restore              Un-archive instead of archive.
    --poll=<seconds>       Watch poll interval. [default: 5]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReconcileCtlVersion)
	if err != nil {
		panic(err)
	}

	if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if archive_, _ := opts.Bool("archive"); archive_ {
		archive(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteRecord(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func newCoordinator(opts docopt.Opts) (*reconcile.MutationCoordinator, func()) {
	apiUrl, err := opts.String("--api_url")
	if err != nil || apiUrl == "" {
		apiUrl = "https://api.aurumlife.com/api"
	}

	byJwt, err := opts.String("--jwt")
	if err != nil || byJwt == "" {
		fmt.Fprint(os.Stderr, "jwt: ")
		jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read jwt: %s", err)
		}
		byJwt = string(jwtBytes)
	}

	parsed, err := reconcile.ParseByJwtUnverified(byJwt)
	if err != nil {
		Err.Fatalf("Could not parse jwt: %s", err)
	}

	api := reconcile.NewAurumApi(apiUrl)
	api.SetByJwt(byJwt)

	cache := reconcile.NewLocalCache()
	windows := reconcile.NewConsistencyWindowStore(windowStorage(parsed.UserId))
	coordinator := reconcile.NewMutationCoordinatorWithDefaults(api, cache, windows)

	closeFn := func() {
		coordinator.Close()
		api.Close()
	}
	return coordinator, closeFn
}

// the window file survives process restarts, so a restart right after a
// write still forces the authoritative read path
func windowStorage(userId string) reconcile.WindowStorage {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return reconcile.NewMemoryWindowStorage()
	}
	dir := filepath.Join(cacheDir, "aurum-reconcile")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return reconcile.NewMemoryWindowStorage()
	}
	return reconcile.NewFileWindowStorage(filepath.Join(dir, userId+".windows"))
}

func entityType(opts docopt.Opts) reconcile.EntityType {
	entityType_, err := opts.String("--type")
	if err != nil {
		Err.Fatalf("Missing --type: %s", err)
	}
	return reconcile.EntityType(entityType_)
}

func dataRecord(opts docopt.Opts) reconcile.Record {
	data, err := opts.String("--data")
	if err != nil {
		Err.Fatalf("Missing --data: %s", err)
	}
	var record reconcile.Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		Err.Fatalf("Could not parse --data: %s", err)
	}
	return record
}

func printRecords(records []reconcile.Record) {
	for _, record := range records {
		recordJson, err := json.Marshal(record)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		Out.Printf("%s", recordJson)
	}
}

func list(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	includeArchived, _ := opts.Bool("--archived")
	includeChildren, _ := opts.Bool("--children")
	filter := reconcile.Filter{
		IncludeArchived: includeArchived,
		IncludeChildren: includeChildren,
	}

	t := entityType(opts)

	refreshed := make(chan struct{}, 1)
	unsubscribe := coordinator.Cache().Subscribe(t, func() {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	failed := make(chan error, 1)
	coordinator.Read(t, filter, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	// cold cache on a one-shot cli: wait for the background fetch
	select {
	case <-refreshed:
	case err := <-failed:
		Err.Fatalf("Read failed: %s", err)
	case <-time.After(30 * time.Second):
		Err.Fatalf("Timeout waiting for read")
	}

	entry, ok := coordinator.Cache().Get(t, filter)
	if !ok || len(entry.Records) == 0 {
		Out.Printf("(no results)")
		return
	}
	printRecords(entry.Records)
}

func create(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	record, err := coordinator.CreateSync(entityType(opts), dataRecord(opts))
	if err != nil {
		Err.Fatalf("Create failed: %s", err)
	}
	printRecords([]reconcile.Record{record})
}

func update(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	id, err := opts.String("--id")
	if err != nil {
		Err.Fatalf("Missing --id: %s", err)
	}
	record, err := coordinator.UpdateSync(entityType(opts), id, dataRecord(opts))
	if err != nil {
		Err.Fatalf("Update failed: %s", err)
	}
	printRecords([]reconcile.Record{record})
}

func archive(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	id, err := opts.String("--id")
	if err != nil {
		Err.Fatalf("Missing --id: %s", err)
	}
	restore, _ := opts.Bool("--restore")
	record, err := coordinator.ArchiveSync(entityType(opts), id, !restore)
	if err != nil {
		Err.Fatalf("Archive failed: %s", err)
	}
	printRecords([]reconcile.Record{record})
}

// watch keeps reading on an interval and prints the cached view whenever it
// changes, which makes the fast/authoritative switching visible from a second
// terminal while records are mutated elsewhere
func watch(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	includeArchived, _ := opts.Bool("--archived")
	includeChildren, _ := opts.Bool("--children")
	filter := reconcile.Filter{
		IncludeArchived: includeArchived,
		IncludeChildren: includeChildren,
	}

	t := entityType(opts)

	pollSeconds, err := opts.Int("--poll")
	if err != nil || pollSeconds <= 0 {
		pollSeconds = 5
	}

	unsubscribe := coordinator.Cache().Subscribe(t, func() {
		entry, ok := coordinator.Cache().Get(t, filter)
		if !ok {
			return
		}
		Out.Printf("-- %s (%d)", time.Now().Format(time.RFC3339), len(entry.Records))
		printRecords(entry.Records)
	})
	defer unsubscribe()

	readErr := func(err error) {
		Err.Printf("Read failed: %s", err)
	}
	coordinator.Read(t, filter, readErr)

	ticker := time.NewTicker(time.Duration(pollSeconds) * time.Second)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-ticker.C:
			coordinator.Read(t, filter, readErr)
		case <-stop:
			return
		}
	}
}

func deleteRecord(opts docopt.Opts) {
	coordinator, closeFn := newCoordinator(opts)
	defer closeFn()

	id, err := opts.String("--id")
	if err != nil {
		Err.Fatalf("Missing --id: %s", err)
	}
	result, err := coordinator.DeleteSync(entityType(opts), id)
	if err != nil {
		Err.Fatalf("Delete failed: %s", err)
	}
	if result.Message != "" {
		Out.Printf("%s", result.Message)
	} else {
		Out.Printf("deleted")
	}
}
