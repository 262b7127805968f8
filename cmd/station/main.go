// Command station runs one measurement station. The controller station
// dials its peer and drives the experiment; the responder station listens
// and executes commands against the local instruments.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fringe-data/visibility.report/internal/api"
	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/correlator"
	"github.com/fringe-data/visibility.report/internal/db"
	"github.com/fringe-data/visibility.report/internal/fsutil"
	"github.com/fringe-data/visibility.report/internal/gpsclock"
	"github.com/fringe-data/visibility.report/internal/orchestrator"
	"github.com/fringe-data/visibility.report/internal/stage"
	"github.com/fringe-data/visibility.report/internal/station"
	"github.com/fringe-data/visibility.report/internal/stationlink"
	"github.com/fringe-data/visibility.report/internal/timeutil"
	"github.com/fringe-data/visibility.report/internal/version"
)

var (
	peerAddr      = flag.String("peer", "", "Peer station address to dial (controller role)")
	listenAddr    = flag.String("listen", "", "Address to accept the peer on (responder role)")
	manual        = flag.Bool("manual", false, "Read commands from stdin instead of the orchestrator")
	dataDir       = flag.String("data", "data", "Directory for timestamp burst files")
	configPath    = flag.String("config", "", "Tuning config JSON file")
	dbPath        = flag.String("db", "", "SQLite database for run history (empty disables persistence)")
	apiAddr       = flag.String("api", "", "HTTP status API listen address (controller role only)")
	migrationsDir = flag.String("migrations", "", "Run database migrations from this directory before starting")
)

func main() {
	flag.Parse()
	log.Printf("[Station] version %s", version.String())

	if (*peerAddr == "") == (*listenAddr == "") {
		log.Fatal("exactly one of -peer or -listen is required")
	}

	fsys := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}
	gps := gpsclock.NewSystemClock(clock)
	runner := gpsclock.ExecRunner{}

	// The motorized mounts sit behind a vendor SDK on the instrument
	// machines; until that binding lands both roles run on the in-memory
	// stage, which tracks the logical angles the analysis needs.
	halfwave := stage.NewMock()
	quarter := stage.NewMock()

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(fsys, *configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	if *listenAddr != "" {
		// One config file serves both stations; the responder's own tag is
		// the controller's remote tag.
		if err := runResponder(fsys, clock, gps, runner, halfwave, quarter, cfg.SwapStationTags()); err != nil {
			log.Fatalf("responder failed: %v", err)
		}
		return
	}

	if err := runController(fsys, clock, gps, runner, halfwave, quarter, cfg); err != nil {
		log.Fatalf("controller failed: %v", err)
	}
}

func runResponder(
	fsys fsutil.FileSystem,
	clock timeutil.Clock,
	gps gpsclock.Clock,
	runner gpsclock.Runner,
	halfwave, quarter stage.Controller,
	cfg *config.TuningConfig,
) error {
	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *listenAddr, err)
	}
	defer ln.Close()
	log.Printf("[Station] responder waiting on %s", *listenAddr)

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accepting peer: %w", err)
	}
	defer conn.Close()
	log.Printf("[Station] peer connected from %s", conn.RemoteAddr())

	link := stationlink.New(conn, cfg.GetLinkReadTimeout())
	responder := station.NewResponder(link, fsys, clock, gps, runner, halfwave, quarter, cfg, *dataDir)
	return responder.Run()
}

func runController(
	fsys fsutil.FileSystem,
	clock timeutil.Clock,
	gps gpsclock.Clock,
	runner gpsclock.Runner,
	halfwave, quarter stage.Controller,
	cfg *config.TuningConfig,
) error {
	conn, err := net.Dial("tcp", *peerAddr)
	if err != nil {
		return fmt.Errorf("dialing peer %s: %w", *peerAddr, err)
	}
	defer conn.Close()
	log.Printf("[Station] connected to peer %s", *peerAddr)

	corr := correlator.New(fsys, clock, correlator.Config{
		Tau:           uint64(cfg.GetTau()),
		N:             cfg.GetBufferSize(),
		Tshift:        cfg.GetTshift(),
		DelayEstimate: cfg.GetDelayEstimatePicos(),
		NoiseWindow:   cfg.GetNoiseWindowPicos(),
		WorkingFileA:  filepath.Join(*dataDir, "ts1.bin"),
		WorkingFileB:  filepath.Join(*dataDir, "ts2.bin"),
	})

	orch := orchestrator.New(fsys, gps, halfwave, quarter, corr, cfg, *dataDir)
	link := stationlink.New(conn, cfg.GetLinkReadTimeout())
	ctrl := station.NewController(link, orch, fsys, clock, gps, runner, cfg, *dataDir)

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()

		if *migrationsDir != "" {
			if err := store.MigrateUp(*migrationsDir); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
		}

		runID, err := store.CreateRun()
		if err != nil {
			return fmt.Errorf("creating run: %w", err)
		}
		log.Printf("[Station] recording run %s", runID)
		ctrl.WithRecorder(store, runID)
		defer func() {
			st := orch.Status()
			if err := store.FinishRun(runID, st.CurrentVisibility); err != nil {
				log.Printf("[Station] finishing run: %v", err)
			}
		}()
	}

	if *apiAddr != "" {
		srv := api.NewServer(orch, storeOrNil(store), cfg)
		go func() {
			log.Printf("[Station] status API on %s", *apiAddr)
			if err := http.ListenAndServe(*apiAddr, api.LoggingMiddleware(srv.ServeMux())); err != nil {
				log.Printf("[Station] status API stopped: %v", err)
			}
		}()
	}

	if *manual {
		return ctrl.RunManual(os.Stdin)
	}
	return ctrl.Run()
}

// storeOrNil keeps a typed-nil *db.DB out of the RunStore interface.
func storeOrNil(store *db.DB) api.RunStore {
	if store == nil {
		return nil
	}
	return store
}
