package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	updater "github.com/kolide/tufupdate"
	"github.com/kolide/tufupdate/tuf"
)

func main() {
	var (
		baseDir     = flag.String("base-directory", "./", "the directory where all the things are")
		flRepo      = flag.String("filerepo", "filerepo", "path to file repo which will serve static assets")
		flMirror    = flag.String("mirror", "http://localhost:8888", "out-of-band mirror base URL")
		flPackageID = flag.String("package", "greeter-darwin/greeter-darwin.tar.gz", "target path to track")
		flBootstrap = flag.String("bootstrap-keyids", "", "comma-separated trusted root key IDs; set to run bootstrap and exit")
		flThreshold = flag.Int("bootstrap-threshold", 1, "signature threshold for bootstrap (0 = trust on first use)")
	)
	flag.Parse()

	settings := tuf.Settings{
		OutOfBandMirrors: []string{*flMirror},
		LocalRepoPath:    filepath.Join(*baseDir, "repo"),
		IndexName:        "00/index",
	}
	if err := settings.Verify(); err != nil {
		log.Fatalf("invalid settings: %s\n", err)
	}

	if *flBootstrap != "" {
		cache, err := tuf.NewCache(settings.Cache)
		if err != nil {
			log.Fatalf("could not create cache: %s\n", err)
		}
		remote := tuf.NewRemoteRepo(&settings, tuf.NewHTTPTransport(nil))
		ids := strings.Split(*flBootstrap, ",")
		if err := tuf.Bootstrap(cache, remote, ids, *flThreshold); err != nil {
			log.Fatalf("bootstrap failed: %s\n", err)
		}
		fmt.Println("bootstrap complete")
		os.Exit(0)
	}

	notify := func(evts updater.Events) {
		for _, e := range evts.History {
			fmt.Printf("[%s] %s\n", e.Time.Format(time.RFC3339), e.Description)
		}
	}

	up, err := updater.New(
		settings,
		*flPackageID,
		filepath.Join(*baseDir, "packages"),
		updater.Frequency(15*time.Minute),
		updater.WantNotifications(notify),
	)
	if err != nil {
		fmt.Printf("could not create updater: %q", err)
		os.Exit(1)
	}
	up.Start()
	defer up.Stop()

	// serve the static files from a local mirror
	go func() {
		http.Handle("/", http.StripPrefix("/", http.FileServer(http.Dir(*flRepo))))
		log.Fatal(http.ListenAndServe(":8888", nil))
	}()

	fmt.Print("Hit enter to stop me: ")
	fmt.Scanln()

	fmt.Println("done...")
}
