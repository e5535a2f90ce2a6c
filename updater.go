// Package updater is included in a program to provide secure, automated updates. The
// updater uses the TUF framework (see tuf/) to facilitate secure updates. Release
// tarballs are mirrored on a remote location such as Google Cloud Storage. When the
// updater runs, it checks for new metadata, and if a new package is available it is
// downloaded, verified, and relocated into a local package store where a build tool
// can pick it up.
//
// See TUF Spec https://github.com/theupdateframework/tuf/blob/develop/docs/tuf-spec.txt
package updater

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/kolide/tufupdate/tuf"
	"github.com/pkg/errors"
)

// EventType classifies errors that occur in the update process
type EventType int

const (
	// InfoType indicates event is routine
	InfoType EventType = iota
	ErrorType
)

// Updater handles software updates for an application. It wraps a
// tuf.Engine with a ticker loop: each cycle checks for updates and, if
// a new version of packageID is available, downloads and verifies it
// and relocates the resulting tarball into storeDir.
type Updater struct {
	ticker              *time.Ticker
	done                chan struct{}
	engine              *tuf.Engine
	packageID           string
	storeDir            string
	checkFrequency      time.Duration
	notificationHandler NotificationHandler
}

// Event information about an update
type Event struct {
	Time        time.Time
	Description string
	Type        EventType
}

// Events information about a update cycle
type Events struct {
	History []Event
}

func (evts *Events) push(evtType EventType, format string, args ...interface{}) {
	evts.History = append(evts.History, Event{time.Now(), fmt.Sprintf(format, args...), evtType})
}

// NotificationHandler will be invoked when the updater runs. Events describing
// that status of the update will be collected in Events.
type NotificationHandler func(evts Events)

const defaultCheckFrequency = 1 * time.Hour
const minimumCheckFrequency = 10 * time.Minute

// ErrCheckFrequency caused by supplying a check frequency that was too small.
var ErrCheckFrequency = fmt.Errorf("Frequency value must be %q or greater", minimumCheckFrequency)

// New creates a new updater. settings describes the repository this
// updater tracks; packageID names the target this installation should
// stay current with; storeDir is the local package store newly
// downloaded tarballs are relocated into once verified. By default the
// updater checks for updates every hour; pass Frequency to change
// that, with a 10-minute floor. Pass WantNotifications to receive
// per-cycle event logs.
func New(settings tuf.Settings, packageID, storeDir string, opts ...func() interface{}) (*Updater, error) {
	if err := settings.Verify(); err != nil {
		return nil, errors.Wrap(err, "creating updater")
	}
	cache, err := tuf.NewCache(settings.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "creating updater")
	}
	transport := tuf.NewHTTPTransport(nil)
	remote := tuf.NewRemoteRepo(&settings, transport)
	engine := tuf.NewEngine(&settings, cache, remote, clock.New())

	u := Updater{
		engine:         engine,
		packageID:      packageID,
		storeDir:       storeDir,
		checkFrequency: defaultCheckFrequency,
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case updateDuration:
			u.checkFrequency = time.Duration(t)
		case NotificationHandler:
			u.notificationHandler = t
		}
	}
	if u.checkFrequency < minimumCheckFrequency {
		return nil, ErrCheckFrequency
	}
	return &u, nil
}

type updateDuration time.Duration

// Frequency allows changing the frequency of update checks by passing
// this method to update.New
func Frequency(duration time.Duration) func() interface{} {
	return func() interface{} {
		return updateDuration(duration)
	}
}

// WantNotifications is used to pass a function that will collect information about updates.
func WantNotifications(hnd NotificationHandler) func() interface{} {
	return func() interface{} {
		return hnd
	}
}

// Start begins checking for updates.
func (u *Updater) Start() {
	u.ticker = time.NewTicker(u.checkFrequency)
	u.done = make(chan struct{})
	go u.run(u.ticker.C, u.done)
}

// Stop will disable update checks
func (u *Updater) Stop() {
	if u.ticker != nil {
		u.ticker.Stop()
	}
	if u.done != nil {
		u.done <- struct{}{}
	}
}

func (u *Updater) run(ticker <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-ticker:
			u.checkAndApply()
		case <-done:
			return
		}
	}
}

func (u *Updater) checkAndApply() {
	var events Events
	defer func() {
		if u.notificationHandler != nil {
			u.notificationHandler(events)
		}
	}()

	events.push(InfoType, "start check for updates")
	outcome, err := u.engine.CheckForUpdates(nil)
	if err != nil {
		events.push(ErrorType, "error checking for updates: %q", err)
		return
	}
	if outcome != tuf.HasUpdates {
		events.push(InfoType, "no updates")
		return
	}

	events.push(InfoType, "downloading package %q", u.packageID)
	var storedPath string
	err = u.engine.DownloadPackage(u.packageID, func(tempPath string) error {
		p, storeErr := storePackage(u.storeDir, u.packageID, tempPath)
		storedPath = p
		return storeErr
	})
	if err != nil {
		events.push(ErrorType, "storing package %q failed: %q", u.packageID, err)
		return
	}

	events.push(InfoType, "stored %q at %q", u.packageID, storedPath)
}

// storePackage relocates the verified tarball at tempPath into
// storeDir, keyed by pkgID so distinct packages (and versions that are
// part of the target path, e.g. "widget-1.0.tar.gz") don't collide.
// Rename is attempted first since it's atomic; a failed rename (most
// commonly tempPath and storeDir living on different filesystems)
// falls back to copy-then-remove.
func storePackage(storeDir, pkgID, tempPath string) (string, error) {
	destPath := filepath.Join(storeDir, filepath.FromSlash(pkgID))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", errors.Wrap(err, "creating package store directory")
	}
	if err := os.Rename(tempPath, destPath); err == nil {
		return destPath, nil
	}
	if err := copyFile(tempPath, destPath); err != nil {
		return "", errors.Wrap(err, "copying package into store")
	}
	os.Remove(tempPath)
	return destPath, nil
}

func copyFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}
