package drec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// StagingDirName holds the files of the record group being downloaded.
const StagingDirName = ".tmp"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListing
	StateDownloading
	StateCommitting
	StateReconciling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListing:
		return "listing"
	case StateDownloading:
		return "downloading"
	case StateCommitting:
		return "committing"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	OutcomeFatal            Outcome = "fatal"
)

type SessionResult struct {
	SessionID  string
	Attempts   int // connection attempts made
	Downloaded int // files fetched
	Committed  int // record groups committed
	Archived   int // orphans moved to the archive
	Outcome    Outcome
	Err        error // last error seen, nil on a clean run
}

type SessionOptions struct {
	// Fs is the local filesystem (afero.NewOsFs() when nil).
	Fs       afero.Fs
	Logger   zerolog.Logger
	Ledger   *Ledger
	Notifier *Notifier
	// Priority orders files within a record (DefaultExtensionPriority when nil).
	Priority []string
}

// Session mirrors the disturbance records of one device into its local directory.
// A Session owns its connection and its local directory for the whole run.
type Session struct {
	dev      DeviceConfig
	src      RemoteFileSource
	fs       afero.Fs
	log      zerolog.Logger
	ledger   *Ledger
	notifier *Notifier
	priority []string

	state   State
	fetched int
	result  SessionResult
}

func NewSession(dev DeviceConfig, src RemoteFileSource, opts SessionOptions) *Session {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	priority := opts.Priority
	if priority == nil {
		priority = DefaultExtensionPriority
	}
	dev.Dir = CleanRemoteDir(dev.Dir)
	id := uuid.NewString()
	return &Session{
		dev:      dev,
		src:      src,
		fs:       fsys,
		priority: priority,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		log: opts.Logger.With().
			Str("component", "session").
			Str("session", id).
			Str("device", dev.Name).
			Str("address", dev.Address).
			Logger(),
		result: SessionResult{SessionID: id},
	}
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) stagingDir() string {
	return filepath.Join(s.dev.LocalDir, StagingDirName)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", st).Msg("state")
	s.state = st
}

// Run executes the session: connect, list, download new records, reconcile. It never
// returns an error; the outcome and the last error are reported in the result.
// Connectivity failures are retried up to dev.Retries times.
func (s *Session) Run(ctx context.Context) SessionResult {
	started := time.Now().UTC()
	defer func() {
		s.closeSource()
		s.setState(StateDone)
		s.recordSession(started)
	}()

	if err := s.fs.MkdirAll(s.dev.LocalDir, 0o755); err != nil {
		critical(s.log).Err(err).Str("path", s.dev.LocalDir).Msg("fatal error creating download directory")
		s.result.Outcome, s.result.Err = OutcomeFatal, err
		return s.result
	}

	for attempt := 0; attempt <= s.dev.Retries; attempt++ {
		if err := s.fs.RemoveAll(s.stagingDir()); err != nil {
			critical(s.log).Err(err).Str("path", s.stagingDir()).Msg("fatal error clearing staging directory")
			s.result.Outcome, s.result.Err = OutcomeFatal, err
			return s.result
		}
		if ctx.Err() != nil {
			s.result.Outcome = OutcomeCancelled
			return s.result
		}

		s.result.Attempts++
		err := s.attempt(ctx)
		if err == nil {
			s.result.Outcome = OutcomeCompleted
			return s.result
		}
		s.result.Err = err

		switch {
		case ctx.Err() != nil:
			s.log.Info().Msg("session cancelled")
			s.result.Outcome = OutcomeCancelled
			return s.result
		case errors.Is(err, ErrConnectivity):
			s.log.Error().Err(err).Int("attempt", attempt+1).Msg("connection error")
			if attempt >= s.dev.Retries {
				s.log.Warn().Int("attempts", attempt+1).Msg("max retry attempts")
				s.result.Outcome = OutcomeRetriesExhausted
				return s.result
			}
			s.closeSource()
			if s.dev.RetryDelay > 0 {
				s.log.Debug().Dur("delay", s.dev.RetryDelay).Msg("retry timeout")
			}
			if err := sleepCtx(ctx, s.dev.RetryDelay); err != nil {
				s.result.Outcome = OutcomeCancelled
				return s.result
			}
		default:
			critical(s.log).Err(err).Msg("fatal error")
			s.result.Outcome = OutcomeFatal
			return s.result
		}
	}
	// Only reached with a negative retry count.
	s.result.Outcome = OutcomeRetriesExhausted
	return s.result
}

func (s *Session) attempt(ctx context.Context) error {
	s.setState(StateConnecting)
	if !s.src.IsConnected(ctx) {
		if err := s.src.Connect(ctx, s.dev.Address, s.dev.Port, s.dev.ConnectTimeout); err != nil {
			return asConnectivity("connect", err)
		}
		s.log.Debug().Int("port", s.dev.Port).Msg("connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(StateListing)
	listing, err := s.src.ListDirectory(ctx, s.dev.Dir, s.dev.DeviceTZ)
	if err != nil {
		return asConnectivity("list "+s.dev.Dir, err)
	}
	s.logListing(listing)

	for _, g := range GroupListing(listing, s.dev.Dir, s.priority) {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := s.isDownloaded(g)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := s.downloadGroup(ctx, g); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(StateReconciling)
	moved, err := Reconcile(s.fs, listing, s.dev.LocalDir, s.dev.Dir, s.log)
	s.result.Archived += len(moved)
	s.recordArchive(moved)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", s.dev.LocalDir, err)
	}
	return nil
}

func (s *Session) logListing(listing []RemoteEntry) {
	s.log.Debug().Int("files", len(listing)).Msg("device file structure")
	for _, e := range listing {
		s.log.Debug().Str("name", e.Path).Uint64("size", e.Size).Float64("time", e.Timestamp).Msg("device file")
	}
}

// isDownloaded reports whether every file of g already has a local counterpart,
// i.e. a file whose name ends with the remote basename.
func (s *Session) isDownloaded(g RecordGroup) (bool, error) {
	infos, err := afero.ReadDir(s.fs, s.dev.LocalDir)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.dev.LocalDir, err)
	}
	for _, e := range g {
		if !s.hasLocalCopy(infos, e) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Session) hasLocalCopy(infos []os.FileInfo, e RemoteEntry) bool {
	base := e.Base()
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), base) {
			continue
		}
		// Siprotec 4 always reports size 0.
		if s.dev.CheckSize && info.Size() != int64(e.Size) {
			continue
		}
		// Some IEDs report listing time or shift times with the current DST offset.
		if s.dev.CheckTime && info.ModTime().Unix() != int64(e.Timestamp) {
			continue
		}
		return true
	}
	return false
}

// downloadGroup stages every file of g, then commits them under the trigger-time
// prefix. An interrupted group stays in staging and is never committed.
func (s *Session) downloadGroup(ctx context.Context, g RecordGroup) error {
	s.setState(StateDownloading)
	staging := s.stagingDir()
	if err := s.fs.MkdirAll(staging, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", staging, err)
	}

	var size int64
	for _, e := range g {
		if s.fetched > 0 && s.dev.PollDelay > 0 {
			s.log.Debug().Dur("delay", s.dev.PollDelay).Msg("poll timeout")
		}
		if s.fetched > 0 {
			if err := sleepCtx(ctx, s.dev.PollDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		local := filepath.Join(staging, e.Base())
		s.log.Debug().Str("remote", e.Path).Msg("started downloading")
		if err := s.fetchTo(ctx, e.Path, local); err != nil {
			return err
		}
		mtime := e.ModTime()
		if err := s.fs.Chtimes(local, mtime, mtime); err != nil {
			return fmt.Errorf("set time %s: %w", local, err)
		}
		s.fetched++
		s.result.Downloaded++
		size += int64(e.Size)
		s.log.Debug().Str("remote", e.Path).Str("local", local).Msg("downloaded")
	}

	return s.commitGroup(g, size)
}

func (s *Session) fetchTo(ctx context.Context, remote string, local string) error {
	f, err := s.fs.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}
	fetchErr := s.src.Fetch(ctx, remote, f)
	closeErr := f.Close()
	if fetchErr != nil {
		return fetchErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", local, closeErr)
	}
	return nil
}

func (s *Session) commitGroup(g RecordGroup, size int64) error {
	s.setState(StateCommitting)
	staging := s.stagingDir()
	trigger := TriggerTime(s.fs, filepath.Join(staging, g[0].Base()), s.dev.LocalTZ, s.log)

	seen := make(map[string]struct{}, len(g))
	committed := make([]string, 0, len(g))
	for _, e := range g {
		base := e.Base()
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		dst := filepath.Join(s.dev.LocalDir, trigger+"_"+base)
		if err := moveFile(s.fs, filepath.Join(staging, base), dst); err != nil {
			return fmt.Errorf("commit %s: %w", dst, err)
		}
		s.log.Info().Str("remote", e.Path).Str("local", dst).Msg("downloaded")
		committed = append(committed, dst)
	}
	if err := s.fs.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear %s: %w", staging, err)
	}
	s.result.Committed++

	s.recordDownload(g.Stem(), trigger, committed, size)
	return nil
}

func (s *Session) closeSource() {
	if err := s.src.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close connection")
	}
	s.log.Debug().Int("port", s.dev.Port).Msg("disconnected")
}

func (s *Session) recordDownload(stem string, trigger string, files []string, size int64) {
	if s.notifier != nil {
		err := s.notifier.NotifyRecord(RecordNotice{
			Substation:  s.dev.Substation,
			Device:      s.dev.Name,
			Address:     s.dev.Address,
			Record:      stem,
			TriggerTime: trigger,
			Files:       files,
		})
		if err != nil {
			s.log.Error().Err(err).Str("record", stem).Msg("syslog notify failed")
		}
	}
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordDownload(&DownloadedRecord{
		SessionID:    s.result.SessionID,
		Device:       s.dev.Name,
		Address:      s.dev.Address,
		LocalDir:     s.dev.LocalDir,
		Record:       stem,
		TriggerTime:  trigger,
		Files:        strings.Join(files, "\n"),
		FileCount:    len(files),
		SizeBytes:    size,
		DownloadedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("record", stem).Msg("ledger write failed")
	}
}

func (s *Session) recordArchive(moved []ArchivedFile) {
	if s.ledger == nil || len(moved) == 0 {
		return
	}
	now := time.Now().UTC()
	items := make([]ArchivedOrphan, 0, len(moved))
	for _, m := range moved {
		items = append(items, ArchivedOrphan{
			SessionID:   s.result.SessionID,
			Device:      s.dev.Name,
			LocalPath:   m.From,
			ArchivePath: m.To,
			ArchivedAt:  now,
		})
	}
	if err := s.ledger.RecordArchive(items); err != nil {
		s.log.Error().Err(err).Msg("ledger write failed")
	}
}

func (s *Session) recordSession(started time.Time) {
	if s.ledger == nil {
		return
	}
	lastErr := ""
	if s.result.Err != nil {
		lastErr = s.result.Err.Error()
	}
	err := s.ledger.RecordSession(&SessionRun{
		SessionID:  s.result.SessionID,
		Substation: s.dev.Substation,
		Device:     s.dev.Name,
		Address:    s.dev.Address,
		Protocol:   string(s.dev.Protocol),
		StartedAt:  started,
		EndedAt:    time.Now().UTC(),
		Attempts:   s.result.Attempts,
		Outcome:    string(s.result.Outcome),
		Downloaded: s.result.Downloaded,
		Committed:  s.result.Committed,
		Archived:   s.result.Archived,
		LastError:  lastErr,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ledger write failed")
	}
}

func asConnectivity(op string, err error) error {
	if errors.Is(err, ErrConnectivity) || isCancellation(err) {
		return err
	}
	return Connectivity(op, err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleepCtx waits for d or until ctx is done. A done context wins even when d is 0.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
