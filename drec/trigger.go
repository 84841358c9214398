package drec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// TriggerTimeLayout is the fixed-width prefix given to committed files.
const TriggerTimeLayout = "20060102_150405"

// cffMarker precedes the configuration section of a combined (.cff) record.
const cffMarker = "--- file type: CFG ---"

// ErrDescriptor is wrapped by every descriptor parse failure.
var ErrDescriptor = errors.New("invalid record descriptor")

// TriggerTime returns the record's trigger time as YYYYMMDD_HHMMSS. When the
// descriptor cannot be read it falls back to the file's modification time in loc.
func TriggerTime(fsys afero.Fs, name string, loc *time.Location, log zerolog.Logger) string {
	ts, err := ReadTriggerTime(fsys, name)
	if err == nil {
		return ts.Format(TriggerTimeLayout)
	}
	if loc == nil {
		loc = time.UTC
	}
	log.Warn().Err(err).Str("path", name).Msg("error reading disturbance record trigger timestamp, using file time")
	info, statErr := fsys.Stat(name)
	if statErr != nil {
		log.Error().Err(statErr).Str("path", name).Msg("stat record file")
		return time.Now().In(loc).Format(TriggerTimeLayout)
	}
	return info.ModTime().In(loc).Format(TriggerTimeLayout)
}

// ReadTriggerTime opens a .cfg, .cff or .zip record file and parses its trigger
// timestamp. The returned time carries no zone semantics; only its fields matter.
func ReadTriggerTime(fsys afero.Fs, name string) (time.Time, error) {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".cfg", ".cff":
		f, err := fsys.Open(name)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrDescriptor, err)
		}
		defer f.Close()
		return ParseTriggerTime(f, ext == ".cff")
	case ".zip":
		f, err := fsys.Open(name)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrDescriptor, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrDescriptor, err)
		}
		return parseZipTriggerTime(f, info.Size())
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported descriptor extension %q", ErrDescriptor, ext)
	}
}

func parseZipTriggerTime(r io.ReaderAt, size int64) (time.Time, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrDescriptor, err)
	}
	for _, zf := range zr.File {
		ext := strings.ToLower(path.Ext(zf.Name))
		if ext != ".cfg" && ext != ".cff" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", ErrDescriptor, zf.Name, err)
		}
		defer rc.Close()
		return ParseTriggerTime(rc, ext == ".cff")
	}
	return time.Time{}, fmt.Errorf("%w: no descriptor in archive", ErrDescriptor)
}

// ParseTriggerTime reads a COMTRADE configuration section and returns the trigger
// timestamp line as a time, with seconds rounded to the nearest whole second.
// When combined is set, lines are skipped up to the CFG section marker.
func ParseTriggerTime(r io.Reader, combined bool) (time.Time, error) {
	p := &descriptorParser{sc: bufio.NewScanner(r)}
	p.sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if combined {
		if err := p.seekMarker(); err != nil {
			return time.Time{}, err
		}
	}
	// station_name,rec_dev_id,rev_year
	if err := p.skip(1, "header"); err != nil {
		return time.Time{}, err
	}
	counts, err := p.line("channel counts")
	if err != nil {
		return time.Time{}, err
	}
	channels, err := atoiField(strings.Split(counts, ",")[0], "channel count")
	if err != nil {
		return time.Time{}, err
	}
	if err := p.skip(channels, "channel definitions"); err != nil {
		return time.Time{}, err
	}
	if err := p.skip(1, "line frequency"); err != nil {
		return time.Time{}, err
	}
	nratesLine, err := p.line("sample rate count")
	if err != nil {
		return time.Time{}, err
	}
	nrates, err := atoiField(nratesLine, "sample rate count")
	if err != nil {
		return time.Time{}, err
	}
	if nrates == 0 {
		nrates = 1
	}
	if err := p.skip(nrates, "sample rates"); err != nil {
		return time.Time{}, err
	}
	if err := p.skip(1, "first sample time"); err != nil {
		return time.Time{}, err
	}
	trigger, err := p.line("trigger time")
	if err != nil {
		return time.Time{}, err
	}
	return parseTriggerLine(trigger)
}

type descriptorParser struct {
	sc     *bufio.Scanner
	lineNo int
}

func (p *descriptorParser) next() (string, bool) {
	if !p.sc.Scan() {
		return "", false
	}
	p.lineNo++
	return p.sc.Text(), true
}

func (p *descriptorParser) eof(what string) error {
	if err := p.sc.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrDescriptor, what, err)
	}
	return fmt.Errorf("%w: unexpected end of file at line %d reading %s", ErrDescriptor, p.lineNo+1, what)
}

func (p *descriptorParser) line(what string) (string, error) {
	s, ok := p.next()
	if !ok {
		return "", p.eof(what)
	}
	return strings.TrimSpace(s), nil
}

func (p *descriptorParser) skip(n int, what string) error {
	if n < 0 {
		return fmt.Errorf("%w: negative %s count %d", ErrDescriptor, what, n)
	}
	for i := 0; i < n; i++ {
		if _, ok := p.next(); !ok {
			return p.eof(what)
		}
	}
	return nil
}

func (p *descriptorParser) seekMarker() error {
	for {
		s, ok := p.next()
		if !ok {
			return p.eof("CFG section marker")
		}
		if strings.TrimSpace(s) == cffMarker {
			return nil
		}
	}
}

func atoiField(s string, what string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrDescriptor, what, err)
	}
	return n, nil
}

// parseTriggerLine accepts mm/dd/yy,hh:mm:ss.ffffff (1991) and
// dd/mm/yyyy,hh:mm:ss.ffffff (1999 and later), told apart by the year width.
func parseTriggerLine(s string) (time.Time, error) {
	date, clock, ok := strings.Cut(s, ",")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: trigger time %q", ErrDescriptor, s)
	}
	d := strings.Split(strings.TrimSpace(date), "/")
	c := strings.Split(strings.TrimSpace(clock), ":")
	if len(d) != 3 || len(c) != 3 {
		return time.Time{}, fmt.Errorf("%w: trigger time %q", ErrDescriptor, s)
	}

	var day, month, year int
	var err error
	if len(strings.TrimSpace(d[2])) <= 2 {
		if month, err = atoiField(d[0], "trigger month"); err != nil {
			return time.Time{}, err
		}
		if day, err = atoiField(d[1], "trigger day"); err != nil {
			return time.Time{}, err
		}
		if year, err = atoiField(d[2], "trigger year"); err != nil {
			return time.Time{}, err
		}
		if year >= 70 {
			year += 1900
		} else {
			year += 2000
		}
	} else {
		if day, err = atoiField(d[0], "trigger day"); err != nil {
			return time.Time{}, err
		}
		if month, err = atoiField(d[1], "trigger month"); err != nil {
			return time.Time{}, err
		}
		if year, err = atoiField(d[2], "trigger year"); err != nil {
			return time.Time{}, err
		}
	}

	hour, err := atoiField(c[0], "trigger hour")
	if err != nil {
		return time.Time{}, err
	}
	minute, err := atoiField(c[1], "trigger minute")
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(c[2]), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: trigger second: %v", ErrDescriptor, err)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || hour < 0 ||
		minute > 59 || minute < 0 || sec < 0 || sec >= 61 {
		return time.Time{}, fmt.Errorf("%w: trigger time out of range %q", ErrDescriptor, s)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: no day %d in %s %d", ErrDescriptor, day, time.Month(month), year)
	}
	return t.Add(time.Duration(math.RoundToEven(sec)) * time.Second), nil
}
