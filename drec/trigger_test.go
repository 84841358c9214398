package drec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// comtradeCfg builds a minimal configuration section with two channels and one
// sample rate.
func comtradeCfg(trigger string) string {
	return strings.Join([]string{
		"STATION,IED-7,1999",
		"2,1A,1D",
		"1,IA,A,,A,0.01,0,0,-32767,32767,1,1,P",
		"1,TRIP,,,0",
		"50",
		"1",
		"1000,2000",
		"02/03/2001,04:05:07.900000",
		trigger,
		"ASCII",
		"1",
	}, "\r\n") + "\r\n"
}

func zipBytes(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseTriggerTime_Legacy(t *testing.T) {
	ts, err := ParseTriggerTime(strings.NewReader(comtradeCfg("02/03/01,04:05:08.000000")), false)
	require.NoError(t, err)
	assert.Equal(t, "20010203_040508", ts.Format(TriggerTimeLayout))

	ts, err = ParseTriggerTime(strings.NewReader(comtradeCfg("12/31/98,23:59:01.000000")), false)
	require.NoError(t, err)
	assert.Equal(t, "19981231_235901", ts.Format(TriggerTimeLayout))
}

func TestParseTriggerTime_Modern(t *testing.T) {
	ts, err := ParseTriggerTime(strings.NewReader(comtradeCfg("02/03/2001,04:05:08.000000")), false)
	require.NoError(t, err)
	assert.Equal(t, "20010302_040508", ts.Format(TriggerTimeLayout))
}

func TestParseTriggerTime_RoundsSeconds(t *testing.T) {
	cases := map[string]string{
		"15/06/2020,10:20:30.400000": "20200615_102030",
		"15/06/2020,10:20:30.600000": "20200615_102031",
		"15/06/2020,10:20:30.500000": "20200615_102030",
		"15/06/2020,10:20:31.500000": "20200615_102032",
		"31/12/2020,23:59:59.700000": "20210101_000000",
	}
	for line, want := range cases {
		ts, err := ParseTriggerTime(strings.NewReader(comtradeCfg(line)), false)
		require.NoError(t, err, line)
		assert.Equal(t, want, ts.Format(TriggerTimeLayout), line)
	}
}

func TestParseTriggerTime_ZeroRateCountSkipsOneLine(t *testing.T) {
	cfg := strings.Replace(comtradeCfg("02/03/01,04:05:08.000000"), "\r\n1\r\n1000,2000", "\r\n0\r\n0,2000", 1)
	ts, err := ParseTriggerTime(strings.NewReader(cfg), false)
	require.NoError(t, err)
	assert.Equal(t, "20010203_040508", ts.Format(TriggerTimeLayout))
}

func TestParseTriggerTime_Combined(t *testing.T) {
	cff := "--- file type: CFG ---\r\n" + comtradeCfg("02/03/01,04:05:08.000000") + "--- file type: DAT ASCII ---\r\n1,0,5\r\n"
	ts, err := ParseTriggerTime(strings.NewReader(cff), true)
	require.NoError(t, err)
	assert.Equal(t, "20010203_040508", ts.Format(TriggerTimeLayout))

	_, err = ParseTriggerTime(strings.NewReader(comtradeCfg("02/03/01,04:05:08.000000")), true)
	assert.ErrorIs(t, err, ErrDescriptor)
}

func TestParseTriggerTime_Malformed(t *testing.T) {
	for name, body := range map[string]string{
		"empty":        "",
		"truncated":    "STATION,IED,1999\r\n2,1A,1D\r\n",
		"bad count":    "STATION,IED,1999\r\nxx,1A,1D\r\n",
		"bad trigger":  comtradeCfg("not a timestamp"),
		"out of range": comtradeCfg("13/45/01,04:05:08.000000"),
		"no such day":  comtradeCfg("31/02/2020,04:05:08.000000"),
		"legacy 30th":  comtradeCfg("02/30/01,04:05:08.000000"),
		"not leap":     comtradeCfg("29/02/2021,00:00:00.000000"),
	} {
		_, err := ParseTriggerTime(strings.NewReader(body), false)
		assert.ErrorIs(t, err, ErrDescriptor, name)
	}
}

func TestParseTriggerTime_LeapDay(t *testing.T) {
	ts, err := ParseTriggerTime(strings.NewReader(comtradeCfg("29/02/2020,12:00:00.000000")), false)
	require.NoError(t, err)
	assert.Equal(t, "20200229_120000", ts.Format(TriggerTimeLayout))
}

func TestParseTriggerTime_ReportsTruncationLine(t *testing.T) {
	_, err := ParseTriggerTime(strings.NewReader("STATION,IED,1999\r\n2,1A,1D\r\n"), false)
	require.ErrorIs(t, err, ErrDescriptor)
	assert.Contains(t, err.Error(), "at line 3")
}

func TestTriggerTime_ImpossibleDateFallsBackToModTime(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/a.cfg", []byte(comtradeCfg("31/02/2020,04:05:08.000000")), 0o644))
	mtime := time.Date(2022, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, fsys.Chtimes("/r/a.cfg", mtime, mtime))

	var buf bytes.Buffer
	assert.Equal(t, "20220701_100000", TriggerTime(fsys, "/r/a.cfg", time.UTC, zerolog.New(&buf)))
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestReadTriggerTime_Files(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := comtradeCfg("02/03/01,04:05:08.000000")
	require.NoError(t, afero.WriteFile(fsys, "/r/a.cfg", []byte(cfg), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/a.CFF", []byte("--- file type: CFG ---\n"+cfg), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/a.zip", zipBytes(t, map[string]string{
		"a.dat": "1,0,5\r\n",
		"a.cfg": cfg,
	}, "a.dat", "a.cfg"), 0o644))

	for _, name := range []string{"/r/a.cfg", "/r/a.CFF", "/r/a.zip"} {
		ts, err := ReadTriggerTime(fsys, name)
		require.NoError(t, err, name)
		assert.Equal(t, "20010203_040508", ts.Format(TriggerTimeLayout), name)
	}
}

func TestReadTriggerTime_ZipWithoutDescriptor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/a.zip", zipBytes(t, map[string]string{"a.dat": "x"}, "a.dat"), 0o644))
	_, err := ReadTriggerTime(fsys, "/r/a.zip")
	assert.ErrorIs(t, err, ErrDescriptor)
}

func TestTriggerTime_FallsBackToModTime(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/a.dat", []byte("1,0,5"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r/b.cfg", []byte("garbage"), 0o644))
	mtime := time.Date(2022, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, fsys.Chtimes("/r/a.dat", mtime, mtime))
	require.NoError(t, fsys.Chtimes("/r/b.cfg", mtime, mtime))

	loc := time.FixedZone("UTC+3", 3*3600)
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	assert.Equal(t, "20220701_130000", TriggerTime(fsys, "/r/a.dat", loc, log))
	assert.Equal(t, "20220701_100000", TriggerTime(fsys, "/r/b.cfg", nil, log))
	assert.Equal(t, 2, strings.Count(buf.String(), `"level":"warn"`))
}

func TestTriggerTime_FromDescriptor(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/r/a.cfg", []byte(comtradeCfg("02/03/01,04:05:08.000000")), 0o644))
	var buf bytes.Buffer
	assert.Equal(t, "20010203_040508", TriggerTime(fsys, "/r/a.cfg", time.UTC, zerolog.New(&buf)))
	assert.Empty(t, buf.String())
}

func TestReadTriggerTime_MissingFile(t *testing.T) {
	_, err := ReadTriggerTime(afero.NewMemMapFs(), "/nope.cfg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDescriptor))
}
