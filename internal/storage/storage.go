package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/1F47E/go-btc-seeder/internal/addrdb"
	"github.com/1F47E/go-btc-seeder/internal/protocol"
)

func Bootstrap(dataDir string) error {
	err := createDir(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}

func createDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// Load reads a JSON file into v. A missing file is reported as
// fs.ErrNotExist.
func Load(filename string, v any) error {
	fData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(fData, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}
	return nil
}

// Save writes v as JSON next to filename and renames it into place, so a
// crash never leaves a truncated file behind.
func Save(filename string, v any) error {
	fDataJson, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return writeAtomic(filename, fDataJson)
}

func writeAtomic(filename string, data []byte) error {
	tmp := filename + ".new"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// SortReport orders rows by 30 day uptime, then 7 day uptime, then client
// version, best first.
func SortReport(rows []addrdb.ReportRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Uptime[4] != b.Uptime[4] {
			return a.Uptime[4] > b.Uptime[4]
		}
		if a.Uptime[3] != b.Uptime[3] {
			return a.Uptime[3] > b.Uptime[3]
		}
		return a.Version > b.Version
	})
}

// WriteDump writes the human readable reliability table.
func WriteDump(filename string, rows []addrdb.ReportRow) error {
	SortReport(rows)
	f, err := os.Create(filename + ".new")
	if err != nil {
		return fmt.Errorf("failed to create dump: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# %-45s %5s  %11s  %7s %7s %7s %7s %7s  %7s  %-16s %7s  %s\n",
		"address", "good", "lastSuccess", "%(2h)", "%(8h)", "%(1d)", "%(7d)", "%(30d)", "blocks", "svcs", "version", "agent")
	for _, r := range rows {
		var last int64
		if !r.LastSuccess.IsZero() {
			last = r.LastSuccess.Unix()
		}
		fmt.Fprintf(w, "%-47s %5d  %11d  %6.2f%% %6.2f%% %6.2f%% %6.2f%% %6.2f%%  %7d  %016x %7d  %q\n",
			protocol.FormatAddrPort(r.Addr), b2i(r.Good), last,
			100*r.Uptime[0], 100*r.Uptime[1], 100*r.Uptime[2], 100*r.Uptime[3], 100*r.Uptime[4],
			r.Height, uint64(r.Services), r.Version, r.SubVersion)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close dump: %w", err)
	}
	return os.Rename(filename+".new", filename)
}

// AddrStatsLine sums the uptime of every tracked address per window.
func AddrStatsLine(now time.Time, rows []addrdb.ReportRow) string {
	var sum [5]float64
	for _, r := range rows {
		for i := range sum {
			sum[i] += r.Uptime[i]
		}
	}
	return fmt.Sprintf("%d %g %g %g %g %g", now.Unix(), sum[0], sum[1], sum[2], sum[3], sum[4])
}

func DNSStatsLine(now time.Time, requests, queries uint64) string {
	return fmt.Sprintf("%d %d %d", now.Unix(), requests, queries)
}

// AppendStats adds one line to a stats log.
func AppendStats(filename, line string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filename, err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", filename, err)
	}
	return f.Close()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
